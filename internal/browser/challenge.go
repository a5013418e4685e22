package browser

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var challengeTitles = []string{
	"just a moment",
	"attention required",
	"checking your browser",
	"verifying you are human",
	"ddos-guard",
	"please wait while we verify",
}

var challengeText = []string{
	"verify you are human",
	"checking if the site connection is secure",
	"enable javascript and cookies to continue",
	"needs to review the security of your connection",
}

var challengeSelectors = []string{
	"#challenge-form",
	"#challenge-running",
	"#cf-challenge-running",
	".cf-browser-verification",
	"#cf-please-wait",
	"#turnstile-wrapper",
	"iframe[src*='challenges.cloudflare.com']",
	"#px-captcha",
	"#ddos-guard",
}

// DetectChallenge reports whether a page looks like an anti-bot interstitial.
// An empty title falls back to the document's <title>.
func DetectChallenge(title string, html []byte) bool {
	if matchAny(strings.ToLower(title), challengeTitles) {
		return true
	}
	if len(html) == 0 {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return matchAny(strings.ToLower(string(html)), challengeText)
	}
	if title == "" && matchAny(strings.ToLower(doc.Find("title").First().Text()), challengeTitles) {
		return true
	}
	for _, sel := range challengeSelectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return matchAny(strings.ToLower(doc.Find("body").Text()), challengeText)
}

func matchAny(s string, markers []string) bool {
	if s == "" {
		return false
	}
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
