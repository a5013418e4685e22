package strategy

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/manga-aggregator/internal/browser"
	"github.com/JakeFAU/manga-aggregator/internal/fetch"
)

// minVisibleText is how much readable text a scripted page needs before it
// counts as server rendered.
const minVisibleText = 64

// mountPoints are the roots SPA frameworks render into; empty ones mean the
// listing has not been built yet.
const mountPoints = "#__next, #root, #app, #__nuxt, [data-reactroot], [ng-version]"

// escalationReason explains why a resilient fetch result should be retried in
// the browser, or returns "" when the result stands.
func escalationReason(resp fetch.Response, err error) string {
	if err != nil {
		var transportErr *fetch.TransportError
		if errors.As(err, &transportErr) {
			return "transport_" + string(transportErr.Kind)
		}
		var statusErr *fetch.StatusError
		if errors.As(err, &statusErr) && blockedStatus(statusErr.StatusCode) {
			return "status_" + strconv.Itoa(statusErr.StatusCode)
		}
		return ""
	}
	if browser.DetectChallenge("", resp.Body) {
		return "challenge"
	}
	if looksLikeShell(resp) {
		return "js_shell"
	}
	return ""
}

func blockedStatus(code int) bool {
	switch code {
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	}
	return code >= 520 && code <= 527
}

// looksLikeShell reports a 200 whose listing only appears after JavaScript
// runs: an empty body, an empty framework mount point, or scripts with almost
// no readable text around them.
func looksLikeShell(resp fetch.Response) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return false
	}
	empty := false
	doc.Find(mountPoints).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		empty = sel.Children().Length() == 0 && strings.TrimSpace(sel.Text()) == ""
		return !empty
	})
	if empty {
		return true
	}
	scripts := doc.Find("script").Length()
	if scripts == 0 {
		return false
	}
	return len(visibleText(doc)) < minVisibleText
}

func visibleText(doc *goquery.Document) string {
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	return strings.Join(strings.Fields(body.Text()), " ")
}
