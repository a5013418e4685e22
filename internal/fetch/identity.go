package fetch

import (
	"math/rand/v2"
	"net/http"
	"strings"
)

// DefaultUserAgents mirrors current desktop and mobile consumer browsers.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:131.0) Gecko/20100101 Firefox/131.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14.6; rv:130.0) Gecko/20100101 Firefox/130.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36 Edg/129.0.0.0",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Mobile/15E148 Safari/604.1",
}

// defaultHeaders resemble a top-level navigation from a consumer browser.
var defaultHeaders = http.Header{
	"Accept":                    {"text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"},
	"Accept-Language":           {"en-US,en;q=0.9"},
	"Accept-Encoding":           {"gzip, deflate, br"},
	"Connection":                {"keep-alive"},
	"Upgrade-Insecure-Requests": {"1"},
	"Sec-Fetch-Dest":            {"document"},
	"Sec-Fetch-Mode":            {"navigate"},
	"Sec-Fetch-Site":            {"none"},
	"Sec-Fetch-User":            {"?1"},
	"Cache-Control":             {"max-age=0"},
}

// identityPool is read-only after construction.
type identityPool struct {
	agents []string
	pick   func(n int) int
}

func newIdentityPool(agents []string) *identityPool {
	cleaned := make([]string, 0, len(agents))
	for _, ua := range agents {
		if ua = strings.TrimSpace(ua); ua != "" {
			cleaned = append(cleaned, ua)
		}
	}
	if len(cleaned) == 0 {
		cleaned = append(cleaned, DefaultUserAgents...)
	}
	return &identityPool{agents: cleaned, pick: rand.IntN}
}

// next returns a user agent chosen independently for each attempt.
func (p *identityPool) next() string {
	return p.agents[p.pick(len(p.agents))]
}

// applyHeaders writes the default browser headers, then caller overrides.
func applyHeaders(dst *http.Header, extra http.Header) {
	for key, values := range defaultHeaders {
		dst.Del(key)
		for _, v := range values {
			dst.Add(key, v)
		}
	}
	for key, values := range extra {
		dst.Del(key)
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
