// Package strategy picks how a URL is fetched (plain HTTP, resilient HTTP or
// a rendered browser session) and runs that choice through a single dispatch
// function.
package strategy

import (
	"fmt"
	"net/url"
	"strings"
)

// Strategy is a closed set; the zero value is Resilient.
type Strategy uint8

// Fetch strategies.
const (
	Resilient Strategy = iota
	Direct
	Browser
)

func (s Strategy) String() string {
	switch s {
	case Resilient:
		return "resilient"
	case Direct:
		return "direct"
	case Browser:
		return "browser"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s))
	}
}

// Parse maps a configuration or API string to a Strategy.
func Parse(raw string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "resilient", "":
		return Resilient, nil
	case "direct":
		return Direct, nil
	case "browser":
		return Browser, nil
	default:
		return Resilient, fmt.Errorf("unknown strategy %q", raw)
	}
}

// MarshalText renders the strategy name in JSON payloads.
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Table classifies hosts by pattern lists. A nil *Table classifies every URL
// as Resilient.
type Table struct {
	direct    *domainPatterns
	resilient *domainPatterns
	browser   *domainPatterns
}

// NewTable builds a Table. Patterns are case-insensitive: "*.example.com" and
// ".example.com" match the domain and its subdomains, anything else matches
// as a substring of the host.
func NewTable(direct, resilient, browser []string) *Table {
	return &Table{
		direct:    newDomainPatterns(direct),
		resilient: newDomainPatterns(resilient),
		browser:   newDomainPatterns(browser),
	}
}

// Classify returns Browser, then Resilient, then Direct by first matching
// list. Unmatched or unparsable URLs are Resilient.
func (t *Table) Classify(rawURL string) Strategy {
	if t == nil {
		return Resilient
	}
	host := hostOf(rawURL)
	switch {
	case host == "":
		return Resilient
	case t.browser.matches(host):
		return Browser
	case t.resilient.matches(host):
		return Resilient
	case t.direct.matches(host):
		return Direct
	default:
		return Resilient
	}
}

func hostOf(rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// domainPatterns stores suffix wildcards and substring fragments derived from configuration.
type domainPatterns struct {
	fragments []string
	suffixes  []string
}

func newDomainPatterns(patterns []string) *domainPatterns {
	matcher := &domainPatterns{}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			matcher.suffixes = appendUnique(matcher.suffixes, strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			matcher.suffixes = appendUnique(matcher.suffixes, strings.TrimPrefix(value, "."))
		default:
			matcher.fragments = appendUnique(matcher.fragments, value)
		}
	}
	if len(matcher.fragments) == 0 && len(matcher.suffixes) == 0 {
		return nil
	}
	return matcher
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}

func (p *domainPatterns) matches(host string) bool {
	if p == nil {
		return false
	}
	for _, suffix := range p.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	for _, fragment := range p.fragments {
		if strings.Contains(host, fragment) {
			return true
		}
	}
	return false
}
