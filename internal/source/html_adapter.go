package source

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/manga-aggregator/internal/browser"
	"github.com/JakeFAU/manga-aggregator/internal/catalog"
	"github.com/JakeFAU/manga-aggregator/internal/fetch"
	"github.com/JakeFAU/manga-aggregator/internal/strategy"
)

// PageFetcher is the dispatch entry point; *strategy.Dispatcher satisfies it.
type PageFetcher interface {
	Fetch(ctx context.Context, req strategy.Request) (strategy.Result, error)
}

// HTMLAdapter extracts items with the CSS selectors of a Definition. The fetch
// strategy is chosen by the dispatcher from the page URL.
type HTMLAdapter struct {
	def     Definition
	base    *url.URL
	fetcher PageFetcher
	logger  *zap.Logger
}

// NewHTMLAdapter validates def and binds it to fetcher.
func NewHTMLAdapter(def Definition, fetcher PageFetcher, logger *zap.Logger) (*HTMLAdapter, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if fetcher == nil {
		return nil, fmt.Errorf("source %s: fetcher is required", def.Name)
	}
	base, err := url.Parse(strings.TrimRight(def.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("source %s: parse base url: %w", def.Name, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTMLAdapter{def: def, base: base, fetcher: fetcher, logger: logger.With(zap.String("source", def.Name))}, nil
}

// Search loads the listing page (empty query) or the search page and parses
// every item.
func (a *HTMLAdapter) Search(ctx context.Context, query string) ([]catalog.SearchResult, error) {
	pageURL := a.pageURL(query)
	doc, final, err := a.load(ctx, pageURL, a.def.WaitSelector)
	if err != nil {
		return nil, &AdapterError{Source: a.def.Name, Op: OpSearch, Err: err}
	}
	results := parseItems(doc, final, a.def.Selectors)
	a.logger.Debug("listing parsed", zap.String("url", pageURL), zap.Int("items", len(results)))
	return results, nil
}

// ListChapters loads a title page and parses its chapter list. A definition
// without chapter selectors yields no chapters.
func (a *HTMLAdapter) ListChapters(ctx context.Context, sourceURL string) ([]catalog.Chapter, error) {
	if a.def.Chapters.Item == "" {
		return []catalog.Chapter{}, nil
	}
	doc, final, err := a.load(ctx, sourceURL, a.def.Chapters.Item)
	if err != nil {
		return nil, &AdapterError{Source: a.def.Name, Op: OpListChapters, Err: err}
	}
	return parseChapters(doc, final, a.def.Chapters), nil
}

func (a *HTMLAdapter) pageURL(query string) string {
	query = strings.TrimSpace(query)
	if query != "" && a.def.SearchPath != "" {
		p := strings.ReplaceAll(a.def.SearchPath, "{query}", url.QueryEscape(query))
		return resolve(a.base, p)
	}
	if a.def.ListingPath == "" {
		return a.base.String()
	}
	return resolve(a.base, a.def.ListingPath)
}

func (a *HTMLAdapter) load(ctx context.Context, pageURL, waitSelector string) (*goquery.Document, *url.URL, error) {
	headers := http.Header{}
	for k, v := range a.def.Headers {
		headers.Set(k, v)
	}
	res, err := a.fetcher.Fetch(fetch.WithSource(ctx, a.def.Name), strategy.Request{
		URL:     pageURL,
		Headers: headers,
		Render:  browser.RenderOptions{WaitSelector: waitSelector, Scroll: a.def.Scroll},
	})
	if err != nil {
		return nil, nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse html: %w", err)
	}
	final := res.FinalURL
	if final == "" {
		final = pageURL
	}
	finalURL, err := url.Parse(final)
	if err != nil {
		finalURL = a.base
	}
	return doc, finalURL, nil
}

func parseItems(doc *goquery.Document, page *url.URL, sel ItemSelectors) []catalog.SearchResult {
	results := []catalog.SearchResult{}
	doc.Find(sel.Item).Each(func(_ int, item *goquery.Selection) {
		title := collapse(extract(item, sel.Title))
		if title == "" {
			return
		}
		link := extract(item, withAttr(sel.Link, "href"))
		if sel.Link == "" {
			link = extract(item, withAttr(sel.Title, "href"))
		}
		link = resolve(page, link)
		entry := catalog.Entry{
			Title:         title,
			CoverURL:      coverURL(item, page, sel.Cover),
			Description:   collapse(extract(item, sel.Description)),
			ContentRating: collapse(extract(item, sel.Rating)),
			AltTitles:     extractAll(item, sel.AltTitles),
			Tags:          extractAll(item, sel.Tags),
		}
		results = append(results, catalog.SearchResult{Entry: entry, URL: link, NativeID: nativeID(link)})
	})
	return results
}

func parseChapters(doc *goquery.Document, page *url.URL, sel ChapterSelectors) []catalog.Chapter {
	chapters := []catalog.Chapter{}
	doc.Find(sel.Item).Each(func(_ int, item *goquery.Selection) {
		var link string
		if sel.Link == "" {
			link, _ = item.Attr("href")
		} else {
			link = extract(item, withAttr(sel.Link, "href"))
		}
		link = resolve(page, link)
		if link == "" {
			return
		}
		label := collapse(item.Text())
		if sel.Label != "" {
			label = collapse(extract(item, sel.Label))
		}
		chapters = append(chapters, catalog.Chapter{Label: label, URL: link})
	})
	return chapters
}

// withAttr defaults a selector without "@attr" to the given attribute.
func withAttr(selector, attr string) string {
	if selector == "" || strings.Contains(selector, "@") {
		return selector
	}
	return selector + "@" + attr
}

func splitSelector(selector string) (css, attr string) {
	if i := strings.LastIndex(selector, "@"); i >= 0 {
		return strings.TrimSpace(selector[:i]), strings.TrimSpace(selector[i+1:])
	}
	return strings.TrimSpace(selector), ""
}

func pick(item *goquery.Selection, css string) *goquery.Selection {
	if css == "" || css == "&" {
		return item
	}
	return item.Find(css)
}

func extract(item *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	css, attr := splitSelector(selector)
	node := pick(item, css).First()
	if attr == "" {
		return strings.TrimSpace(node.Text())
	}
	value, _ := node.Attr(attr)
	return strings.TrimSpace(value)
}

func extractAll(item *goquery.Selection, selector string) []string {
	if selector == "" {
		return nil
	}
	css, attr := splitSelector(selector)
	var out []string
	pick(item, css).Each(func(_ int, s *goquery.Selection) {
		var value string
		if attr == "" {
			value = s.Text()
		} else {
			value, _ = s.Attr(attr)
		}
		if value = collapse(value); value != "" {
			out = append(out, value)
		}
	})
	return out
}

// coverURL prefers lazy-load attributes over src, which is often a placeholder.
func coverURL(item *goquery.Selection, page *url.URL, selector string) string {
	if selector == "" {
		return ""
	}
	if strings.Contains(selector, "@") {
		return resolve(page, extract(item, selector))
	}
	for _, attr := range []string{"data-src", "data-original", "src"} {
		if v := extract(item, selector+"@"+attr); v != "" {
			return resolve(page, v)
		}
	}
	return ""
}

func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "javascript:") || strings.HasPrefix(ref, "#") {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base == nil {
		return u.String()
	}
	return base.ResolveReference(u).String()
}

func nativeID(link string) string {
	u, err := url.Parse(link)
	if err != nil || u.Path == "" {
		return ""
	}
	id := path.Base(strings.TrimRight(u.Path, "/"))
	if id == "." || id == "/" {
		return ""
	}
	return id
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
