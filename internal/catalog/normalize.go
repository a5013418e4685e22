package catalog

import (
	"sort"
	"strings"
	"unicode"
)

// NormalizeTitle derives the merge key for a title: case-folded with every
// whitespace rune and hyphen removed. Distinct works whose titles collide on
// this key are merged; this is accepted behavior.
func NormalizeTitle(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	for _, r := range title {
		if unicode.IsSpace(r) || r == '-' {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// titleClass is the dedup form for alternate titles: case-folded and
// whitespace-collapsed, hyphens preserved.
func titleClass(title string) string {
	return strings.ToLower(strings.Join(strings.Fields(title), " "))
}

// UnionTitles merges title sets into a sorted, deduplicated slice. Titles that
// only differ by case or whitespace collapse to the byte-wise smallest
// spelling, so the result is independent of argument order.
func UnionTitles(sets ...[]string) []string {
	best := make(map[string]string)
	for _, set := range sets {
		for _, raw := range set {
			title := strings.Join(strings.Fields(raw), " ")
			if title == "" {
				continue
			}
			class := titleClass(title)
			if current, ok := best[class]; !ok || title < current {
				best[class] = title
			}
		}
	}
	if len(best) == 0 {
		return nil
	}
	classes := make([]string, 0, len(best))
	for class := range best {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	out := make([]string, 0, len(classes))
	for _, class := range classes {
		out = append(out, best[class])
	}
	return out
}

// FillMissing merges src into dst without overwriting populated fields. The
// alternate titles are unioned, and src's primary title joins them when it
// differs from dst's primary title.
func FillMissing(dst *Entry, src Entry) {
	if dst.CoverURL == "" {
		dst.CoverURL = strings.TrimSpace(src.CoverURL)
	}
	if dst.Description == "" {
		dst.Description = strings.TrimSpace(src.Description)
	}
	if len(dst.Tags) == 0 && len(src.Tags) > 0 {
		dst.Tags = UnionTitles(src.Tags)
	}
	if dst.ContentRating == "" {
		dst.ContentRating = strings.TrimSpace(src.ContentRating)
	}
	incoming := append([]string(nil), src.AltTitles...)
	if titleClass(src.Title) != titleClass(dst.Title) {
		incoming = append(incoming, src.Title)
	}
	dst.AltTitles = withoutTitle(UnionTitles(dst.AltTitles, incoming), dst.Title)
}

func withoutTitle(titles []string, primary string) []string {
	class := titleClass(primary)
	out := titles[:0]
	for _, t := range titles {
		if titleClass(t) == class {
			continue
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
