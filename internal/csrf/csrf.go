// Package csrf locates session anti-forgery tokens in landing pages
// and script bundles.
package csrf

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
)

// Match is a discovered token and the strategy that found it.
type Match struct {
	Token    string
	Strategy string
}

// strategies are tried in order; earlier entries are more specific.
// The final entry matches the signed-token shape the endpoint issues
// (three dot-separated URL-safe segments with an "Im" prefix).
var strategies = []struct {
	name string
	re   *regexp.Regexp
}{
	{"input-csrf_token", regexp.MustCompile(`(?i)name=["']csrf_token["']\s+value=["']([^"']+)["']`)},
	{"meta-csrf-token", regexp.MustCompile(`(?i)<meta[^>]+name=["']csrf-token["'][^>]+content=["']([^"']+)["']`)},
	{"key-x-csrftoken", regexp.MustCompile(`(?i)["']x-csrftoken["']\s*[:=]\s*["']([^"']+)["']`)},
	{"key-csrf-token", regexp.MustCompile(`(?i)["']csrf[_-]?token["']\s*[:=]\s*["']([^"']+)["']`)},
	{"assign-csrfToken", regexp.MustCompile(`csrfToken\s*[:=]\s*["']([^"']+)["']`)},
	{"signed-token", regexp.MustCompile(`(Im[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+)`)},
}

// Find scans text for an anti-forgery token, trying each strategy in
// order and returning the first hit. Works on HTML markup and on
// script source alike.
func Find(text string) (Match, bool) {
	for _, s := range strategies {
		if m := s.re.FindStringSubmatch(text); m != nil {
			return Match{Token: m[1], Strategy: s.name}, true
		}
	}
	return Match{}, false
}

// ScriptSources returns the absolute, deduplicated script URLs
// referenced by the page, in document order.
func ScriptSources(html string, base *url.URL) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, eris.Wrap(err, "csrf: parse page")
	}

	seen := make(map[string]struct{})
	var srcs []string
	doc.Find("script[src]").Each(func(_ int, sel *goquery.Selection) {
		src := strings.TrimSpace(sel.AttrOr("src", ""))
		if src == "" {
			return
		}
		ref, err := url.Parse(src)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref).String()
		if _, ok := seen[abs]; ok {
			return
		}
		seen[abs] = struct{}{}
		srcs = append(srcs, abs)
	})
	return srcs, nil
}
