package extract

import (
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Page is a parsed chapter document.
type Page struct {
	doc  *goquery.Document
	base *url.URL
}

// Parse reads an HTML document served at pageURL.
func Parse(r io.Reader, pageURL string) (*Page, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Page{doc: doc, base: base}, nil
}

// ParseString is Parse for an in-memory document.
func ParseString(html, pageURL string) (*Page, error) {
	return Parse(strings.NewReader(html), pageURL)
}

// Title returns the document title.
func (p *Page) Title() string {
	return strings.TrimSpace(p.doc.Find("title").First().Text())
}

var (
	imageExtRe = regexp.MustCompile(`(?i)\.(jpe?g|png|webp|gif|avif)(\?|$)`)
	bgURLRe    = regexp.MustCompile(`(?i)url\((['"]?)(.*?)['"]?\)`)
)

// Images returns absolute image URLs in document order without duplicates.
func (p *Page) Images(rules Rules) []string {
	rules = rules.WithDefaults()

	root := p.doc.Selection
	for _, sel := range rules.ContainerSelectors {
		if found := p.doc.Find(sel).First(); found.Length() > 0 {
			root = found
			break
		}
	}

	var urls []string
	push := func(raw string) {
		u := p.resolve(raw)
		if u == "" || isJunk(u, rules.JunkMarkers) || !looksLikeImage(u) {
			return
		}
		urls = append(urls, u)
	}

	wrappers := root.Find(rules.WrapperSelector)
	if wrappers.Length() > 0 {
		wrappers.Each(func(_ int, w *goquery.Selection) {
			if inComments(w, rules.CommentSelectors) {
				return
			}
			imgs := w.Find("img")
			imgs.Each(func(_ int, img *goquery.Selection) {
				if u := pickImageURL(img); u != "" && acceptBySize(img, rules.MinDimension) {
					push(u)
				}
			})
			if imgs.Length() == 0 {
				if style, ok := w.Attr("style"); ok {
					if m := bgURLRe.FindStringSubmatch(style); len(m) == 3 {
						push(m[2])
					}
				}
			}
		})
	} else {
		root.Find("img").Each(func(_ int, img *goquery.Selection) {
			if inComments(img, rules.CommentSelectors) {
				return
			}
			if u := pickImageURL(img); u != "" && acceptBySize(img, rules.MinDimension) {
				push(u)
			}
		})
	}
	return dedupe(urls)
}

// Link is the located next-chapter affordance.
type Link struct {
	// Href is the absolute target, empty when the control is script-driven.
	Href string
	// Text is the control label, used to click it in a live browser.
	Text string
}

// Next finds the next-chapter control. A missing control means the work ended.
func (p *Page) Next(rules Rules) (Link, bool) {
	rules = rules.WithDefaults()

	for _, sel := range rules.NextSelectors {
		var link Link
		found := false
		p.doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if disabled(s) || inComments(s, rules.CommentSelectors) {
				return true
			}
			if href := p.hrefOf(s); href != "" {
				link, found = Link{Href: href, Text: strings.TrimSpace(s.Text())}, true
				return false
			}
			return true
		})
		if found {
			return link, true
		}
	}

	var link Link
	found := false
	p.doc.Find("a, button").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.TrimSpace(s.Text())
		if !matchesAny(text, rules.NextTexts) || disabled(s) || inComments(s, rules.CommentSelectors) {
			return true
		}
		link, found = Link{Href: p.hrefOf(s), Text: text}, true
		return false
	})
	return link, found
}

// Cover returns the first cover image on a catalog page, tried in selector
// order. Junk markers still apply.
func (p *Page) Cover(rules Rules) (string, bool) {
	rules = rules.WithDefaults()
	for _, sel := range rules.CoverSelectors {
		var cover string
		p.doc.Find(sel).EachWithBreak(func(_ int, img *goquery.Selection) bool {
			if inComments(img, rules.CommentSelectors) {
				return true
			}
			u := p.resolve(pickImageURL(img))
			if u == "" || isJunk(u, rules.JunkMarkers) {
				return true
			}
			cover = u
			return false
		})
		if cover != "" {
			return cover, true
		}
	}
	return "", false
}

func (p *Page) hrefOf(s *goquery.Selection) string {
	for _, attr := range []string{"href", "data-href", "data-url"} {
		if v, ok := s.Attr(attr); ok {
			v = strings.TrimSpace(v)
			if v == "" || v == "#" || strings.HasPrefix(strings.ToLower(v), "javascript:") {
				continue
			}
			return p.resolve(v)
		}
	}
	if goquery.NodeName(s) == "button" {
		if parent := s.Closest("a[href]"); parent.Length() > 0 {
			return p.hrefOf(parent)
		}
	}
	return ""
}

func (p *Page) resolve(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(strings.ToLower(raw), "data:") {
		return ""
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return NormalizeURL(p.base.ResolveReference(ref).String())
}

// pickImageURL prefers lazy-load attributes because static HTML often
// carries a placeholder in src.
func pickImageURL(img *goquery.Selection) string {
	for _, attr := range []string{"data-src", "data-lazy-src", "data-original", "src"} {
		if v, ok := img.Attr(attr); ok {
			v = strings.TrimSpace(v)
			if v != "" && !strings.HasPrefix(strings.ToLower(v), "data:") {
				return v
			}
		}
	}
	for _, attr := range []string{"srcset", "data-srcset"} {
		if v, ok := img.Attr(attr); ok {
			if u := PickFromSrcset(v); u != "" {
				return u
			}
		}
	}
	return ""
}

// PickFromSrcset returns the largest candidate of a srcset attribute.
func PickFromSrcset(srcset string) string {
	best, bestScore := "", -1.0
	for _, part := range strings.Split(srcset, ",") {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) == 0 {
			continue
		}
		score := 0.0
		if len(fields) > 1 {
			d := fields[1]
			switch {
			case strings.HasSuffix(d, "w"):
				score, _ = strconv.ParseFloat(strings.TrimSuffix(d, "w"), 64)
			case strings.HasSuffix(d, "x"):
				x, _ := strconv.ParseFloat(strings.TrimSuffix(d, "x"), 64)
				score = x * 1000
			}
		}
		if score >= bestScore {
			best, bestScore = fields[0], score
		}
	}
	return best
}

func acceptBySize(img *goquery.Selection, minDim int) bool {
	if minDim <= 0 {
		return true
	}
	w := intAttr(img, "width")
	h := intAttr(img, "height")
	if w > 0 && h > 0 && (w < minDim || h < minDim) {
		return false
	}
	return true
}

func intAttr(s *goquery.Selection, name string) int {
	v, ok := s.Attr(name)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(v), "px"))
	if err != nil {
		return 0
	}
	return n
}

func inComments(s *goquery.Selection, selectors []string) bool {
	for _, sel := range selectors {
		if s.Closest(sel).Length() > 0 {
			return true
		}
	}
	return false
}

func disabled(s *goquery.Selection) bool {
	if _, ok := s.Attr("disabled"); ok {
		return true
	}
	if v, _ := s.Attr("aria-disabled"); strings.EqualFold(v, "true") {
		return true
	}
	return s.HasClass("disabled")
}

func matchesAny(text string, needles []string) bool {
	lower := strings.ToLower(text)
	for _, n := range needles {
		if n != "" && strings.Contains(lower, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

func isJunk(u string, markers []string) bool {
	lower := strings.ToLower(u)
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func looksLikeImage(u string) bool {
	lower := strings.ToLower(u)
	return imageExtRe.MatchString(u) ||
		strings.Contains(lower, "format=webp") ||
		strings.Contains(lower, "format=png") ||
		strings.Contains(lower, "format=jpg") ||
		strings.Contains(lower, "format=jpeg") ||
		strings.Contains(lower, "/scans/")
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
