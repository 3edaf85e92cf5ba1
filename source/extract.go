package source

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Extractor pulls raw items out of rendered HTML using per-source CSS
// selectors. Pure: no browser, no network.
type Extractor struct {
	Source string
	// Selectors maps raw field names to CSS selectors, evaluated inside each
	// item (or against the whole document for detail pages).
	Selectors map[string]string
	// ItemSelector matches the repeated result container on list pages.
	ItemSelector string
	// BaseURL resolves relative hrefs.
	BaseURL string
}

// Extract parses html and returns the raw items for op. List operations
// (search, deals) iterate ItemSelector matches; detail treats the whole
// document as one item.
func (x *Extractor) Extract(op Op, pageURL, html string) ([]Item, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, NewError(KindParseFailure, x.Source, op, "parse html", err)
	}

	var items []Item
	if op == OpDetail || x.ItemSelector == "" {
		it := x.extractOne(doc.Selection, pageURL)
		if len(it) > 0 {
			items = append(items, it)
		}
	} else {
		doc.Find(x.ItemSelector).Each(func(_ int, sel *goquery.Selection) {
			if isHoneypot(sel) {
				return
			}
			it := x.extractOne(sel, pageURL)
			if len(it) > 0 {
				items = append(items, it)
			}
		})
	}

	if len(items) == 0 {
		return nil, NewError(KindParseFailure, x.Source, op,
			fmt.Sprintf("no items matched selectors on %s", pageURL), nil)
	}
	return items, nil
}

func (x *Extractor) extractOne(scope *goquery.Selection, pageURL string) Item {
	item := Item{}
	for field, selector := range x.Selectors {
		el := scope.Find(selector).First()
		if el.Length() == 0 {
			continue
		}
		if isHoneypot(el) {
			continue
		}
		var val string
		switch field {
		case "url":
			val, _ = el.Attr("href")
			val = x.resolve(pageURL, val)
		case "image":
			val, _ = el.Attr("src")
			if val == "" {
				val, _ = el.Attr("data-src")
			}
			val = x.resolve(pageURL, val)
		default:
			val = strings.TrimSpace(el.Text())
		}
		if val != "" {
			item[field] = val
		}
	}
	if item["url"] != "" && item["native_id"] == "" {
		if id := NativeIDFromURL(item["url"]); id != "" {
			item["native_id"] = id
		}
	}
	return item
}

func (x *Extractor) resolve(pageURL, href string) string {
	if href == "" {
		return ""
	}
	base := pageURL
	if base == "" {
		base = x.BaseURL
	}
	bu, err := url.Parse(base)
	if err != nil {
		return href
	}
	hu, err := url.Parse(href)
	if err != nil {
		return href
	}
	return bu.ResolveReference(hu).String()
}

// honeypotStyle matches inline styles used to hide decoy elements from
// humans while leaving them in the DOM for scrapers.
var honeypotStyle = regexp.MustCompile(`display\s*:\s*none|visibility\s*:\s*hidden|width\s*:\s*0|height\s*:\s*0|opacity\s*:\s*0`)

// isHoneypot reports whether el is hidden bait. Extracting from such
// elements poisons the data, so they are skipped entirely.
func isHoneypot(el *goquery.Selection) bool {
	if style, ok := el.Attr("style"); ok && honeypotStyle.MatchString(strings.ToLower(style)) {
		return true
	}
	if _, ok := el.Attr("hidden"); ok {
		return true
	}
	if ah, ok := el.Attr("aria-hidden"); ok && ah == "true" {
		return true
	}
	return false
}

// The ID segment is exactly 10 characters; the trailing boundary keeps a
// longer segment from matching on its first 10 and corrupting the key.
var dpPathRe = regexp.MustCompile(`/(?:dp|gp/product)/([A-Z0-9]{10})(?:[/?#]|$)`)

// NativeIDFromURL derives the source-native product ID from a detail-page
// URL (the /dp/<id> segment), or "" when the URL carries none.
func NativeIDFromURL(raw string) string {
	m := dpPathRe.FindStringSubmatch(raw)
	if m == nil {
		return ""
	}
	return m[1]
}
