package source

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/hazyhaar/pricewatch/challenge"
)

// softBlockPhrases mark interstitial pages that usually clear after a wait
// and reload, without an interactive captcha.
var softBlockPhrases = []string{
	"checking your browser",
	"just a moment",
	"verifying you are human",
	"enable javascript and cookies",
}

// captchaPhrases mark pages where the source demands an interactive solve.
var captchaPhrases = []string{
	"type the characters you see",
	"enter the characters you see",
	"robot check",
	"are you a robot",
}

// DetectChallenge inspects a rendered page and reports the anti-bot
// challenge it carries, or nil if the page looks like normal content.
func DetectChallenge(src, pageURL, html string) *challenge.Descriptor {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		// Unparseable HTML is not a challenge; extraction will flag it.
		return nil
	}

	d := &challenge.Descriptor{Source: src, URL: pageURL, PageHTML: html}

	if el := doc.Find(".g-recaptcha, [data-sitekey]").First(); el.Length() > 0 {
		d.Kind = "captcha"
		d.SiteKey, _ = el.Attr("data-sitekey")
		return d
	}
	if doc.Find("#captcha, form[action*='validateCaptcha'], iframe[src*='captcha']").Length() > 0 {
		d.Kind = "captcha"
		return d
	}

	lower := strings.ToLower(doc.Find("title").Text() + " " + doc.Find("body").Text())
	for _, p := range captchaPhrases {
		if strings.Contains(lower, p) {
			d.Kind = "captcha"
			return d
		}
	}
	for _, p := range softBlockPhrases {
		if strings.Contains(lower, p) {
			d.Kind = "js_wait"
			return d
		}
	}

	// A near-empty body mentioning captcha anywhere in markup is still a
	// block page even when the copy varies.
	if len(strings.TrimSpace(doc.Find("body").Text())) < 200 &&
		strings.Contains(strings.ToLower(html), "captcha") {
		d.Kind = "unknown"
		return d
	}
	return nil
}
