package normalize

import (
	"net/url"
	"strings"
)

// trackingParams are query parameters carrying someone else's click
// provenance; they are removed before the affiliate tag is applied.
var trackingParams = []string{"ref", "ref_", "tag", "ascsubtag", "asc_campaign", "asc_refurl", "asc_source", "creative", "creativeASIN", "linkCode", "linkId", "psc"}

// AffiliateURL rewrites a product URL on a matching domain: strips foreign
// tracking parameters and the /ref= path suffix, then sets tag once.
// Idempotent; non-matching domains and unparseable URLs pass through
// unchanged.
func AffiliateURL(raw, tag string, domains []string) string {
	if raw == "" || tag == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}

	match := false
	host := strings.ToLower(u.Host)
	for _, d := range domains {
		if strings.Contains(host, strings.ToLower(d)) {
			match = true
			break
		}
	}
	if !match {
		return raw
	}

	// Drop the trailing /ref=... path segment.
	if i := strings.Index(u.Path, "/ref="); i >= 0 {
		u.Path = u.Path[:i]
	}

	q := u.Query()
	for _, p := range trackingParams {
		q.Del(p)
	}
	q.Set("tag", tag)
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String()
}
