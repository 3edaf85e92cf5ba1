package source

import (
	"math/rand/v2"
	"strings"
)

// Fingerprint is one coherent browser identity: user agent, viewport, locale
// and platform picked together so the combination looks plausible.
type Fingerprint struct {
	UserAgent      string
	Width, Height  int
	AcceptLanguage string
	Platform       string
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:127.0) Gecko/20100101 Firefox/127.0",
}

var viewports = [][2]int{
	{1920, 1080},
	{1680, 1050},
	{1536, 864},
	{1440, 900},
	{1366, 768},
}

var acceptLanguages = []string{
	"en-US,en;q=0.9",
	"en-GB,en;q=0.9",
	"en-US,en;q=0.8,fr;q=0.5",
	"en-CA,en;q=0.9,fr-CA;q=0.7",
}

// platformFor keeps navigator.platform consistent with the user agent;
// mismatched pairs are a common bot tell.
func platformFor(ua string) string {
	switch {
	case strings.Contains(ua, "Macintosh"):
		return "MacIntel"
	case strings.Contains(ua, "Linux"):
		return "Linux x86_64"
	default:
		return "Win32"
	}
}

// RandomFingerprint draws a fresh identity from the pools.
func RandomFingerprint() Fingerprint {
	ua := userAgents[rand.IntN(len(userAgents))]
	vp := viewports[rand.IntN(len(viewports))]
	return Fingerprint{
		UserAgent:      ua,
		Width:          vp[0],
		Height:         vp[1],
		AcceptLanguage: acceptLanguages[rand.IntN(len(acceptLanguages))],
		Platform:       platformFor(ua),
	}
}
