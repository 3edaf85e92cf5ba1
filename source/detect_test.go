package source

import "testing"

func TestDetectChallengeRecaptcha(t *testing.T) {
	html := `<html><body>
	  <form action="/verify"><div class="g-recaptcha" data-sitekey="6LeKEY"></div></form>
	</body></html>`
	d := DetectChallenge("shopmart", "https://x.example/s", html)
	if d == nil {
		t.Fatal("recaptcha page not detected")
	}
	if d.Kind != "captcha" || d.SiteKey != "6LeKEY" {
		t.Errorf("descriptor: %+v", d)
	}
}

func TestDetectChallengeRobotCheck(t *testing.T) {
	html := `<html><head><title>Robot Check</title></head><body>
	  <p>Type the characters you see in this image</p>
	</body></html>`
	d := DetectChallenge("shopmart", "u", html)
	if d == nil || d.Kind != "captcha" {
		t.Fatalf("descriptor: %+v", d)
	}
}

func TestDetectChallengeCaptchaForm(t *testing.T) {
	html := `<html><body><form action="/errors/validateCaptcha"><input></form></body></html>`
	d := DetectChallenge("shopmart", "u", html)
	if d == nil || d.Kind != "captcha" {
		t.Fatalf("descriptor: %+v", d)
	}
}

func TestDetectChallengeSoftInterstitial(t *testing.T) {
	html := `<html><head><title>Just a moment...</title></head>
	  <body>Checking your browser before accessing the site.</body></html>`
	d := DetectChallenge("shopmart", "u", html)
	if d == nil || d.Kind != "js_wait" {
		t.Fatalf("descriptor: %+v", d)
	}
}

func TestDetectChallengeNormalPage(t *testing.T) {
	html := `<html><body>
	  <div class="result"><h2>Wireless Mouse</h2><span>$24.99</span></div>
	  <div class="result"><h2>USB Hub</h2><span>$12.50</span></div>
	  <p>Showing 2 results. Prices and availability subject to change. Free
	  shipping over $35. Customer ratings help other shoppers decide, and the
	  catalog refreshes these listings several times per day.</p>
	</body></html>`
	if d := DetectChallenge("shopmart", "u", html); d != nil {
		t.Fatalf("false positive: %+v", d)
	}
}

func TestDetectChallengeSparseCaptchaMarkup(t *testing.T) {
	// Near-empty body with captcha only in markup still counts as blocked.
	html := `<html><body><img src="/captcha/render?id=9"></body></html>`
	d := DetectChallenge("shopmart", "u", html)
	if d == nil {
		t.Fatal("sparse captcha page not detected")
	}
}
