package source

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/pricewatch/challenge"
	"github.com/hazyhaar/pricewatch/proxypool"
	"github.com/hazyhaar/pricewatch/session"
)

// SessionPersister is the slice of the session store the browser client
// needs: it writes refreshed cookies back and drops rejected sessions.
type SessionPersister interface {
	SessionInvalidator
	Save(ctx context.Context, sess *session.Session) error
}

// ChallengeSolver clears anti-bot challenges.
type ChallengeSolver interface {
	Solve(ctx context.Context, d challenge.Descriptor) (*challenge.Solution, error)
}

// BrowserClientConfig configures a BrowserClient.
type BrowserClientConfig struct {
	Source   string
	Endpoint string // site base URL, e.g. https://www.shopmart.example

	// Selectors and ItemSelector drive extraction; see Extractor.
	Selectors    map[string]string
	ItemSelector string

	// NavTimeout bounds navigation plus load. Default: 30s.
	NavTimeout time.Duration

	// SessionTTL is how long refreshed cookies are trusted. Default: 12h.
	SessionTTL time.Duration

	Logger *slog.Logger
}

func (c *BrowserClientConfig) defaults() {
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 12 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// BrowserClient fetches by driving a headless browser: stealth page,
// rotated fingerprint, persisted cookies, challenge handling, then CSS
// extraction of the rendered DOM.
type BrowserClient struct {
	cfg      BrowserClientConfig
	manager  *BrowserManager
	pool     ProxyReporter
	sessions SessionPersister
	solver   ChallengeSolver
	extract  *Extractor
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration)
}

// NewBrowserClient creates a BrowserClient. pool, sessions and solver may be
// nil; the corresponding steps are skipped.
func NewBrowserClient(cfg BrowserClientConfig, manager *BrowserManager, pool ProxyReporter, sessions SessionPersister, solver ChallengeSolver) *BrowserClient {
	cfg.defaults()
	return &BrowserClient{
		cfg:      cfg,
		manager:  manager,
		pool:     pool,
		sessions: sessions,
		solver:   solver,
		extract: &Extractor{
			Source:       cfg.Source,
			Selectors:    cfg.Selectors,
			ItemSelector: cfg.ItemSelector,
			BaseURL:      cfg.Endpoint,
		},
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// Source implements Client.
func (c *BrowserClient) Source() string { return c.cfg.Source }

// Fetch implements Client.
func (c *BrowserClient) Fetch(ctx context.Context, task *Task, proxy *proxypool.Endpoint, sess *session.Session) (*Payload, error) {
	target, err := c.targetURL(task)
	if err != nil {
		return nil, err
	}

	proxyAddr := ""
	if proxy != nil {
		proxyAddr = proxy.Addr
	}
	browser, err := c.manager.BrowserFor(proxyAddr)
	if err != nil {
		c.reportProxy(proxy, proxypool.Failure)
		return nil, NewError(KindTransient, c.cfg.Source, task.Op, "acquire browser", err)
	}

	page, err := c.openPage(ctx, browser, sess)
	if err != nil {
		c.manager.Drop(proxyAddr)
		c.reportProxy(proxy, proxypool.Failure)
		return nil, NewError(KindTransient, c.cfg.Source, task.Op, "open page", err)
	}
	defer page.Close()

	html, err := c.navigate(ctx, page, target)
	if err != nil {
		c.reportProxy(proxy, proxypool.Failure)
		return nil, NewError(KindTransient, c.cfg.Source, task.Op, "navigate "+target, err)
	}

	if d := DetectChallenge(c.cfg.Source, target, html); d != nil {
		html, err = c.clearChallenge(ctx, page, task.Op, target, *d)
		if err != nil {
			// The proxy reached the site but got flagged; rotate it.
			c.reportProxy(proxy, proxypool.Failure)
			return nil, err
		}
	}

	items, err := c.extract.Extract(task.Op, target, html)
	if err != nil {
		c.reportProxy(proxy, proxypool.Success)
		return nil, err
	}

	c.persistCookies(ctx, page, sess)
	c.reportProxy(proxy, proxypool.Success)

	return &Payload{
		Source:    c.cfg.Source,
		Op:        task.Op,
		FetchedAt: c.now(),
		Proxy:     proxyAddr,
		Items:     items,
	}, nil
}

func (c *BrowserClient) targetURL(task *Task) (string, error) {
	base := strings.TrimRight(c.cfg.Endpoint, "/")
	switch task.Op {
	case OpSearch:
		return base + "/s?k=" + url.QueryEscape(task.Query), nil
	case OpDetail:
		if task.NativeID == "" {
			return "", NewError(KindParseFailure, c.cfg.Source, task.Op, "detail task without native id", nil)
		}
		return base + "/dp/" + url.PathEscape(task.NativeID), nil
	case OpDeals:
		u := base + "/deals"
		if task.Query != "" {
			u += "?q=" + url.QueryEscape(task.Query)
		}
		return u, nil
	}
	return "", NewError(KindParseFailure, c.cfg.Source, task.Op, "unsupported operation", nil)
}

// openPage creates a stealth page with a fresh fingerprint and the saved
// session cookies applied.
func (c *BrowserClient) openPage(ctx context.Context, browser *rod.Browser, sess *session.Session) (*rod.Page, error) {
	page, err := stealth.Page(browser)
	if err != nil {
		return nil, fmt.Errorf("stealth page: %w", err)
	}
	page = page.Context(ctx)

	fp := RandomFingerprint()
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      fp.UserAgent,
		AcceptLanguage: fp.AcceptLanguage,
		Platform:       fp.Platform,
	}); err != nil {
		page.Close()
		return nil, fmt.Errorf("set user agent: %w", err)
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             fp.Width,
		Height:            fp.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		page.Close()
		return nil, fmt.Errorf("set viewport: %w", err)
	}

	if sess != nil && len(sess.Cookies) > 0 {
		params := make([]*proto.NetworkCookieParam, 0, len(sess.Cookies))
		for _, ck := range sess.Cookies {
			params = append(params, &proto.NetworkCookieParam{
				Name:     ck.Name,
				Value:    ck.Value,
				Domain:   ck.Domain,
				Path:     ck.Path,
				Secure:   ck.Secure,
				HTTPOnly: ck.HTTPOnly,
				Expires:  proto.TimeSinceEpoch(float64(ck.Expires.Unix())),
			})
		}
		if err := page.SetCookies(params); err != nil {
			page.Close()
			return nil, fmt.Errorf("set cookies: %w", err)
		}
	}
	return page, nil
}

// navigate loads target, paces like a reader, and returns the rendered HTML.
func (c *BrowserClient) navigate(ctx context.Context, page *rod.Page, target string) (string, error) {
	pg := page.Timeout(c.cfg.NavTimeout)
	if err := pg.Navigate(target); err != nil {
		return "", fmt.Errorf("navigate: %w", err)
	}
	if err := pg.WaitLoad(); err != nil {
		return "", fmt.Errorf("wait load: %w", err)
	}
	c.humanPace(ctx, page)
	html, err := page.HTML()
	if err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

// humanPace scrolls in steps with jittered pauses. Instant full-page reads
// are a bot tell on sites that watch scroll behavior.
func (c *BrowserClient) humanPace(ctx context.Context, page *rod.Page) {
	for i := 0; i < 3; i++ {
		if _, err := page.Eval(`() => window.scrollBy(0, window.innerHeight * 0.7)`); err != nil {
			return
		}
		c.sleep(ctx, time.Duration(300+rand.IntN(900))*time.Millisecond)
	}
}

// clearChallenge tries to get past an anti-bot page: solve, apply the
// solution, reload once, and re-check. Anything still blocked maps to
// KindChallengeBlocked so the orchestrator moves to the long backoff track.
func (c *BrowserClient) clearChallenge(ctx context.Context, page *rod.Page, op Op, target string, d challenge.Descriptor) (string, error) {
	c.cfg.Logger.Info("source: challenge detected",
		"source", c.cfg.Source, "kind", d.Kind, "url", target)

	if c.solver == nil {
		return "", NewError(KindChallengeBlocked, c.cfg.Source, op, "no solver configured", nil)
	}
	sol, err := c.solver.Solve(ctx, d)
	if err != nil {
		return "", NewError(KindChallengeBlocked, c.cfg.Source, op, "solve failed", err)
	}

	if sol.Token != "" {
		// Inject the solver token into the challenge form and submit it.
		js := `(token) => {
			const ta = document.querySelector('textarea[name="g-recaptcha-response"], #g-recaptcha-response');
			if (ta) { ta.style.display = 'block'; ta.value = token; }
			const form = document.querySelector('form');
			if (form) form.submit();
		}`
		if _, err := page.Eval(js, sol.Token); err != nil {
			return "", NewError(KindChallengeBlocked, c.cfg.Source, op, "inject token", err)
		}
	} else if err := page.Timeout(c.cfg.NavTimeout).Reload(); err != nil {
		return "", NewError(KindChallengeBlocked, c.cfg.Source, op, "reload", err)
	}
	if err := page.Timeout(c.cfg.NavTimeout).WaitLoad(); err != nil {
		return "", NewError(KindChallengeBlocked, c.cfg.Source, op, "wait after solve", err)
	}

	html, err := page.HTML()
	if err != nil {
		return "", NewError(KindTransient, c.cfg.Source, op, "read html after solve", err)
	}
	if again := DetectChallenge(c.cfg.Source, target, html); again != nil {
		return "", NewError(KindChallengeBlocked, c.cfg.Source, op,
			"challenge persists after "+sol.Strategy, nil)
	}
	c.cfg.Logger.Info("source: challenge cleared",
		"source", c.cfg.Source, "strategy", sol.Strategy)
	return html, nil
}

// persistCookies writes the page's cookie jar back so the next run resumes
// the session. Best-effort: a failed save costs one re-authentication, not
// the fetch.
func (c *BrowserClient) persistCookies(ctx context.Context, page *rod.Page, prev *session.Session) {
	if c.sessions == nil {
		return
	}
	raw, err := page.Cookies(nil)
	if err != nil {
		c.cfg.Logger.Warn("source: read cookies", "source", c.cfg.Source, "error", err)
		return
	}
	cookies := make([]session.Cookie, 0, len(raw))
	for _, ck := range raw {
		cookies = append(cookies, session.Cookie{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			Expires:  time.Unix(int64(ck.Expires), 0),
			Secure:   ck.Secure,
			HTTPOnly: ck.HTTPOnly,
		})
	}
	sess := &session.Session{
		Source:    c.cfg.Source,
		Cookies:   cookies,
		ExpiresAt: c.now().Add(c.cfg.SessionTTL),
	}
	if prev != nil {
		sess.Token = prev.Token
	}
	if err := c.sessions.Save(ctx, sess); err != nil {
		c.cfg.Logger.Warn("source: save session", "source", c.cfg.Source, "error", err)
	}
}

func (c *BrowserClient) reportProxy(e *proxypool.Endpoint, outcome proxypool.Outcome) {
	if c.pool != nil && e != nil {
		c.pool.Report(e, outcome)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
