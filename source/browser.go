package source

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// BrowserConfig configures the headless browser manager.
type BrowserConfig struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch local Chrome per proxy.
	RemoteURL string

	// Headless launches without a display. Default: true.
	Headless *bool

	// RecycleInterval is the maximum lifetime of one Chrome process; beyond
	// it the next BrowserFor call relaunches. Default: 4h.
	RecycleInterval time.Duration

	Logger *slog.Logger
}

func (c *BrowserConfig) defaults() {
	if c.RecycleInterval <= 0 {
		c.RecycleInterval = 4 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c *BrowserConfig) headless() bool {
	return c.Headless == nil || *c.Headless
}

type managedBrowser struct {
	browser *rod.Browser
	lnch    *launcher.Launcher
	startAt time.Time
}

// BrowserManager keeps one Chrome instance per egress proxy. Chrome takes a
// proxy at process level, not per page, so binding a fetch to a proxy means
// binding it to the instance launched through that proxy.
type BrowserManager struct {
	cfg BrowserConfig

	mu      sync.Mutex
	byProxy map[string]*managedBrowser // keyed by proxy addr, "" = direct
	closed  bool
}

// NewBrowserManager creates a BrowserManager. Instances launch lazily on
// first BrowserFor call.
func NewBrowserManager(cfg BrowserConfig) *BrowserManager {
	cfg.defaults()
	return &BrowserManager{cfg: cfg, byProxy: make(map[string]*managedBrowser)}
}

// BrowserFor returns the Chrome instance bound to proxyAddr, launching or
// recycling one as needed. proxyAddr "" means direct egress.
func (m *BrowserManager) BrowserFor(proxyAddr string) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("source: browser manager is closed")
	}

	if mb, ok := m.byProxy[proxyAddr]; ok {
		if time.Since(mb.startAt) < m.cfg.RecycleInterval {
			return mb.browser, nil
		}
		m.cfg.Logger.Info("source: recycling browser", "proxy", proxyAddr,
			"uptime", time.Since(mb.startAt))
		m.closeLocked(proxyAddr, mb)
	}

	mb, err := m.launch(proxyAddr)
	if err != nil {
		return nil, err
	}
	m.byProxy[proxyAddr] = mb
	return mb.browser, nil
}

// Drop discards the instance bound to proxyAddr so the next BrowserFor
// relaunches fresh. Used after a crash or an unrecoverable page state.
func (m *BrowserManager) Drop(proxyAddr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mb, ok := m.byProxy[proxyAddr]; ok {
		m.closeLocked(proxyAddr, mb)
	}
}

// Close shuts down every Chrome instance.
func (m *BrowserManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for addr, mb := range m.byProxy {
		m.closeLocked(addr, mb)
	}
}

func (m *BrowserManager) closeLocked(addr string, mb *managedBrowser) {
	if mb.browser != nil {
		if err := mb.browser.Close(); err != nil {
			m.cfg.Logger.Warn("source: close browser", "proxy", addr, "error", err)
		}
	}
	if mb.lnch != nil {
		mb.lnch.Cleanup()
	}
	delete(m.byProxy, addr)
}

func (m *BrowserManager) launch(proxyAddr string) (*managedBrowser, error) {
	log := m.cfg.Logger

	var (
		wsURL string
		lnch  *launcher.Launcher
	)
	if m.cfg.RemoteURL != "" {
		wsURL = m.cfg.RemoteURL
		log.Info("source: connecting to remote browser", "url", wsURL)
	} else {
		l := launcher.New().
			Headless(m.cfg.headless()).
			Set("disable-blink-features", "AutomationControlled")
		if proxyAddr != "" {
			l = l.Proxy(proxyAddr)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("source: launch browser: %w", err)
		}
		wsURL = u
		lnch = l
		log.Info("source: launched browser", "proxy", proxyAddr)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if lnch != nil {
			lnch.Cleanup()
		}
		return nil, fmt.Errorf("source: connect browser: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		log.Warn("source: ignore cert errors failed", "error", err)
	}
	return &managedBrowser{browser: b, lnch: lnch, startAt: time.Now()}, nil
}
