package proxypool

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RunProber periodically re-checks degraded and dead endpoints and promotes
// them back to healthy when a probe succeeds. Dead endpoints are left alone
// until DeadCooldown has elapsed since their last check. Blocks until ctx is
// cancelled.
func (p *Pool) RunProber(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeUnhealthy(ctx)
		}
	}
}

func (p *Pool) probeUnhealthy(ctx context.Context) {
	p.mu.Lock()
	var candidates []*Endpoint
	now := p.now()
	for _, e := range p.endpoints {
		switch e.state {
		case Degraded:
			candidates = append(candidates, e)
		case Dead:
			if now.Sub(e.lastChecked) >= p.cfg.DeadCooldown {
				candidates = append(candidates, e)
			}
		}
	}
	p.mu.Unlock()

	for _, e := range candidates {
		if ctx.Err() != nil {
			return
		}
		err := p.probeWithRetry(ctx, e.Addr)

		p.mu.Lock()
		e.lastChecked = p.now()
		p.mu.Unlock()

		if err != nil {
			p.cfg.Logger.Debug("proxypool: probe failed", "addr", e.Addr, "error", err)
			continue
		}
		p.Report(e, Success)
	}
}

// probeWithRetry tries the probe a few times with exponential backoff so a
// single flaky round-trip does not keep an endpoint quarantined.
func (p *Pool) probeWithRetry(ctx context.Context, addr string) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(func() error {
		return p.probe(addr)
	}, backoff.WithContext(bo, ctx))
}

// httpProbe is the default probe: a lightweight GET through the endpoint.
func (p *Pool) httpProbe(addr string) error {
	transport, err := Transport(addr)
	if err != nil {
		return err
	}
	client := &http.Client{Transport: transport, Timeout: 10 * time.Second}
	resp, err := client.Get(p.cfg.ProbeURL)
	if err != nil {
		return fmt.Errorf("proxypool: probe %s: %w", addr, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("proxypool: probe %s: http %d", addr, resp.StatusCode)
	}
	return nil
}
