// Package challenge resolves interactive anti-bot challenges encountered
// during browser fetches. Strategies are tried in priority order, each with
// its own timeout; ErrUnsolvable is returned once all are exhausted.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrUnsolvable is returned when every strategy failed or timed out.
// The orchestrator treats it as a terminal failure for the current attempt
// and retries the task on the long-backoff track.
var ErrUnsolvable = errors.New("challenge: unsolvable")

// Descriptor describes a detected challenge.
type Descriptor struct {
	Source   string
	URL      string
	Kind     string // "captcha", "js_wait", "unknown"
	SiteKey  string // extracted site key, when present
	PageHTML string // challenge page markup, for heuristics
}

// Solution is a successful resolution.
type Solution struct {
	Token    string // solver token to inject, empty for reload-style solutions
	Strategy string // name of the strategy that produced it
}

// Strategy is one solving approach.
type Strategy interface {
	Name() string
	Solve(ctx context.Context, d Descriptor) (*Solution, error)
}

// Config configures the Solver.
type Config struct {
	// StrategyTimeout bounds each individual strategy. Default: 2m.
	StrategyTimeout time.Duration
	Logger          *slog.Logger
}

func (c *Config) defaults() {
	if c.StrategyTimeout <= 0 {
		c.StrategyTimeout = 2 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Solver tries strategies in registration order.
type Solver struct {
	strategies []Strategy
	cfg        Config
}

// NewSolver creates a Solver over the given strategies, tried in order.
func NewSolver(cfg Config, strategies ...Strategy) *Solver {
	cfg.defaults()
	return &Solver{strategies: strategies, cfg: cfg}
}

// Solve runs strategies in priority order until one succeeds. Each strategy
// gets its own timeout; a strategy failure or timeout moves on to the next.
// Returns ErrUnsolvable (wrapping the last failure) after exhaustion.
func (s *Solver) Solve(ctx context.Context, d Descriptor) (*Solution, error) {
	if len(s.strategies) == 0 {
		return nil, ErrUnsolvable
	}

	var lastErr error
	for _, strat := range s.strategies {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsolvable, ctx.Err())
		}

		sctx, cancel := context.WithTimeout(ctx, s.cfg.StrategyTimeout)
		sol, err := strat.Solve(sctx, d)
		cancel()

		if err == nil && sol != nil {
			sol.Strategy = strat.Name()
			s.cfg.Logger.Info("challenge: solved",
				"source", d.Source, "kind", d.Kind, "strategy", strat.Name())
			return sol, nil
		}
		lastErr = err
		s.cfg.Logger.Warn("challenge: strategy failed",
			"source", d.Source, "kind", d.Kind, "strategy", strat.Name(), "error", err)
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsolvable, lastErr)
	}
	return nil, ErrUnsolvable
}
