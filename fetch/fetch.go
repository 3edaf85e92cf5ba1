// Package fetch runs the per-task acquisition state machine: rate limit,
// proxy selection, session load, one client fetch, then failure-kind-driven
// retry with two backoff tracks (standard and challenge).
//
// The orchestrator owns retry policy only; transport details live in the
// source clients and scheduling lives above it.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/pricewatch/proxypool"
	"github.com/hazyhaar/pricewatch/ratelimit"
	"github.com/hazyhaar/pricewatch/session"
	"github.com/hazyhaar/pricewatch/source"
)

// Status is the terminal state of one Run.
type Status int

const (
	// Succeeded: payload acquired.
	Succeeded Status = iota
	// Retrying: the task should be re-enqueued no earlier than RetryAt.
	Retrying
	// DeadLettered: the attempt budget is spent or the failure is terminal.
	DeadLettered
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Retrying:
		return "retrying"
	case DeadLettered:
		return "dead_lettered"
	}
	return "unknown"
}

// Outcome is the result of running one task.
type Outcome struct {
	Status  Status
	Payload *source.Payload // set when Succeeded
	RetryAt time.Time       // set when Retrying
	Reason  string          // set when DeadLettered
}

// RateAcquirer is the slice of the rate limiter the orchestrator needs.
type RateAcquirer interface {
	Acquire(ctx context.Context, src string) error
}

// ProxySelector is the slice of the proxy pool the orchestrator needs.
// Selection is keyed by source so the same egress sticks to a session.
type ProxySelector interface {
	SelectFor(src string) (*proxypool.Endpoint, error)
}

// SessionGetter loads the saved session for a source.
type SessionGetter interface {
	Get(ctx context.Context, src string) (*session.Session, error)
}

// Config configures an Orchestrator.
type Config struct {
	// MaxAttempts bounds tries per task across both backoff tracks.
	// Default: 5.
	MaxAttempts int

	// Backoff is the standard track (transient, rate-limited failures).
	// Default: ExponentialBackoff(1s, 5m).
	Backoff Backoff

	// ChallengeBackoff is the long track for challenge-blocked failures.
	// Default: ExponentialBackoff(2m, 30m).
	ChallengeBackoff Backoff

	// AttemptTimeout bounds one fetch attempt. Default: 45s.
	AttemptTimeout time.Duration

	// ReenqueueAfter is the longest delay served by sleeping in-process;
	// anything longer returns Retrying so the worker is freed. Default: 30s.
	ReenqueueAfter time.Duration

	// DailyCapRetryAfter is the re-enqueue delay when the source's daily
	// request budget is exhausted. Default: 1h.
	DailyCapRetryAfter time.Duration

	// AllowDirect permits fetching without a proxy when the pool has no
	// healthy endpoint.
	AllowDirect bool

	Logger *slog.Logger

	// Test seams.
	Clock func() time.Time
	Sleep func(ctx context.Context, d time.Duration)
}

func (c *Config) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff == nil {
		c.Backoff = ExponentialBackoff(time.Second, 5*time.Minute)
	}
	if c.ChallengeBackoff == nil {
		c.ChallengeBackoff = ExponentialBackoff(2*time.Minute, 30*time.Minute)
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 45 * time.Second
	}
	if c.ReenqueueAfter <= 0 {
		c.ReenqueueAfter = 30 * time.Second
	}
	if c.DailyCapRetryAfter <= 0 {
		c.DailyCapRetryAfter = time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Sleep == nil {
		c.Sleep = sleepCtx
	}
}

// Orchestrator drives the acquisition state machine for one source client.
type Orchestrator struct {
	cfg      Config
	limiter  RateAcquirer
	pool     ProxySelector
	sessions SessionGetter
	client   source.Client
}

// New creates an Orchestrator. pool and sessions may be nil: fetches then
// run direct and sessionless.
func New(cfg Config, limiter RateAcquirer, pool ProxySelector, sessions SessionGetter, client source.Client) *Orchestrator {
	cfg.defaults()
	return &Orchestrator{cfg: cfg, limiter: limiter, pool: pool, sessions: sessions, client: client}
}

// Run executes task until it succeeds, exhausts its attempt budget, fails
// terminally, or produces a delay too long to hold a worker for.
func (o *Orchestrator) Run(ctx context.Context, task *source.Task) Outcome {
	log := o.cfg.Logger
	for {
		if err := ctx.Err(); err != nil {
			return Outcome{Status: Retrying, RetryAt: o.cfg.Clock()}
		}

		if o.limiter != nil {
			if err := o.limiter.Acquire(ctx, task.Source); err != nil {
				if errors.Is(err, ratelimit.ErrDailyCapExceeded) {
					log.Info("fetch: daily cap reached",
						"source", task.Source, "task", task.ID)
					return Outcome{Status: Retrying,
						RetryAt: o.cfg.Clock().Add(o.cfg.DailyCapRetryAfter)}
				}
				return Outcome{Status: Retrying, RetryAt: o.cfg.Clock()}
			}
		}

		proxy, perr := o.selectProxy(task.Source)
		if perr != nil {
			task.RecordFailure(perr)
			if out, done := o.nextAttempt(ctx, task, o.cfg.Backoff); done {
				return out
			}
			continue
		}

		payload, err := o.attempt(ctx, task, proxy)
		if err == nil {
			return Outcome{Status: Succeeded, Payload: payload}
		}
		task.RecordFailure(err)
		log.Warn("fetch: attempt failed",
			"source", task.Source, "task", task.ID,
			"attempt", task.Attempt+1, "kind", source.KindOf(err).String(),
			"error", err)

		switch kind := source.KindOf(err); {
		case source.Terminal(err):
			return Outcome{Status: DeadLettered, Reason: err.Error()}

		case kind == source.KindAuthExpired:
			if task.Reauthed {
				return Outcome{Status: DeadLettered,
					Reason: "re-authentication already spent: " + err.Error()}
			}
			// The client invalidated the session; retry immediately so a
			// fresh login is attempted exactly once.
			task.Reauthed = true
			task.Attempt++
			if task.Attempt >= o.cfg.MaxAttempts {
				return Outcome{Status: DeadLettered, Reason: err.Error()}
			}

		case kind == source.KindChallengeBlocked:
			if out, done := o.nextAttempt(ctx, task, o.cfg.ChallengeBackoff); done {
				return out
			}

		default: // transient, rate-limited by source
			if out, done := o.nextAttempt(ctx, task, o.cfg.Backoff); done {
				return out
			}
		}
	}
}

// attempt performs exactly one fetch with the per-attempt timeout applied.
func (o *Orchestrator) attempt(ctx context.Context, task *source.Task, proxy *proxypool.Endpoint) (*source.Payload, error) {
	var sess *session.Session
	if o.sessions != nil {
		var err error
		sess, err = o.sessions.Get(ctx, task.Source)
		if err != nil {
			// A broken session store must not block fetching; run cold.
			o.cfg.Logger.Warn("fetch: load session",
				"source", task.Source, "error", err)
		}
	}
	actx, cancel := context.WithTimeout(ctx, o.cfg.AttemptTimeout)
	defer cancel()
	return o.client.Fetch(actx, task, proxy, sess)
}

func (o *Orchestrator) selectProxy(src string) (*proxypool.Endpoint, error) {
	if o.pool == nil {
		return nil, nil
	}
	proxy, err := o.pool.SelectFor(src)
	if err == nil {
		return proxy, nil
	}
	if errors.Is(err, proxypool.ErrNoHealthyProxy) && o.cfg.AllowDirect {
		return nil, nil
	}
	return nil, fmt.Errorf("fetch: select proxy: %w", err)
}

// nextAttempt spends one attempt and serves the backoff delay: short delays
// sleep in-process, long ones hand the task back for re-enqueueing. done
// reports that Run must return out.
func (o *Orchestrator) nextAttempt(ctx context.Context, task *source.Task, backoff Backoff) (out Outcome, done bool) {
	task.Attempt++
	if task.Attempt >= o.cfg.MaxAttempts {
		return Outcome{Status: DeadLettered,
			Reason: fmt.Sprintf("attempt budget (%d) exhausted: %s",
				o.cfg.MaxAttempts, task.LastErr)}, true
	}
	delay := backoff(task.Attempt)
	if delay > o.cfg.ReenqueueAfter {
		return Outcome{Status: Retrying, RetryAt: o.cfg.Clock().Add(delay)}, true
	}
	o.cfg.Sleep(ctx, delay)
	return Outcome{}, false
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
