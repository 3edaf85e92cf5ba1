// Package source performs single logical fetches (search, item detail,
// deals) against one external source and returns a raw payload or a typed
// failure.
//
// Two client variants exist: APIClient for official structured product APIs
// and BrowserClient for headless-browser extraction. Both report proxy
// outcomes to the pool and invalidate sessions on authentication expiry; the
// retry policy itself lives in the fetch orchestrator.
package source

import (
	"context"
	"time"

	"github.com/hazyhaar/pricewatch/proxypool"
	"github.com/hazyhaar/pricewatch/session"
)

// Op is the operation kind of a fetch task.
type Op string

const (
	OpSearch Op = "search"
	OpDetail Op = "detail"
	OpDeals  Op = "deals"
)

// Task is the unit of scheduling. The orchestrator mutates the attempt
// bookkeeping; everything else is set at enqueue time.
type Task struct {
	ID       string
	Source   string
	Op       Op
	Query    string // search/deals keywords
	NativeID string // detail operations: the source-native product ID

	Attempt   int
	Reauthed  bool // one re-authentication already spent on this task
	NotBefore time.Time
	LastErr   string
	History   []string // one line per failed attempt, oldest first
}

// RecordFailure appends an attempt failure to the task's history.
func (t *Task) RecordFailure(err error) {
	t.LastErr = err.Error()
	t.History = append(t.History, err.Error())
}

// Item is one raw record extracted from a source response, keyed by the
// source's own field names. The normalizer maps these to canonical fields.
type Item map[string]string

// Payload is an opaque source response plus provenance. Consumed immediately
// by the normalizer.
type Payload struct {
	Source    string
	Op        Op
	FetchedAt time.Time
	Proxy     string // egress endpoint used, empty for direct
	Items     []Item
}

// Client performs a single logical fetch against one source.
// proxy may be nil (direct egress); sess may be nil (no saved session).
type Client interface {
	Source() string
	Fetch(ctx context.Context, task *Task, proxy *proxypool.Endpoint, sess *session.Session) (*Payload, error)
}
