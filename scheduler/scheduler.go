// Package scheduler feeds fetch tasks through a bounded worker pool and
// routes outcomes: payloads to normalization and reconciliation, retryable
// tasks back onto the queue, exhausted ones to the dead-letter table.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/pricewatch/catalog"
	"github.com/hazyhaar/pricewatch/fetch"
	"github.com/hazyhaar/pricewatch/normalize"
	"github.com/hazyhaar/pricewatch/source"
)

var (
	// ErrQueueFull means the task queue is at capacity; callers should try
	// again later rather than block.
	ErrQueueFull = errors.New("scheduler: queue full")
	// ErrUnknownSource means no runner is registered for the source.
	ErrUnknownSource = errors.New("scheduler: unknown source")
	// ErrNotFound means the referenced dead letter does not exist.
	ErrNotFound = errors.New("scheduler: dead letter not found")
)

// Runner executes one task to completion; satisfied by *fetch.Orchestrator.
type Runner interface {
	Run(ctx context.Context, task *source.Task) fetch.Outcome
}

// Reconciler applies one record to the catalog; satisfied by
// *catalog.Engine.
type Reconciler interface {
	Reconcile(ctx context.Context, rec normalize.Record) (*catalog.Result, error)
}

// Pipeline is everything one source needs after a successful fetch.
type Pipeline struct {
	Runner Runner
	Rules  normalize.Rules
}

// Config configures a Scheduler.
type Config struct {
	// Workers is the number of concurrent task processors. Default: 4.
	Workers int
	// QueueSize bounds the pending task queue. Default: 256.
	QueueSize int

	Logger *slog.Logger
	Clock  func() time.Time
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Scheduler owns the task queue and worker pool.
type Scheduler struct {
	cfg        Config
	db         *sql.DB
	queue      chan *source.Task
	pipelines  map[string]Pipeline
	normalizer *normalize.Normalizer
	reconciler Reconciler
	log        *slog.Logger
	now        func() time.Time

	timerWG sync.WaitGroup
}

// New creates a Scheduler. db holds the dead-letter and fetch-log tables
// (apply Schema first).
func New(cfg Config, db *sql.DB, pipelines map[string]Pipeline, n *normalize.Normalizer, r Reconciler) *Scheduler {
	cfg.defaults()
	return &Scheduler{
		cfg:        cfg,
		db:         db,
		queue:      make(chan *source.Task, cfg.QueueSize),
		pipelines:  pipelines,
		normalizer: n,
		reconciler: r,
		log:        cfg.Logger,
		now:        cfg.Clock,
	}
}

// Enqueue adds a fresh task and returns its ID. Fails fast when the queue
// is full or the source is unknown.
func (s *Scheduler) Enqueue(src string, op source.Op, query, nativeID string) (string, error) {
	if _, ok := s.pipelines[src]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSource, src)
	}
	task := &source.Task{
		ID:       uuid.NewString(),
		Source:   src,
		Op:       op,
		Query:    query,
		NativeID: nativeID,
	}
	select {
	case s.queue <- task:
		s.log.Debug("scheduler: enqueued",
			"task", task.ID, "source", src, "op", op)
		return task.ID, nil
	default:
		return "", ErrQueueFull
	}
}

// Replay moves a dead letter back onto the queue with a fresh attempt
// budget and returns the new task ID.
func (s *Scheduler) Replay(ctx context.Context, id string) (string, error) {
	dl, err := s.takeDeadLetter(ctx, id)
	if err != nil {
		return "", err
	}
	newID, err := s.Enqueue(dl.Source, dl.Op, dl.Query, dl.NativeID)
	if err != nil {
		// Put the letter back so a full queue does not lose it.
		s.saveDeadLetter(ctx, &source.Task{
			ID: dl.ID, Source: dl.Source, Op: dl.Op,
			Query: dl.Query, NativeID: dl.NativeID,
			Attempt: dl.Attempts, History: dl.History,
		}, dl.Reason)
		return "", err
	}
	s.log.Info("scheduler: replayed dead letter", "old", id, "new", newID)
	return newID, nil
}

// QueueDepth reports pending tasks (for health reporting).
func (s *Scheduler) QueueDepth() int { return len(s.queue) }

// Run processes the queue until ctx is cancelled. Workers finish their
// current task before returning; queued tasks stay queued.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case task := <-s.queue:
					s.process(gctx, task)
				}
			}
		})
	}
	err := g.Wait()
	s.timerWG.Wait()
	return err
}

func (s *Scheduler) process(ctx context.Context, task *source.Task) {
	p, ok := s.pipelines[task.Source]
	if !ok {
		s.log.Error("scheduler: task for unknown source",
			"task", task.ID, "source", task.Source)
		return
	}

	out := p.Runner.Run(ctx, task)
	switch out.Status {
	case fetch.Succeeded:
		s.logFetch(ctx, task, out.Status.String(), "")
		s.reconcilePayload(ctx, task, p, out)

	case fetch.Retrying:
		s.logFetch(ctx, task, out.Status.String(), out.RetryAt.Format(time.RFC3339))
		s.requeueAt(ctx, task, out.RetryAt)

	case fetch.DeadLettered:
		s.logFetch(ctx, task, out.Status.String(), out.Reason)
		if err := s.saveDeadLetter(ctx, task, out.Reason); err != nil {
			s.log.Error("scheduler: dead letter lost",
				"task", task.ID, "error", err)
		}
		s.log.Warn("scheduler: task dead-lettered",
			"task", task.ID, "source", task.Source, "reason", out.Reason)
	}
}

func (s *Scheduler) reconcilePayload(ctx context.Context, task *source.Task, p Pipeline, out fetch.Outcome) {
	records, err := s.normalizer.Normalize(p.Rules, out.Payload)
	if err != nil {
		// The fetch worked but nothing in it survived normalization; that is
		// a parse problem, handled like any terminal failure.
		task.RecordFailure(err)
		if derr := s.saveDeadLetter(ctx, task, "normalization: "+err.Error()); derr != nil {
			s.log.Error("scheduler: dead letter lost", "task", task.ID, "error", derr)
		}
		return
	}
	for _, rec := range records {
		res, err := s.reconciler.Reconcile(ctx, rec)
		if err != nil {
			s.log.Error("scheduler: reconcile failed",
				"task", task.ID, "source", rec.Source,
				"native_id", rec.NativeID, "error", err)
			continue
		}
		s.log.Debug("scheduler: reconciled",
			"source", rec.Source, "native_id", rec.NativeID,
			"action", res.Action.String())
	}
}

// requeueAt re-enqueues task once its backoff delay elapses. The timer
// counts toward shutdown so Run never leaks a pending retry silently; a
// retry still pending when the scheduler stops is written to the dead-letter
// table so a restart can replay it.
func (s *Scheduler) requeueAt(ctx context.Context, task *source.Task, at time.Time) {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	s.timerWG.Add(1)
	go func() {
		defer s.timerWG.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			reason := "shutdown with retry pending"
			if task.LastErr != "" {
				reason += ": " + task.LastErr
			}
			// ctx is already cancelled; the write gets its own context.
			if err := s.saveDeadLetter(context.Background(), task, reason); err != nil {
				s.log.Error("scheduler: dead letter lost", "task", task.ID, "error", err)
			}
			return
		case <-t.C:
		}
		task.NotBefore = at
		select {
		case s.queue <- task:
		default:
			if err := s.saveDeadLetter(ctx, task, "queue full on re-enqueue: "+task.LastErr); err != nil {
				s.log.Error("scheduler: dead letter lost", "task", task.ID, "error", err)
			}
		}
	}()
}
