package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hazyhaar/pricewatch/normalize"
)

// Action says what a reconciliation did to the stored state.
type Action int

const (
	// Created: first sighting, product row plus initial observation.
	Created Action = iota
	// Unchanged: same price, currency and availability; only last_seen
	// advanced. No observation row, so re-processing a fetch cannot inflate
	// the history.
	Unchanged
	// Updated: price changed upward, or currency or availability changed.
	// A new observation is appended.
	Updated
	// PriceDrop: price decreased, new observation plus a drop event.
	PriceDrop
)

func (a Action) String() string {
	switch a {
	case Created:
		return "created"
	case Unchanged:
		return "unchanged"
	case Updated:
		return "updated"
	case PriceDrop:
		return "price_drop"
	}
	return "unknown"
}

// Result reports one reconciliation.
type Result struct {
	Action   Action
	Snapshot *Snapshot
}

// DropEvent describes a detected price decrease.
type DropEvent struct {
	Source     string
	NativeID   string
	Title      string
	URL        string
	OldPrice   decimal.Decimal
	NewPrice   decimal.Decimal
	Delta      decimal.Decimal // positive amount saved
	Percent    float64
	Currency   string
	ObservedAt time.Time
}

// EventSink receives drop events after the transaction commits.
type EventSink interface {
	PriceDropped(ctx context.Context, e DropEvent)
}

// Engine reconciles normalized records into the catalog.
type Engine struct {
	store *Store
	sink  EventSink
	log   *slog.Logger

	// Striped by key hash: memory stays fixed regardless of catalog size;
	// products sharing a stripe serialize against each other.
	locks [64]sync.Mutex
}

// NewEngine creates an Engine. sink may be nil (events are only logged).
func NewEngine(store *Store, sink EventSink, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, sink: sink, log: logger}
}

// Reconcile applies one record transactionally. Concurrent reconciliations
// of the same product are serialized; a unique-constraint race with another
// process is retried once.
func (e *Engine) Reconcile(ctx context.Context, rec normalize.Record) (*Result, error) {
	unlock := e.lock(rec.Source + "\x00" + rec.NativeID)
	defer unlock()

	res, err := e.reconcileTx(ctx, rec)
	if err != nil && isUniqueViolation(err) {
		res, err = e.reconcileTx(ctx, rec)
	}
	if err != nil {
		return nil, err
	}

	if res.Action == PriceDrop {
		snap := res.Snapshot
		ev := DropEvent{
			Source:     rec.Source,
			NativeID:   rec.NativeID,
			Title:      rec.Title,
			URL:        rec.URL,
			OldPrice:   snap.Price,
			NewPrice:   rec.Price,
			Delta:      snap.Price.Sub(rec.Price),
			Currency:   rec.Currency,
			ObservedAt: rec.FetchedAt,
		}
		if !snap.Price.IsZero() {
			ev.Percent, _ = ev.Delta.Div(snap.Price).Mul(decimal.NewFromInt(100)).Round(2).Float64()
		}
		e.log.Info("catalog: price drop",
			"source", ev.Source, "native_id", ev.NativeID,
			"old", ev.OldPrice, "new", ev.NewPrice, "percent", ev.Percent)
		if e.sink != nil {
			e.sink.PriceDropped(ctx, ev)
		}
	}
	return res, nil
}

func (e *Engine) reconcileTx(ctx context.Context, rec normalize.Record) (*Result, error) {
	tx, err := e.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: begin: %w", err)
	}
	defer tx.Rollback()

	var (
		id       int64
		curPrice string
		curCur   string
		curAvail string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, price, currency, availability FROM products WHERE source = ? AND native_id = ?`,
		rec.Source, rec.NativeID).Scan(&id, &curPrice, &curCur, &curAvail)

	switch {
	case err == sql.ErrNoRows:
		res, cerr := e.create(ctx, tx, rec)
		if cerr != nil {
			return nil, cerr
		}
		return res, tx.Commit()
	case err != nil:
		return nil, fmt.Errorf("catalog: lookup %s/%s: %w", rec.Source, rec.NativeID, err)
	}

	stored, err := decimal.NewFromString(curPrice)
	if err != nil {
		return nil, fmt.Errorf("catalog: stored price %q: %w", curPrice, err)
	}

	// Identical observation: advance last_seen only. Idempotent by
	// construction. An availability flip at the same price still appends an
	// observation below.
	if stored.Equal(rec.Price) && curCur == rec.Currency && curAvail == rec.Availability {
		if _, err := tx.ExecContext(ctx,
			`UPDATE products SET last_seen = ?, stale = 0 WHERE id = ?`,
			rec.FetchedAt.UnixMilli(), id); err != nil {
			return nil, fmt.Errorf("catalog: touch %d: %w", id, err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("catalog: commit: %w", err)
		}
		return &Result{Action: Unchanged, Snapshot: &Snapshot{ID: id, Source: rec.Source,
			NativeID: rec.NativeID, Price: stored, Currency: curCur}}, nil
	}

	if err := e.update(ctx, tx, id, rec); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("catalog: commit: %w", err)
	}

	action := Updated
	if curCur == rec.Currency && rec.Price.LessThan(stored) {
		action = PriceDrop
	}
	return &Result{Action: action, Snapshot: &Snapshot{ID: id, Source: rec.Source,
		NativeID: rec.NativeID, Price: stored, Currency: curCur}}, nil
}

func (e *Engine) create(ctx context.Context, tx *sql.Tx, rec normalize.Record) (*Result, error) {
	at := rec.FetchedAt.UnixMilli()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO products (source, native_id, title, url, image, category,
		                      availability, rating, review_count, price, currency,
		                      first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Source, rec.NativeID, rec.Title, rec.URL, rec.Image, rec.Category,
		rec.Availability, nullFloat(rec.Rating), nullInt(rec.ReviewCount),
		rec.Price.String(), rec.Currency, at, at)
	if err != nil {
		return nil, fmt.Errorf("catalog: insert product %s/%s: %w", rec.Source, rec.NativeID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("catalog: insert product id: %w", err)
	}
	if err := insertObservation(ctx, tx, id, rec); err != nil {
		return nil, err
	}
	return &Result{Action: Created, Snapshot: &Snapshot{ID: id, Source: rec.Source,
		NativeID: rec.NativeID, Price: rec.Price, Currency: rec.Currency}}, nil
}

func (e *Engine) update(ctx context.Context, tx *sql.Tx, id int64, rec normalize.Record) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE products SET title = ?, url = ?, image = ?, category = ?,
		       availability = ?, rating = ?, review_count = ?, price = ?,
		       currency = ?, last_seen = ?, stale = 0
		WHERE id = ?`,
		rec.Title, rec.URL, rec.Image, rec.Category, rec.Availability,
		nullFloat(rec.Rating), nullInt(rec.ReviewCount),
		rec.Price.String(), rec.Currency, rec.FetchedAt.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("catalog: update product %d: %w", id, err)
	}
	return insertObservation(ctx, tx, id, rec)
}

func insertObservation(ctx context.Context, tx *sql.Tx, productID int64, rec normalize.Record) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO price_observations (product_id, price, currency, observed_at)
		VALUES (?, ?, ?, ?)`,
		productID, rec.Price.String(), rec.Currency, rec.FetchedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("catalog: insert observation for %d: %w", productID, err)
	}
	return nil
}

func (e *Engine) lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &e.locks[h.Sum32()%uint32(len(e.locks))]
	m.Lock()
	return m.Unlock
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
