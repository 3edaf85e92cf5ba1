package catalog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pricewatch/dbopen"
	"github.com/hazyhaar/pricewatch/normalize"
)

type recordedSink struct {
	mu     sync.Mutex
	events []DropEvent
}

func (r *recordedSink) PriceDropped(ctx context.Context, e DropEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func testEngine(t *testing.T) (*Engine, *Store, *recordedSink) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := ApplySchema(db); err != nil {
		t.Fatal(err)
	}
	store := NewStore(db)
	sink := &recordedSink{}
	return NewEngine(store, sink, nil), store, sink
}

func record(price string, at time.Time) normalize.Record {
	return normalize.Record{
		Source:    "shopmart",
		NativeID:  "B0MOUSE001",
		Title:     "Wireless Mouse",
		URL:       "https://www.shopmart.example/dp/B0MOUSE001?tag=ours-20",
		Price:     decimal.RequireFromString(price),
		Currency:  "USD",
		FetchedAt: at,
	}
}

func TestReconcileFirstSighting(t *testing.T) {
	eng, store, _ := testEngine(t)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	res, err := eng.Reconcile(ctx, record("19.99", t0))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Action != Created {
		t.Errorf("action: %v", res.Action)
	}

	snap, err := store.GetSnapshot(ctx, "shopmart", "B0MOUSE001")
	if err != nil || snap == nil {
		t.Fatalf("snapshot: %v %v", snap, err)
	}
	if snap.Price.String() != "19.99" || snap.Currency != "USD" {
		t.Errorf("snapshot price: %s %s", snap.Price, snap.Currency)
	}
	hist, err := store.History(ctx, "shopmart", "B0MOUSE001", 10)
	if err != nil || len(hist) != 1 {
		t.Fatalf("history: %v %v", hist, err)
	}
}

func TestReconcileUnchangedIsIdempotent(t *testing.T) {
	eng, store, sink := testEngine(t)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	if _, err := eng.Reconcile(ctx, record("19.99", t0)); err != nil {
		t.Fatal(err)
	}
	// Same price re-observed, later.
	res, err := eng.Reconcile(ctx, record("19.99", t0.Add(time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != Unchanged {
		t.Errorf("action: %v", res.Action)
	}

	hist, _ := store.History(ctx, "shopmart", "B0MOUSE001", 10)
	if len(hist) != 1 {
		t.Errorf("history inflated to %d entries", len(hist))
	}
	snap, _ := store.GetSnapshot(ctx, "shopmart", "B0MOUSE001")
	if !snap.LastSeen.After(snap.FirstSeen) {
		t.Error("last_seen did not advance")
	}
	if len(sink.events) != 0 {
		t.Error("unchanged price emitted an event")
	}
}

func TestReconcileAvailabilityChangeAppendsObservation(t *testing.T) {
	eng, store, sink := testEngine(t)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	rec := record("19.99", t0)
	rec.Availability = "In Stock"
	if _, err := eng.Reconcile(ctx, rec); err != nil {
		t.Fatal(err)
	}

	// Same price, product goes out of stock: snapshot and history must both
	// record it, without a drop event.
	rec = record("19.99", t0.Add(time.Hour))
	rec.Availability = "Out of Stock"
	res, err := eng.Reconcile(ctx, rec)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != Updated {
		t.Errorf("action: %v", res.Action)
	}
	if len(sink.events) != 0 {
		t.Error("availability change emitted a drop event")
	}
	hist, _ := store.History(ctx, "shopmart", "B0MOUSE001", 10)
	if len(hist) != 2 {
		t.Fatalf("history: %d rows", len(hist))
	}
	snap, _ := store.GetSnapshot(ctx, "shopmart", "B0MOUSE001")
	if snap.Availability != "Out of Stock" {
		t.Errorf("availability: %q", snap.Availability)
	}

	// Re-observing the same state is idempotent again.
	rec = record("19.99", t0.Add(2*time.Hour))
	rec.Availability = "Out of Stock"
	res, err = eng.Reconcile(ctx, rec)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != Unchanged {
		t.Errorf("repeat action: %v", res.Action)
	}
	hist, _ = store.History(ctx, "shopmart", "B0MOUSE001", 10)
	if len(hist) != 2 {
		t.Errorf("history inflated to %d rows", len(hist))
	}
}

func TestReconcilePriceDrop(t *testing.T) {
	eng, store, sink := testEngine(t)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	if _, err := eng.Reconcile(ctx, record("19.99", t0)); err != nil {
		t.Fatal(err)
	}
	res, err := eng.Reconcile(ctx, record("15.99", t0.Add(time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != PriceDrop {
		t.Fatalf("action: %v", res.Action)
	}

	if len(sink.events) != 1 {
		t.Fatalf("events: %d", len(sink.events))
	}
	ev := sink.events[0]
	if ev.OldPrice.String() != "19.99" || ev.NewPrice.String() != "15.99" {
		t.Errorf("event prices: %s -> %s", ev.OldPrice, ev.NewPrice)
	}
	if ev.Delta.String() != "4" {
		t.Errorf("delta: %s", ev.Delta)
	}
	if ev.Percent < 20.0 || ev.Percent > 20.02 {
		t.Errorf("percent: %v", ev.Percent)
	}

	hist, _ := store.History(ctx, "shopmart", "B0MOUSE001", 10)
	if len(hist) != 2 {
		t.Fatalf("history: %d", len(hist))
	}
	// Newest first.
	if hist[0].Price.String() != "15.99" || hist[1].Price.String() != "19.99" {
		t.Errorf("history order: %s, %s", hist[0].Price, hist[1].Price)
	}
	snap, _ := store.GetSnapshot(ctx, "shopmart", "B0MOUSE001")
	if snap.Price.String() != "15.99" {
		t.Errorf("snapshot price: %s", snap.Price)
	}
}

func TestReconcilePriceIncreaseIsUpdateOnly(t *testing.T) {
	eng, _, sink := testEngine(t)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	eng.Reconcile(ctx, record("19.99", t0))
	res, err := eng.Reconcile(ctx, record("24.99", t0.Add(time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != Updated {
		t.Errorf("action: %v", res.Action)
	}
	if len(sink.events) != 0 {
		t.Error("price increase emitted a drop event")
	}
}

func TestReconcileCurrencyChangeNeverDrops(t *testing.T) {
	eng, _, sink := testEngine(t)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	eng.Reconcile(ctx, record("19.99", t0))
	rec := record("15.99", t0.Add(time.Hour))
	rec.Currency = "EUR"
	res, err := eng.Reconcile(ctx, rec)
	if err != nil {
		t.Fatal(err)
	}
	// Numerically lower but in a different currency: not comparable.
	if res.Action != Updated {
		t.Errorf("action: %v", res.Action)
	}
	if len(sink.events) != 0 {
		t.Error("cross-currency comparison emitted an event")
	}
}

func TestReconcileConcurrentSameProduct(t *testing.T) {
	eng, store, _ := testEngine(t)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := eng.Reconcile(ctx, record("19.99", t0)); err != nil {
				t.Errorf("reconcile: %v", err)
			}
		}()
	}
	wg.Wait()

	hist, _ := store.History(ctx, "shopmart", "B0MOUSE001", 100)
	if len(hist) != 1 {
		t.Errorf("identical concurrent observations produced %d history rows", len(hist))
	}
}

func TestMarkStale(t *testing.T) {
	eng, store, _ := testEngine(t)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	eng.Reconcile(ctx, record("19.99", t0))
	old := record("9.99", t0.Add(-72*time.Hour))
	old.NativeID = "B0OLDITEM1"
	eng.Reconcile(ctx, old)

	n, err := store.MarkStale(ctx, "shopmart", t0.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("marked %d", n)
	}
	snap, _ := store.GetSnapshot(ctx, "shopmart", "B0OLDITEM1")
	if !snap.Stale {
		t.Error("old product not stale")
	}
	snap, _ = store.GetSnapshot(ctx, "shopmart", "B0MOUSE001")
	if snap.Stale {
		t.Error("fresh product marked stale")
	}
}

func TestPruneHistoryKeepsNewest(t *testing.T) {
	eng, store, _ := testEngine(t)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	eng.Reconcile(ctx, record("29.99", t0.Add(-96*time.Hour)))
	eng.Reconcile(ctx, record("24.99", t0.Add(-48*time.Hour)))
	eng.Reconcile(ctx, record("19.99", t0))

	// Cutoff beyond every observation: the newest must still survive.
	n, err := store.PruneHistory(ctx, t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("pruned %d", n)
	}
	hist, _ := store.History(ctx, "shopmart", "B0MOUSE001", 10)
	if len(hist) != 1 || hist[0].Price.String() != "19.99" {
		t.Errorf("history after prune: %+v", hist)
	}
}
