// Package catalog persists products and their append-only price history in
// SQLite and reconciles fresh observations against the stored state.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Schema is the catalog storage layout. Prices are stored as exact decimal
// strings; REAL would corrupt cents.
const Schema = `
CREATE TABLE IF NOT EXISTS products (
    id           INTEGER PRIMARY KEY,
    source       TEXT NOT NULL,
    native_id    TEXT NOT NULL,
    title        TEXT NOT NULL,
    url          TEXT NOT NULL DEFAULT '',
    image        TEXT NOT NULL DEFAULT '',
    category     TEXT NOT NULL DEFAULT '',
    availability TEXT NOT NULL DEFAULT '',
    rating       REAL,
    review_count INTEGER,
    price        TEXT NOT NULL,
    currency     TEXT NOT NULL,
    first_seen   INTEGER NOT NULL,
    last_seen    INTEGER NOT NULL,
    stale        INTEGER NOT NULL DEFAULT 0,
    UNIQUE (source, native_id)
);

CREATE TABLE IF NOT EXISTS price_observations (
    id          INTEGER PRIMARY KEY,
    product_id  INTEGER NOT NULL REFERENCES products(id) ON DELETE CASCADE,
    price       TEXT NOT NULL,
    currency    TEXT NOT NULL,
    observed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_observations_product
    ON price_observations(product_id, observed_at);
`

// Snapshot is the stored state of one product.
type Snapshot struct {
	ID           int64
	Source       string
	NativeID     string
	Title        string
	URL          string
	Image        string
	Category     string
	Availability string
	Rating       *float64
	ReviewCount  *int
	Price        decimal.Decimal
	Currency     string
	FirstSeen    time.Time
	LastSeen     time.Time
	Stale        bool
}

// Observation is one point in a product's price history.
type Observation struct {
	Price      decimal.Decimal
	Currency   string
	ObservedAt time.Time
}

// Store reads and writes catalog state.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store on db. Call ApplySchema first (or open the
// database with dbopen.WithSchema(catalog.Schema)).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ApplySchema creates the catalog tables.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// DB exposes the underlying handle for the reconciliation engine's
// transactions.
func (s *Store) DB() *sql.DB { return s.db }

// GetSnapshot returns the stored product, or nil when unseen.
func (s *Store) GetSnapshot(ctx context.Context, source, nativeID string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source, native_id, title, url, image, category, availability,
		       rating, review_count, price, currency, first_seen, last_seen, stale
		FROM products WHERE source = ? AND native_id = ?`, source, nativeID)
	return scanSnapshot(row)
}

func scanSnapshot(row *sql.Row) (*Snapshot, error) {
	var (
		snap        Snapshot
		rating      sql.NullFloat64
		reviewCount sql.NullInt64
		price       string
		firstSeen   int64
		lastSeen    int64
		stale       int
	)
	err := row.Scan(&snap.ID, &snap.Source, &snap.NativeID, &snap.Title, &snap.URL,
		&snap.Image, &snap.Category, &snap.Availability, &rating, &reviewCount,
		&price, &snap.Currency, &firstSeen, &lastSeen, &stale)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: scan product: %w", err)
	}
	if rating.Valid {
		v := rating.Float64
		snap.Rating = &v
	}
	if reviewCount.Valid {
		v := int(reviewCount.Int64)
		snap.ReviewCount = &v
	}
	snap.Price, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("catalog: stored price %q: %w", price, err)
	}
	snap.FirstSeen = time.UnixMilli(firstSeen)
	snap.LastSeen = time.UnixMilli(lastSeen)
	snap.Stale = stale != 0
	return &snap, nil
}

// History returns the newest observations for a product, newest first.
func (s *Store) History(ctx context.Context, source, nativeID string, limit int) ([]Observation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.price, o.currency, o.observed_at
		FROM price_observations o
		JOIN products p ON p.id = o.product_id
		WHERE p.source = ? AND p.native_id = ?
		ORDER BY o.observed_at DESC, o.id DESC
		LIMIT ?`, source, nativeID, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: history: %w", err)
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var (
			o     Observation
			price string
			at    int64
		)
		if err := rows.Scan(&price, &o.Currency, &at); err != nil {
			return nil, fmt.Errorf("catalog: scan observation: %w", err)
		}
		if o.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("catalog: stored price %q: %w", price, err)
		}
		o.ObservedAt = time.UnixMilli(at)
		out = append(out, o)
	}
	return out, rows.Err()
}

// MarkStale flags products of source not seen since cutoff. Stale products
// stay queryable; they are never deleted, only labeled.
func (s *Store) MarkStale(ctx context.Context, source string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE products SET stale = 1
		WHERE source = ? AND last_seen < ? AND stale = 0`,
		source, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("catalog: mark stale: %w", err)
	}
	return res.RowsAffected()
}

// PruneHistory deletes observations older than cutoff, always keeping the
// newest observation per product so a current price survives any retention
// setting.
func (s *Store) PruneHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM price_observations
		WHERE observed_at < ?
		  AND id NOT IN (
		      SELECT MAX(id) FROM price_observations GROUP BY product_id
		  )`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("catalog: prune history: %w", err)
	}
	return res.RowsAffected()
}
