// Package session persists per-source authentication and cookie state in
// SQLite so a process restart does not force re-authentication.
//
// Expired sessions are treated as absent: Get never returns stale state.
// Refreshes for the same source are serialized through Lock so two workers
// never race an authentication flow.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Schema is the session storage table.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
    source       TEXT PRIMARY KEY,
    token        TEXT NOT NULL DEFAULT '',
    cookies_json TEXT NOT NULL DEFAULT '[]',
    expires_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);
`

// Cookie is one persisted browser cookie.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires"`
	Secure   bool      `json:"secure"`
	HTTPOnly bool      `json:"http_only"`
}

// Session is a per-source credential/cookie bundle.
type Session struct {
	Source    string
	Token     string
	Cookies   []Cookie
	ExpiresAt time.Time
}

// Store persists sessions keyed by source.
type Store struct {
	db  *sql.DB
	now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(s *Store) { s.now = fn }
}

// NewStore creates a Store on db. Call ApplySchema first (or open the
// database with dbopen.WithSchema(session.Schema)).
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:    db,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ApplySchema creates the sessions table.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// Lock serializes session refreshes for one source. The returned function
// releases the lock. One mutex per source; the source set is fixed by
// configuration, so the map stays bounded.
func (s *Store) Lock(source string) (unlock func()) {
	s.mu.Lock()
	m, ok := s.locks[source]
	if !ok {
		m = &sync.Mutex{}
		s.locks[source] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Get returns the session for source, or nil when absent or expired.
func (s *Store) Get(ctx context.Context, source string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT token, cookies_json, expires_at FROM sessions WHERE source = ?`, source)

	var token, cookiesJSON string
	var expiresAt int64
	if err := row.Scan(&token, &cookiesJSON, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("session: get %s: %w", source, err)
	}

	exp := time.UnixMilli(expiresAt)
	if !exp.After(s.now()) {
		return nil, nil
	}

	var cookies []Cookie
	if err := json.Unmarshal([]byte(cookiesJSON), &cookies); err != nil {
		return nil, fmt.Errorf("session: decode cookies for %s: %w", source, err)
	}
	return &Session{
		Source:    source,
		Token:     token,
		Cookies:   cookies,
		ExpiresAt: exp,
	}, nil
}

// Save upserts the session for sess.Source.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	cookiesJSON, err := json.Marshal(sess.Cookies)
	if err != nil {
		return fmt.Errorf("session: encode cookies for %s: %w", sess.Source, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (source, token, cookies_json, expires_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(source) DO UPDATE SET
		   token = excluded.token,
		   cookies_json = excluded.cookies_json,
		   expires_at = excluded.expires_at,
		   updated_at = excluded.updated_at`,
		sess.Source, sess.Token, string(cookiesJSON),
		sess.ExpiresAt.UnixMilli(), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("session: save %s: %w", sess.Source, err)
	}
	return nil
}

// Invalidate removes the session for source. Removing a missing session is
// not an error.
func (s *Store) Invalidate(ctx context.Context, source string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE source = ?`, source); err != nil {
		return fmt.Errorf("session: invalidate %s: %w", source, err)
	}
	return nil
}
