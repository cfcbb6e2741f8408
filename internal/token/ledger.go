package token

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Ledger records outstanding token IDs per kind. A token is redeemable only
// while its ID is present and unexpired.
type Ledger interface {
	// Add records id as outstanding until expiresAt.
	Add(ctx context.Context, kind Kind, id string, expiresAt time.Time) error
	// Take atomically removes id and reports whether an unexpired entry was removed.
	Take(ctx context.Context, kind Kind, id string, now time.Time) (bool, error)
	// Purge drops entries that expired at or before now.
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// SQLiteLedger stores ledger entries in the daemon's SQLite database.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger creates the ledger table on db if needed.
func NewSQLiteLedger(db *sql.DB) (*SQLiteLedger, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS token_ledger (
			kind       TEXT NOT NULL,
			id         TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (kind, id)
		);

		CREATE INDEX IF NOT EXISTS idx_token_ledger_expires ON token_ledger(expires_at);
	`)
	if err != nil {
		return nil, fmt.Errorf("token ledger: migrate: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

func (l *SQLiteLedger) Add(ctx context.Context, kind Kind, id string, expiresAt time.Time) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO token_ledger (kind, id, expires_at) VALUES (?, ?, ?)`,
		string(kind), id, expiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("token ledger: add: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) Take(ctx context.Context, kind Kind, id string, now time.Time) (bool, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM token_ledger WHERE kind = ? AND id = ? AND expires_at > ?`,
		string(kind), id, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("token ledger: take: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("token ledger: take: %w", err)
	}
	return n == 1, nil
}

func (l *SQLiteLedger) Purge(ctx context.Context, now time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM token_ledger WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("token ledger: purge: %w", err)
	}
	return res.RowsAffected()
}

type ledgerKey struct {
	kind Kind
	id   string
}

// MemoryLedger is an in-process Ledger, used when no database is configured
// and in tests.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[ledgerKey]time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[ledgerKey]time.Time)}
}

func (l *MemoryLedger) Add(_ context.Context, kind Kind, id string, expiresAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := ledgerKey{kind, id}
	if _, exists := l.entries[k]; exists {
		return fmt.Errorf("token ledger: add: duplicate id %q", id)
	}
	l.entries[k] = expiresAt
	return nil
}

func (l *MemoryLedger) Take(_ context.Context, kind Kind, id string, now time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := ledgerKey{kind, id}
	exp, ok := l.entries[k]
	if !ok || !now.Before(exp) {
		return false, nil
	}
	delete(l.entries, k)
	return true, nil
}

func (l *MemoryLedger) Purge(_ context.Context, now time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var removed int64
	for k, exp := range l.entries {
		if !now.Before(exp) {
			delete(l.entries, k)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of entries, expired or not.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
