package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/h1v3-io/livedesk/pkg/protocol"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
// The pragmas ride on the DSN so every pooled connection gets them.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("visitor store: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("visitor store: ping: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DSN builds a modernc sqlite DSN for path with WAL journaling, a 5s busy
// timeout and foreign keys.
func DSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS visitors (
			id           TEXT PRIMARY KEY,
			first_name   TEXT NOT NULL,
			last_name    TEXT NOT NULL,
			chat_conn_id TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS transcript_entries (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			visitor_id   TEXT NOT NULL REFERENCES visitors(id),
			kind         TEXT NOT NULL,
			message      TEXT NOT NULL DEFAULT '',
			file_name    TEXT NOT NULL DEFAULT '',
			file_type    TEXT NOT NULL DEFAULT '',
			file_data    TEXT NOT NULL DEFAULT '',
			counterpart  TEXT NOT NULL,
			from_visitor INTEGER NOT NULL,
			timestamp    INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_transcript_visitor ON transcript_entries(visitor_id, seq);
		CREATE INDEX IF NOT EXISTS idx_visitors_created_at ON visitors(created_at);
	`)
	if err != nil {
		return fmt.Errorf("visitor store: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateVisitor(ctx context.Context, firstName, lastName string) (*protocol.Visitor, error) {
	v := &protocol.Visitor{
		ID:        uuid.NewString(),
		FirstName: firstName,
		LastName:  lastName,
		CreatedAt: s.now().UTC().Truncate(time.Second),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO visitors (id, first_name, last_name, created_at) VALUES (?, ?, ?, ?)`,
		v.ID, v.FirstName, v.LastName, v.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("visitor store: create: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) GetVisitor(ctx context.Context, id string) (*protocol.Visitor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, first_name, last_name, chat_conn_id, created_at FROM visitors WHERE id = ?`, id)
	v, err := scanVisitor(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("visitor %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("visitor store: get: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) ListVisitors(ctx context.Context, filter Filter) ([]*protocol.Visitor, error) {
	query := "SELECT id, first_name, last_name, chat_conn_id, created_at FROM visitors WHERE 1=1"
	var args []any

	if !filter.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UTC().Format(time.RFC3339))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("visitor store: list: %w", err)
	}
	defer rows.Close()

	visitors := []*protocol.Visitor{}
	for rows.Next() {
		v, err := scanVisitor(rows)
		if err != nil {
			return nil, fmt.Errorf("visitor store: list scan: %w", err)
		}
		visitors = append(visitors, v)
	}
	return visitors, rows.Err()
}

func (s *SQLiteStore) SetChatConn(ctx context.Context, visitorID, connID string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE visitors SET chat_conn_id = ? WHERE id = ?`, connID, visitorID)
	if err != nil {
		return fmt.Errorf("visitor store: set chat conn: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("visitor %q: %w", visitorID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, visitorID, message, counterpart string, fromVisitor bool) error {
	return s.appendEntry(ctx, visitorID, protocol.TranscriptEntry{
		Kind:        protocol.EntryMessage,
		Message:     message,
		Counterpart: counterpart,
		FromVisitor: fromVisitor,
	})
}

func (s *SQLiteStore) AppendFile(ctx context.Context, visitorID string, file File, counterpart string, fromVisitor bool) error {
	return s.appendEntry(ctx, visitorID, protocol.TranscriptEntry{
		Kind:        protocol.EntryFile,
		FileName:    file.Name,
		FileType:    file.Type,
		File:        file.Data,
		Counterpart: counterpart,
		FromVisitor: fromVisitor,
	})
}

func (s *SQLiteStore) Transcript(ctx context.Context, visitorID string) ([]protocol.TranscriptEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, message, file_name, file_type, file_data, counterpart, from_visitor, timestamp
		FROM transcript_entries WHERE visitor_id = ? ORDER BY seq`, visitorID)
	if err != nil {
		return nil, fmt.Errorf("visitor store: transcript: %w", err)
	}
	defer rows.Close()

	entries := []protocol.TranscriptEntry{}
	for rows.Next() {
		var e protocol.TranscriptEntry
		var kind string
		if err := rows.Scan(&kind, &e.Message, &e.FileName, &e.FileType, &e.File,
			&e.Counterpart, &e.FromVisitor, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("visitor store: scan entry: %w", err)
		}
		e.Kind = protocol.EntryKind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DB returns the underlying database connection (shared with the token ledger).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- helpers ---

func (s *SQLiteStore) appendEntry(ctx context.Context, visitorID string, e protocol.TranscriptEntry) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO transcript_entries
			(visitor_id, kind, message, file_name, file_type, file_data, counterpart, from_visitor, timestamp)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM visitors WHERE id = ?)`,
		visitorID, string(e.Kind), e.Message, e.FileName, e.FileType, e.File,
		e.Counterpart, e.FromVisitor, s.now().UnixMilli(), visitorID)
	if err != nil {
		return fmt.Errorf("visitor store: append %s: %w", e.Kind, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("visitor %q: %w", visitorID, ErrNotFound)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanVisitor(s scannable) (*protocol.Visitor, error) {
	var v protocol.Visitor
	var createdAt string
	if err := s.Scan(&v.ID, &v.FirstName, &v.LastName, &v.ChatConnID, &createdAt); err != nil {
		return nil, err
	}
	v.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &v, nil
}
