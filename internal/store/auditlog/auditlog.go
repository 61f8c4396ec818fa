// Package auditlog keeps an append-only trail of every engine decision
// with the inputs that produced it. Rows are never updated or deleted.
package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Category groups audit entries for querying.
type Category string

const (
	CategoryEntry     Category = "entry"
	CategoryFilter    Category = "filter"
	CategorySizing    Category = "sizing"
	CategoryAveraging Category = "averaging"
	CategoryExit      Category = "exit"
	CategoryRisk      Category = "risk"
	CategoryExecution Category = "execution"
)

// Entry is one audited decision. Detail carries the component-specific
// payload (filter outcomes, sizing inputs, batch progress) as JSON.
type Entry struct {
	EventID   string    `json:"event_id"`
	At        time.Time `json:"at"`
	Category  Category  `json:"category"`
	AccountID string    `json:"account_id,omitempty"`
	Action    string    `json:"action"`
	Summary   string    `json:"summary"`
	Detail    any       `json:"detail,omitempty"`
}

// Store persists audit entries in their own SQLite file, separate from
// the domain database so heavy trading writes never contend with it.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	ownsDB bool
}

func New(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("audit log path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, ownsDB: true}, nil
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_entries (
			event_id TEXT PRIMARY KEY,
			ts INTEGER NOT NULL,
			category TEXT NOT NULL,
			account_id TEXT,
			action TEXT NOT NULL,
			summary TEXT,
			detail TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_entries(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_account ON audit_entries(account_id, ts)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	var err error
	if s.ownsDB {
		err = s.db.Close()
	}
	s.db = nil
	return err
}

// Append records one entry. A zero timestamp and a missing event ID are
// filled in here so call sites stay terse.
func (s *Store) Append(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return fmt.Errorf("audit log store closed")
	}
	if entry.EventID == "" {
		entry.EventID = uuid.NewString()
	}
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	if entry.Action == "" {
		return fmt.Errorf("audit entry action required")
	}
	var detail []byte
	if entry.Detail != nil {
		var err error
		detail, err = json.Marshal(entry.Detail)
		if err != nil {
			return fmt.Errorf("marshal audit detail: %w", err)
		}
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO audit_entries (event_id, ts, category, account_id, action, summary, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.EventID, entry.At.UnixMilli(), string(entry.Category),
		entry.AccountID, entry.Action, entry.Summary, string(detail))
	return err
}

// Query filters entries for inspection.
type Query struct {
	AccountID string
	Category  Category
	Since     time.Time
	Limit     int
}

// Recorded is an entry as read back; Detail stays raw JSON.
type Recorded struct {
	EventID   string          `json:"event_id"`
	At        time.Time       `json:"at"`
	Category  Category        `json:"category"`
	AccountID string          `json:"account_id,omitempty"`
	Action    string          `json:"action"`
	Summary   string          `json:"summary"`
	Detail    json.RawMessage `json:"detail,omitempty"`
}

// List returns matching entries, newest first.
func (s *Store) List(ctx context.Context, q Query) ([]Recorded, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("audit log store closed")
	}

	where := []string{"1=1"}
	args := []any{}
	if q.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, q.AccountID)
	}
	if q.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(q.Category))
	}
	if !q.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	args = append(args, limit)

	rows, err := db.QueryContext(ctx,
		`SELECT event_id, ts, category, account_id, action, summary, detail
		 FROM audit_entries WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY ts DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recorded
	for rows.Next() {
		var (
			rec    Recorded
			ts     int64
			detail sql.NullString
		)
		if err := rows.Scan(&rec.EventID, &ts, &rec.Category, &rec.AccountID,
			&rec.Action, &rec.Summary, &detail); err != nil {
			return nil, err
		}
		rec.At = time.UnixMilli(ts)
		if detail.Valid && detail.String != "" {
			rec.Detail = json.RawMessage(detail.String)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
