package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"arbiter/internal/audit"

	_ "modernc.org/sqlite"
)

// Store is the append-only audit trail of evaluated rounds. Rows are never
// updated or deleted; each holds the canonical record bytes plus their
// checksum so external verifiers can detect tampering.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// Entry is one stored audit row.
type Entry struct {
	ID        int64
	RoundID   string
	Domain    string
	Outcome   string
	Payload   []byte
	Checksum  string
	CreatedAt time.Time
}

// Query filters List.
type Query struct {
	Domain  string
	Outcome string
	Limit   int
	Offset  int
}

// NewStore opens (or creates) the audit database at path.
func NewStore(path string) (*Store, error) {
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
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS consensus_audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			round_id TEXT NOT NULL UNIQUE,
			domain TEXT,
			outcome TEXT,
			payload TEXT NOT NULL,
			checksum TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_domain_ts ON consensus_audit_log(domain, ts)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init audit schema: %w", err)
		}
	}
	return nil
}

// Append writes one record. The UNIQUE round_id constraint makes a repeat
// append for the same round an error: a round has exactly one outcome.
func (s *Store) Append(ctx context.Context, rec audit.Record) error {
	payload, err := audit.CanonicalBytes(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("audit log closed")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO consensus_audit_log (ts, round_id, domain, outcome, payload, checksum) VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().Unix(), rec.RoundID, rec.Domain, rec.Outcome, string(payload), audit.Checksum(payload))
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// Get returns the entry for a round id.
func (s *Store) Get(ctx context.Context, roundID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return Entry{}, fmt.Errorf("audit log closed")
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, ts, round_id, domain, outcome, payload, checksum FROM consensus_audit_log WHERE round_id = ?`,
		roundID)
	return scanEntry(row)
}

// List returns entries newest first.
func (s *Store) List(ctx context.Context, q Query) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("audit log closed")
	}
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = 100
	}
	var (
		where []string
		args  []any
	)
	if d := strings.TrimSpace(q.Domain); d != "" {
		where = append(where, "domain = ?")
		args = append(args, d)
	}
	if o := strings.TrimSpace(q.Outcome); o != "" {
		where = append(where, "outcome = ?")
		args = append(args, o)
	}
	query := `SELECT id, ts, round_id, domain, outcome, payload, checksum FROM consensus_audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Verify recomputes the checksum for a stored round and reports a mismatch.
func (s *Store) Verify(ctx context.Context, roundID string) error {
	entry, err := s.Get(ctx, roundID)
	if err != nil {
		return err
	}
	if got := audit.Checksum(entry.Payload); got != entry.Checksum {
		return fmt.Errorf("audit checksum mismatch for round %s", roundID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e       Entry
		ts      int64
		payload string
	)
	if err := row.Scan(&e.ID, &ts, &e.RoundID, &e.Domain, &e.Outcome, &payload, &e.Checksum); err != nil {
		return Entry{}, err
	}
	e.CreatedAt = time.Unix(ts, 0)
	e.Payload = []byte(payload)
	return e, nil
}
