package lockfile

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Audit event kinds.
const (
	AuditAcquire = "acquire"
	AuditSteal   = "steal"
	AuditRelease = "release"
	AuditCleanup = "cleanup"
)

// AuditEntry is one recorded lock state change. Detail carries the prior
// holder on steals.
type AuditEntry struct {
	ID       int64
	Kind     string
	Resource string
	Holder   string
	Detail   string
	At       time.Time
}

// Audit wraps a sqlite database recording lock state changes for postmortem
// inspection.
type Audit struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// OpenAudit opens or creates the audit database.
func OpenAudit(path string) (*Audit, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("audit path must not be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureAuditSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Audit{db: db, path: path}, nil
}

// Close closes the underlying db.
func (a *Audit) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

// Record appends one audit row.
func (a *Audit) Record(ctx context.Context, entry AuditEntry) error {
	db, err := a.handle()
	if err != nil {
		return err
	}
	if strings.TrimSpace(entry.Kind) == "" || strings.TrimSpace(entry.Resource) == "" {
		return fmt.Errorf("audit entry needs kind and resource")
	}
	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO lock_audit(kind, resource, holder, detail, at)
		VALUES (?, ?, ?, ?, ?);
	`, entry.Kind, entry.Resource, nullIfEmpty(entry.Holder), nullIfEmpty(entry.Detail), at.UnixMilli())
	return err
}

// Recent returns up to limit entries, newest first.
func (a *Audit) Recent(ctx context.Context, limit int) ([]AuditEntry, error) {
	db, err := a.handle()
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, kind, resource, holder, detail, at
		FROM lock_audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var entry AuditEntry
		var holder sql.NullString
		var detail sql.NullString
		var at sql.NullInt64
		if err := rows.Scan(&entry.ID, &entry.Kind, &entry.Resource, &holder, &detail, &at); err != nil {
			return nil, err
		}
		if holder.Valid {
			entry.Holder = holder.String
		}
		if detail.Valid {
			entry.Detail = detail.String
		}
		if at.Valid {
			entry.At = time.UnixMilli(at.Int64)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (a *Audit) handle() (*sql.DB, error) {
	if a == nil {
		return nil, fmt.Errorf("audit store not initialized")
	}
	a.mu.Lock()
	db := a.db
	a.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("audit store not initialized")
	}
	return db, nil
}

func ensureAuditSchema(db *sql.DB) error {
	stmt := `
	CREATE TABLE IF NOT EXISTS lock_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		resource TEXT NOT NULL,
		holder TEXT,
		detail TEXT,
		at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_lock_audit_resource ON lock_audit(resource);
	`
	_, err := db.Exec(stmt)
	return err
}

func nullIfEmpty(s string) interface{} {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return s
}
