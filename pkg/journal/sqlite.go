package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/matzehuels/sheetpress/pkg/host"
)

// SQLiteJournal implements Journal using SQLite.
type SQLiteJournal struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteJournal opens (or creates) a journal database.
// Use ":memory:" for an in-memory journal, or a file path for persistent storage.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	j := &SQLiteJournal{db: db}
	if err := j.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return j, nil
}

func (j *SQLiteJournal) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_id TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		resolved_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_rules_batch ON rules(batch_id);
	CREATE INDEX IF NOT EXISTS idx_rules_pending ON rules(resolved_at);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Record inserts one row per id in a single transaction.
func (j *SQLiteJournal) Record(ctx context.Context, batchID string, ids []host.ID) error {
	if len(ids) == 0 {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixNano()
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO rules (batch_id, rule_id, created_at) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, batchID, string(id), now); err != nil {
			return fmt.Errorf("insert rule %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Resolve stamps the matching unresolved rows.
func (j *SQLiteJournal) Resolve(ctx context.Context, batchID string, ids []host.ID) error {
	if len(ids) == 0 {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixNano()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			"UPDATE rules SET resolved_at = ? WHERE batch_id = ? AND rule_id = ? AND resolved_at IS NULL",
			now, batchID, string(id),
		); err != nil {
			return fmt.Errorf("resolve rule %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Pending returns unresolved rows ordered by insertion.
func (j *SQLiteJournal) Pending(ctx context.Context) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx,
		"SELECT batch_id, rule_id, created_at FROM rules WHERE resolved_at IS NULL ORDER BY id",
	)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			ruleID  string
			created int64
		)
		if err := rows.Scan(&e.BatchID, &ruleID, &created); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.RuleID = host.ID(ruleID)
		e.CreatedAt = time.Unix(0, created)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return entries, nil
}

// Close closes the database connection.
func (j *SQLiteJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.db.Close()
}

var _ Journal = (*SQLiteJournal)(nil)
