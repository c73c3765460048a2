// Package crm is the sqlite-backed reference backend behind the default tool
// catalogue. Every row is scoped by user id.
package crm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a referenced row does not exist for the user.
	ErrNotFound = errors.New("not found")
	// ErrAmbiguous is returned when a name matches several rows.
	ErrAmbiguous = errors.New("ambiguous reference")
	// ErrDuplicate is returned when a unique name is already taken.
	ErrDuplicate = errors.New("already exists")
)

// Store handles SQLite operations for the business entities
type Store struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

// Open opens (and migrates) the database at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; numbering relies on serialized transactions
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		company TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS deals (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		title TEXT NOT NULL,
		amount REAL NOT NULL DEFAULT 0,
		stage TEXT NOT NULL DEFAULT 'prospect',
		created_at TEXT NOT NULL,
		FOREIGN KEY (client_id) REFERENCES clients(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS missions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		title TEXT NOT NULL,
		start_date TEXT NOT NULL DEFAULT '',
		end_date TEXT NOT NULL DEFAULT '',
		daily_rate REAL NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		FOREIGN KEY (client_id) REFERENCES clients(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS quotes (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		number TEXT NOT NULL,
		title TEXT NOT NULL,
		amount REAL NOT NULL,
		status TEXT NOT NULL DEFAULT 'draft',
		created_at TEXT NOT NULL,
		FOREIGN KEY (client_id) REFERENCES clients(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		number TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		amount REAL NOT NULL,
		due_date TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'unpaid',
		paid_at TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		FOREIGN KEY (client_id) REFERENCES clients(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		client_id TEXT,
		title TEXT NOT NULL,
		due_date TEXT NOT NULL DEFAULT '',
		done BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		FOREIGN KEY (client_id) REFERENCES clients(id) ON DELETE SET NULL
	);

	CREATE INDEX IF NOT EXISTS idx_clients_user ON clients(user_id, name);
	CREATE INDEX IF NOT EXISTS idx_deals_user ON deals(user_id);
	CREATE INDEX IF NOT EXISTS idx_missions_user ON missions(user_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_quotes_number ON quotes(user_id, number);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_number ON invoices(user_id, number);
	CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id, done);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func newID() string {
	return uuid.NewString()
}

// nextNumber returns the next "<prefix>-YYYY-NNNN" number inside tx.
func (s *Store) nextNumber(ctx context.Context, tx *sql.Tx, table, prefix, userID string) (string, error) {
	yearPrefix := fmt.Sprintf("%s-%d-", prefix, s.now().Year())
	var count int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE user_id = ? AND number LIKE ?", table)
	if err := tx.QueryRowContext(ctx, query, userID, yearPrefix+"%").Scan(&count); err != nil {
		return "", fmt.Errorf("failed to count %s: %w", table, err)
	}
	return fmt.Sprintf("%s%04d", yearPrefix, count+1), nil
}

// inTx runs fn in a transaction.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func likePattern(q string) string {
	q = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(strings.TrimSpace(q))
	return "%" + q + "%"
}
