package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend stores blobs in a single SQLite table.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the database at dbPath. The special
// path ":memory:" opens a private in-memory database.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		// pragmas in the DSN apply to every pooled connection
		dsn = dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dbPath == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	b := &SQLiteBackend{db: db}
	if err := b.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS blobs (
		path TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := b.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// ReadFile implements Backend.
func (b *SQLiteBackend) ReadFile(ctx context.Context, p string) ([]byte, error) {
	name, err := cleanPath(p)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = b.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE path = ?`, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// WriteFile implements Backend.
func (b *SQLiteBackend) WriteFile(ctx context.Context, p string, data []byte) error {
	name, err := cleanPath(p)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO blobs (path, data, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(path) DO UPDATE SET
		data = excluded.data,
		updated_at = excluded.updated_at`

	if _, err := b.db.ExecContext(ctx, query, name, data, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	return nil
}

// Delete implements Backend.
func (b *SQLiteBackend) Delete(ctx context.Context, p string) error {
	name, err := cleanPath(p)
	if err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM blobs WHERE path = ?`, name); err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// List implements Backend.
func (b *SQLiteBackend) List(ctx context.Context, pattern string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT path FROM blobs ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	defer rows.Close()

	var items []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan blob path: %w", err)
		}
		ok, err := matchPattern(pattern, name)
		if err != nil {
			return nil, err
		}
		if ok {
			items = append(items, name)
		}
	}
	return items, rows.Err()
}

// Close implements Backend.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
