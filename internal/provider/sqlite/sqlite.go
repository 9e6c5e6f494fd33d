// Package sqlite provides the embedded SQLite provider.
//
// The database runs through the pure-Go ncruces driver with WAL enabled.
// Every transaction begins IMMEDIATE, so the selection transaction holds
// the write lock while it reads the change counter and the changes, and
// concurrent writers wait on busy_timeout instead of interleaving.
package sqlite

import (
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/rowsync/rowsync/internal/provider"
)

func init() {
	provider.Register("sqlite", func(dsn string, logger *log.Logger) (provider.Provider, error) {
		return Open(dsn, logger)
	})
}

// Provider is a SQLite database prepared for sync.
type Provider struct {
	*provider.SQLProvider
	path string
}

// Open opens (creating if needed) the database at path. A "file:" URI is
// used as is, except that the connection parameters below are added.
//
// The caller MUST call Close() when done to ensure proper cleanup.
func Open(path string, logger *log.Logger) (*Provider, error) {
	connStr, file, err := connString(path)
	if err != nil {
		return nil, err
	}
	if file != "" && file != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// WAL is persistent for the file; per-connection pragmas are in the DSN.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if logger == nil {
		logger = log.New(os.Stderr, "[sqlite] ", log.LstdFlags)
	}
	return &Provider{
		SQLProvider: provider.NewSQLProvider(conn, Dialect{}, logger),
		path:        file,
	}, nil
}

// connString adds busy_timeout, foreign_keys and the IMMEDIATE transaction
// lock to the DSN.
func connString(path string) (string, string, error) {
	if path == "" {
		return "", "", fmt.Errorf("empty database path")
	}
	raw := path
	if !strings.HasPrefix(raw, "file:") {
		raw = "file:" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid database path %q: %w", path, err)
	}
	file := u.Opaque
	if file == "" {
		file = u.Path
	}

	q := u.Query()
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	if q.Get("_txlock") == "" {
		q.Set("_txlock", "immediate")
	}
	return "file:" + file + "?" + q.Encode(), file, nil
}

// Path returns the database file.
func (p *Provider) Path() string {
	return p.path
}

// Close checkpoints the WAL and closes the database.
func (p *Provider) Close() error {
	db := p.DB()
	if db == nil {
		return nil
	}
	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
