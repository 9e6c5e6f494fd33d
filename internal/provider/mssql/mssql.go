// Package mssql provides the SQL Server provider.
//
// Tracking triggers are statement level, so all rows changed by one
// statement share a counter value. The selection transaction runs
// SERIALIZABLE so the counter row stays locked until it commits.
package mssql

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	mssql "github.com/microsoft/go-mssqldb"

	"github.com/rowsync/rowsync/internal/provider"
)

func init() {
	provider.Register("mssql", func(dsn string, logger *log.Logger) (provider.Provider, error) {
		return Open(dsn, logger)
	})
}

// Provider is a SQL Server database prepared for sync.
type Provider struct {
	*provider.SQLProvider
}

// Open connects using a go-mssqldb connection string, either a
// "sqlserver://" URL or "server=...;database=...".
//
// The caller MUST call Close() when done.
func Open(dsn string, logger *log.Logger) (*Provider, error) {
	connector, err := mssql.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid sql server dsn: %w", err)
	}
	db := sql.OpenDB(connector)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sql server database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if logger == nil {
		logger = log.New(os.Stderr, "[mssql] ", log.LstdFlags)
	}
	return &Provider{SQLProvider: provider.NewSQLProvider(db, Dialect{}, logger)}, nil
}
