// Package mysql provides the MySQL provider.
//
// The selection transaction runs SERIALIZABLE: InnoDB turns its reads into
// shared locking reads, so reading the change counter blocks the triggers
// of concurrent writers until the selection commits.
package mysql

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rowsync/rowsync/internal/provider"
)

func init() {
	provider.Register("mysql", func(dsn string, logger *log.Logger) (provider.Provider, error) {
		return Open(dsn, logger)
	})
}

// Provider is a MySQL database prepared for sync.
type Provider struct {
	*provider.SQLProvider
	database string
}

// Open connects using a go-sql-driver DSN such as
// "user:pass@tcp(host:3306)/db". Times are read and written in UTC.
//
// The caller MUST call Close() when done.
func Open(dsn string, logger *log.Logger) (*Provider, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql dsn: %w", err)
	}
	if cfg.DBName == "" {
		return nil, fmt.Errorf("mysql dsn must name a database")
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping mysql database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if logger == nil {
		logger = log.New(os.Stderr, "[mysql] ", log.LstdFlags)
	}
	return &Provider{
		SQLProvider: provider.NewSQLProvider(db, Dialect{}, logger),
		database:    cfg.DBName,
	}, nil
}

// Database returns the connected database name.
func (p *Provider) Database() string {
	return p.database
}
