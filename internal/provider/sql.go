package provider

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/rowsync/rowsync/internal/changes"
	"github.com/rowsync/rowsync/internal/schema"
	"github.com/rowsync/rowsync/internal/scope"
	"github.com/rowsync/rowsync/internal/syncerr"
)

// SQLProvider implements Provider over database/sql.
type SQLProvider struct {
	db      *sql.DB
	dialect Dialect
	scopes  *ScopeStore
	logger  *log.Logger

	mu        sync.Mutex
	accessors map[string]*sqlTable
}

// NewSQLProvider wraps an open database. If logger is nil, a default logger
// writing to stderr is used.
func NewSQLProvider(db *sql.DB, d Dialect, logger *log.Logger) *SQLProvider {
	if logger == nil {
		logger = log.New(os.Stderr, "["+d.Name()+"] ", log.LstdFlags)
	}
	return &SQLProvider{
		db:        db,
		dialect:   d,
		scopes:    NewScopeStore(db, d),
		logger:    logger,
		accessors: make(map[string]*sqlTable),
	}
}

func (p *SQLProvider) Name() string {
	return p.dialect.Name()
}

func (p *SQLProvider) DB() *sql.DB {
	return p.db
}

func (p *SQLProvider) Dialect() Dialect {
	return p.dialect
}

func (p *SQLProvider) Capabilities() *Capabilities {
	return p.dialect.Capabilities()
}

func (p *SQLProvider) ScopeStore() scope.Store {
	return p.scopes
}

func (p *SQLProvider) ClassifyError(err error) (syncerr.Kind, int, bool) {
	return p.dialect.ClassifyError(err)
}

// TableAccessor returns the accessor for t. Accessors are cached by table
// definition, so a projected table gets its own accessor.
func (p *SQLProvider) TableAccessor(t *schema.Table) changes.TableAccessor {
	key := accessorKey(t)
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.accessors[key]; ok {
		return a
	}
	a := newSQLTable(p.dialect, t)
	p.accessors[key] = a
	return a
}

func accessorKey(t *schema.Table) string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return t.FullName() + "|" + strings.Join(names, ",")
}

func (p *SQLProvider) BeginSelection(ctx context.Context) (*sql.Tx, error) {
	tx, err := p.db.BeginTx(ctx, p.dialect.SelectionTxOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to begin selection transaction: %w", err)
	}
	return tx, nil
}

func (p *SQLProvider) BeginApply(ctx context.Context) (*sql.Tx, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin apply transaction: %w", err)
	}
	return tx, nil
}

// LocalTimestamp reads the change counter. Inside a selection transaction
// every committed change has a timestamp at or below the returned value.
func (p *SQLProvider) LocalTimestamp(ctx context.Context, q changes.Querier) (int64, error) {
	d := p.dialect
	var ts int64
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = 1", d.Quote("value"), d.QualifiedName("", TimestampTable), d.Quote("id"))
	if err := q.QueryRowContext(ctx, query).Scan(&ts); err != nil {
		return 0, fmt.Errorf("failed to read local timestamp: %w", err)
	}
	return ts, nil
}

func (p *SQLProvider) DescribeTable(ctx context.Context, name, schemaName string) (*schema.Table, error) {
	t, err := p.dialect.DescribeTable(ctx, p.db, schemaName, name)
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", name, err)
	}
	return t, nil
}

// Provision creates the bookkeeping tables, then the tracking table and
// triggers of every table in s. Rows that exist before provisioning are
// untracked and only reach new scopes.
func (p *SQLProvider) Provision(ctx context.Context, s *schema.Schema, opts ProvisionOptions) error {
	ordered, err := s.Ordered()
	if err != nil {
		return err
	}
	caps := p.Capabilities()
	for _, t := range ordered {
		for _, name := range []string{t.Name, TrackingName(t.Name), TriggerName(t.Name, "insert")} {
			if err := caps.ValidateIdentifier(name); err != nil {
				return err
			}
		}
	}

	if err := p.scopes.EnsureTables(ctx); err != nil {
		return err
	}
	if err := p.ensureTimestamp(ctx); err != nil {
		return err
	}

	d := p.dialect
	for _, t := range ordered {
		if opts.CreateTables {
			exists, err := d.TableExists(ctx, p.db, t.SchemaName, t.Name)
			if err != nil {
				return fmt.Errorf("failed to check table %s: %w", t.FullName(), err)
			}
			if !exists {
				if err := p.createTable(ctx, t); err != nil {
					return err
				}
				p.logger.Printf("Created table %s", t.FullName())
			}
		}

		tracking := d.QualifiedName(t.SchemaName, TrackingName(t.Name))
		stmt := d.CreateTableIfNotExists(tracking, TrackingColumns(d, t), t.PrimaryKeys)
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create tracking table for %s: %w", t.FullName(), err)
		}
		if err := p.execAll(ctx, d.DropTriggers(t)); err != nil {
			return fmt.Errorf("failed to drop triggers of %s: %w", t.FullName(), err)
		}
		if err := p.execAll(ctx, d.CreateTriggers(t)); err != nil {
			return fmt.Errorf("failed to create triggers of %s: %w", t.FullName(), err)
		}
		p.logger.Printf("Provisioned %s", t.FullName())
	}
	return nil
}

func (p *SQLProvider) createTable(ctx context.Context, t *schema.Table) error {
	d := p.dialect
	defs := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		if t.IsPrimaryKey(c.Name) {
			c = KeyColumn(c)
		}
		defs[i] = ColumnDefinition(d, c)
	}
	stmt := d.CreateTableIfNotExists(d.QualifiedName(t.SchemaName, t.Name), defs, t.PrimaryKeys)
	if _, err := p.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create table %s: %w", t.FullName(), err)
	}
	return nil
}

func (p *SQLProvider) ensureTimestamp(ctx context.Context) error {
	d := p.dialect
	table := d.QualifiedName("", TimestampTable)
	stmt := d.CreateTableIfNotExists(table, []string{
		ColumnDefinition(d, schema.Column{Name: "id", Type: schema.TypeInt64}),
		ColumnDefinition(d, schema.Column{Name: "value", Type: schema.TypeInt64}),
	}, []string{"id"})
	if _, err := p.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create timestamp table: %w", err)
	}

	var n int
	if err := p.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n); err != nil {
		return fmt.Errorf("failed to read timestamp table: %w", err)
	}
	if n == 0 {
		query := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (1, 0)", table, d.Quote("id"), d.Quote("value"))
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to seed timestamp table: %w", err)
		}
	}
	return nil
}

// Deprovision drops the triggers and tracking tables of s. Base tables are
// never touched.
func (p *SQLProvider) Deprovision(ctx context.Context, s *schema.Schema, opts DeprovisionOptions) error {
	d := p.dialect
	for _, t := range s.Tables {
		if err := p.execAll(ctx, d.DropTriggers(t)); err != nil {
			return fmt.Errorf("failed to drop triggers of %s: %w", t.FullName(), err)
		}
		stmt := d.DropTableIfExists(d.QualifiedName(t.SchemaName, TrackingName(t.Name)))
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to drop tracking table of %s: %w", t.FullName(), err)
		}
		p.logger.Printf("Deprovisioned %s", t.FullName())
	}
	if opts.DropScopeTables {
		for _, name := range []string{ScopeClientTable, ScopeInfoTable, TimestampTable} {
			if _, err := p.db.ExecContext(ctx, d.DropTableIfExists(d.QualifiedName("", name))); err != nil {
				return fmt.Errorf("failed to drop %s: %w", name, err)
			}
		}
	}
	return nil
}

// CleanupTombstones deletes tombstones with a timestamp at or below before.
// A client whose watermark is older than before must resync as new to see
// those deletes.
func (p *SQLProvider) CleanupTombstones(ctx context.Context, s *schema.Schema, before int64) (int64, error) {
	d := p.dialect
	var total int64
	for _, t := range s.Tables {
		query := fmt.Sprintf("DELETE FROM %s WHERE %s = 1 AND %s <= %s",
			d.QualifiedName(t.SchemaName, TrackingName(t.Name)),
			d.Quote(ColIsTombstone), d.Quote(ColUpdateTimestamp), d.Placeholder(1))
		res, err := p.db.ExecContext(ctx, query, before)
		if err != nil {
			return total, fmt.Errorf("failed to clean up tombstones of %s: %w", t.FullName(), err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (p *SQLProvider) execAll(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (p *SQLProvider) Close() error {
	return p.db.Close()
}
