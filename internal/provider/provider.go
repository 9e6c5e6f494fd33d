// Package provider is the narrow contract between the sync core and a
// concrete database.
//
// The core never builds SQL. It asks a Provider for connections, table
// accessors, the scope store and the local timestamp. SQLProvider implements
// the contract once on top of database/sql and delegates what differs
// between engines (quoting, DDL, triggers, catalog queries, error codes) to
// a Dialect. Each engine package registers a constructor:
//
//	func init() {
//	    provider.Register("sqlite", Open)
//	}
package provider

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/rowsync/rowsync/internal/changes"
	"github.com/rowsync/rowsync/internal/schema"
	"github.com/rowsync/rowsync/internal/scope"
	"github.com/rowsync/rowsync/internal/syncerr"
)

// Provider is everything the sync core needs from a database.
type Provider interface {
	changes.Source

	Name() string
	DB() *sql.DB
	Capabilities() *Capabilities
	ScopeStore() scope.Store

	// BeginSelection starts the transaction in which the local timestamp
	// is captured and changes are selected. It blocks concurrent writers.
	BeginSelection(ctx context.Context) (*sql.Tx, error)
	// BeginApply starts the transaction for one batch part.
	BeginApply(ctx context.Context) (*sql.Tx, error)
	// LocalTimestamp returns the current value of the change counter.
	LocalTimestamp(ctx context.Context, q changes.Querier) (int64, error)

	DescribeTable(ctx context.Context, name, schemaName string) (*schema.Table, error)
	// Provision creates scope tables, the change counter, tracking tables
	// and triggers. It is idempotent.
	Provision(ctx context.Context, s *schema.Schema, opts ProvisionOptions) error
	// Deprovision drops triggers and tracking tables.
	Deprovision(ctx context.Context, s *schema.Schema, opts DeprovisionOptions) error
	// CleanupTombstones deletes tombstones at or below a timestamp.
	CleanupTombstones(ctx context.Context, s *schema.Schema, before int64) (int64, error)

	ClassifyError(err error) (syncerr.Kind, int, bool)
	Close() error
}

// ProvisionOptions controls Provision.
type ProvisionOptions struct {
	// CreateTables creates missing data tables from the schema. Clients
	// set this; servers provision existing tables.
	CreateTables bool
}

// DeprovisionOptions controls Deprovision.
type DeprovisionOptions struct {
	// DropScopeTables also drops the scope tables and the change counter.
	DropScopeTables bool
}

// Capabilities describes what a backend supports. It is built once by the
// provider constructor and never modified.
type Capabilities struct {
	Name                   string
	CanBeServer            bool
	SupportsBulkOperations bool
	SupportsSchemas        bool
	MaxIdentifierLength    int
	// MaxStringLength is the longest bounded string column; longer strings
	// use the engine's unbounded text type.
	MaxStringLength int
	Types           *schema.TypeMap
}

// ValidateType returns the logical type for a native type or an error if
// the backend cannot sync it.
func (c *Capabilities) ValidateType(dbType string) (schema.LogicalType, error) {
	return c.Types.Lookup(dbType)
}

// ValidateIdentifier checks an identifier fits the backend.
func (c *Capabilities) ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("empty identifier")
	}
	if c.MaxIdentifierLength > 0 && len(name) > c.MaxIdentifierLength {
		return fmt.Errorf("identifier %s exceeds %d characters on %s", name, c.MaxIdentifierLength, c.Name)
	}
	return nil
}

// Constructor opens a provider from a data source name.
type Constructor func(dsn string, logger *log.Logger) (Provider, error)

var (
	registry      = make(map[string]Constructor)
	registryMutex sync.RWMutex
)

// Register registers a provider constructor. It panics on duplicates.
func Register(name string, constructor Constructor) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if constructor == nil {
		panic(fmt.Sprintf("provider: Register constructor is nil for %s", name))
	}
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("provider: Register called twice for %s", name))
	}
	registry[name] = constructor
}

// Open opens a registered provider.
func Open(name, dsn string, logger *log.Logger) (Provider, error) {
	registryMutex.RLock()
	constructor := registry[name]
	registryMutex.RUnlock()

	if constructor == nil {
		return nil, fmt.Errorf("unknown provider %q (registered: %v)", name, Registered())
	}
	return constructor(dsn, logger)
}

// Registered returns the registered provider names, sorted.
func Registered() []string {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
