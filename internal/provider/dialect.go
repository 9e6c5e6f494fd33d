package provider

import (
	"context"
	"database/sql"
	"strings"

	"github.com/rowsync/rowsync/internal/changes"
	"github.com/rowsync/rowsync/internal/schema"
	"github.com/rowsync/rowsync/internal/syncerr"
)

// Names of the bookkeeping objects every provisioned database carries.
const (
	ScopeInfoTable   = "rowsync_scope_info"
	ScopeClientTable = "rowsync_scope_client"
	TimestampTable   = "rowsync_timestamp"
	TrackingSuffix   = "_tracking"
)

// Tracking table columns, after the primary key columns.
const (
	ColUpdateScopeID      = "update_scope_id"
	ColUpdateTimestamp    = "update_timestamp"
	ColCreateTimestamp    = "create_timestamp"
	ColIsTombstone        = "is_tombstone"
	ColLastChangeDatetime = "last_change_datetime"
)

// Dialect is the engine-specific half of SQLProvider.
type Dialect interface {
	Name() string

	Quote(ident string) string
	// QualifiedName renders a table name, with its schema when the engine
	// supports schemas.
	QualifiedName(schemaName, name string) string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder(n int) string

	// ColumnType renders the native type for a logical column.
	ColumnType(c schema.Column) string
	CreateTableIfNotExists(table string, columns []string, primaryKey []string) string
	DropTableIfExists(table string) string

	// CreateTriggers returns the statements installing the insert, update
	// and delete triggers that maintain the tracking table of t.
	CreateTriggers(t *schema.Table) []string
	DropTriggers(t *schema.Table) []string

	TableExists(ctx context.Context, q changes.Querier, schemaName, name string) (bool, error)
	DescribeTable(ctx context.Context, q changes.Querier, schemaName, name string) (*schema.Table, error)

	Capabilities() *Capabilities
	// SelectionTxOptions are the options of the selection transaction.
	SelectionTxOptions() *sql.TxOptions
	ClassifyError(err error) (syncerr.Kind, int, bool)
}

// KeyStringLength bounds string primary key columns declared without a
// length, so engines that cannot index unbounded text can key on them.
const KeyStringLength = 450

// KeyColumn returns c prepared for use in a primary key.
func KeyColumn(c schema.Column) schema.Column {
	c.Nullable = false
	if c.Type == schema.TypeString && c.MaxLength == 0 {
		c.MaxLength = KeyStringLength
	}
	return c
}

// TrackingName returns the tracking table name of a base table.
func TrackingName(table string) string {
	return table + TrackingSuffix
}

// TriggerName returns the name of one of the tracking triggers of a table.
func TriggerName(table, event string) string {
	return table + "_rowsync_" + event
}

// TrackingColumns returns the column definitions of the tracking table of t.
func TrackingColumns(d Dialect, t *schema.Table) []string {
	defs := make([]string, 0, len(t.PrimaryKeys)+5)
	for _, c := range t.PrimaryKeyColumns() {
		defs = append(defs, ColumnDefinition(d, KeyColumn(c)))
	}
	defs = append(defs,
		ColumnDefinition(d, schema.Column{Name: ColUpdateScopeID, Type: schema.TypeString, MaxLength: 36, Nullable: true}),
		ColumnDefinition(d, schema.Column{Name: ColUpdateTimestamp, Type: schema.TypeInt64}),
		ColumnDefinition(d, schema.Column{Name: ColCreateTimestamp, Type: schema.TypeInt64}),
		ColumnDefinition(d, schema.Column{Name: ColIsTombstone, Type: schema.TypeInt64}),
		ColumnDefinition(d, schema.Column{Name: ColLastChangeDatetime, Type: schema.TypeTime, Nullable: true}),
	)
	return defs
}

// ColumnDefinition renders "name TYPE [NOT] NULL".
func ColumnDefinition(d Dialect, c schema.Column) string {
	def := d.Quote(c.Name) + " " + d.ColumnType(c)
	if c.Nullable {
		return def + " NULL"
	}
	return def + " NOT NULL"
}

// QuoteAll quotes every identifier and joins them with commas.
func QuoteAll(d Dialect, idents []string) string {
	quoted := make([]string, len(idents))
	for i, id := range idents {
		quoted[i] = d.Quote(id)
	}
	return strings.Join(quoted, ", ")
}

// QuoteWith escapes ident for a quoting style with the given delimiters.
func QuoteWith(ident string, open, close byte) string {
	return string(open) + strings.ReplaceAll(ident, string(close), string(close)+string(close)) + string(close)
}
