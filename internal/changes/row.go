package changes

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rowsync/rowsync/internal/schema"
	"github.com/rowsync/rowsync/internal/setup"
)

// RowState is the kind of change a row carries.
type RowState int

const (
	StateInserted RowState = iota + 1
	StateModified
	StateDeleted
)

func (s RowState) String() string {
	switch s {
	case StateInserted:
		return "inserted"
	case StateModified:
		return "modified"
	case StateDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("RowState(%d)", int(s))
	}
}

// Row is one change in flight. Values follow the table's column order;
// a tombstone has only its primary key values set.
type Row struct {
	State           RowState      `json:"s"`
	Values          []interface{} `json:"v"`
	UpdateScopeID   string        `json:"u,omitempty"`
	UpdateTimestamp int64         `json:"t"`
	CreateTimestamp int64         `json:"c,omitempty"`
}

// IsTombstone reports whether the row is a delete.
func (r *Row) IsTombstone() bool {
	return r.State == StateDeleted
}

// PrimaryKey extracts the primary key values of the row.
func (r *Row) PrimaryKey(t *schema.Table) []interface{} {
	idx := t.PrimaryKeyIndexes()
	pk := make([]interface{}, len(idx))
	for i, ci := range idx {
		if ci >= 0 && ci < len(r.Values) {
			pk[i] = r.Values[ci]
		}
	}
	return pk
}

// LocalRow is the current state of a primary key in the receiving store:
// the base row if present, and its tracking entry if present.
type LocalRow struct {
	Exists          bool
	Values          []interface{}
	Tracked         bool
	UpdateScopeID   string
	UpdateTimestamp int64
	CreateTimestamp int64
	IsTombstone     bool
}

// AsRow returns the local state as a change row, for conflict handlers.
func (l *LocalRow) AsRow() *Row {
	state := StateModified
	if l.IsTombstone || !l.Exists {
		state = StateDeleted
	}
	return &Row{
		State:           state,
		Values:          l.Values,
		UpdateScopeID:   l.UpdateScopeID,
		UpdateTimestamp: l.UpdateTimestamp,
		CreateTimestamp: l.CreateTimestamp,
	}
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Selection parameterises one change query on one table.
type Selection struct {
	// Watermark excludes changes at or below this timestamp.
	Watermark int64
	// ExcludeScopeID drops changes applied on behalf of the requester.
	ExcludeScopeID string
	// IsNew selects every base row, tracked or not, and no tombstones.
	IsNew bool
	// Tombstones selects deletes instead of upserts.
	Tombstones bool
	Filter     *setup.SetupFilter
	// Parameters are the filter values already resolved by SetupFilter.Bind.
	Parameters map[string]interface{}
}

// TableAccessor reads and writes one tracked table. Providers implement it
// with their own SQL.
type TableAccessor interface {
	Table() *schema.Table

	// SelectChanges streams the table's changes ordered by update timestamp
	// then primary key.
	SelectChanges(ctx context.Context, q Querier, sel Selection, fn func(*Row) error) error

	// GetRow returns the base row and tracking entry for a primary key.
	GetRow(ctx context.Context, q Querier, pk []interface{}) (*LocalRow, error)
	InsertRow(ctx context.Context, q Querier, values []interface{}) error
	UpdateRow(ctx context.Context, q Querier, values []interface{}) error
	DeleteRow(ctx context.Context, q Querier, pk []interface{}) error

	// TagRow marks the tracking entry as last written on behalf of scopeID,
	// so the change is not echoed back to that scope.
	TagRow(ctx context.Context, q Querier, pk []interface{}, scopeID string) error
}

// Source hands out table accessors.
type Source interface {
	TableAccessor(t *schema.Table) TableAccessor
}
