package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ncruces/go-sqlite3"

	"github.com/rowsync/rowsync/internal/changes"
	"github.com/rowsync/rowsync/internal/provider"
	"github.com/rowsync/rowsync/internal/schema"
	"github.com/rowsync/rowsync/internal/syncerr"
)

// Dialect renders SQLite SQL. SQLite has no schemas; schema names are
// ignored.
type Dialect struct{}

var capabilities = &provider.Capabilities{
	Name:        "sqlite",
	CanBeServer: true,
	Types: schema.NewTypeMap(map[string]schema.LogicalType{
		"integer":   schema.TypeInt64,
		"int":       schema.TypeInt64,
		"bigint":    schema.TypeInt64,
		"smallint":  schema.TypeInt64,
		"tinyint":   schema.TypeInt64,
		"real":      schema.TypeFloat64,
		"double":    schema.TypeFloat64,
		"float":     schema.TypeFloat64,
		"text":      schema.TypeString,
		"varchar":   schema.TypeString,
		"char":      schema.TypeString,
		"nvarchar":  schema.TypeString,
		"clob":      schema.TypeString,
		"blob":      schema.TypeBytes,
		"boolean":   schema.TypeBool,
		"bool":      schema.TypeBool,
		"datetime":  schema.TypeTime,
		"date":      schema.TypeTime,
		"timestamp": schema.TypeTime,
		"numeric":   schema.TypeDecimal,
		"decimal":   schema.TypeDecimal,
		"uuid":      schema.TypeUUID,
	}, affinity),
}

// affinity applies SQLite's column affinity rules to undeclared names.
func affinity(dbType string) (schema.LogicalType, bool) {
	switch {
	case strings.Contains(dbType, "int"):
		return schema.TypeInt64, true
	case strings.Contains(dbType, "char"), strings.Contains(dbType, "clob"), strings.Contains(dbType, "text"):
		return schema.TypeString, true
	case dbType == "", strings.Contains(dbType, "blob"):
		return schema.TypeBytes, true
	case strings.Contains(dbType, "real"), strings.Contains(dbType, "floa"), strings.Contains(dbType, "doub"):
		return schema.TypeFloat64, true
	}
	return schema.TypeDecimal, true
}

func (Dialect) Name() string {
	return "sqlite"
}

func (Dialect) Quote(ident string) string {
	return provider.QuoteWith(ident, '"', '"')
}

func (d Dialect) QualifiedName(_, name string) string {
	return d.Quote(name)
}

func (Dialect) Placeholder(int) string {
	return "?"
}

func (Dialect) ColumnType(c schema.Column) string {
	switch c.Type {
	case schema.TypeInt64:
		return "INTEGER"
	case schema.TypeFloat64:
		return "REAL"
	case schema.TypeBytes:
		return "BLOB"
	case schema.TypeBool:
		return "BOOLEAN"
	case schema.TypeTime:
		return "DATETIME"
	default:
		return "TEXT"
	}
}

func (Dialect) CreateTableIfNotExists(table string, columns []string, primaryKey []string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s,\n\tPRIMARY KEY (%s)\n)",
		table, strings.Join(columns, ",\n\t"), quoteAll(primaryKey))
}

func (Dialect) DropTableIfExists(table string) string {
	return "DROP TABLE IF EXISTS " + table
}

func quoteAll(idents []string) string {
	return provider.QuoteAll(Dialect{}, idents)
}

// CreateTriggers installs AFTER triggers that bump the change counter and
// upsert the tracking row. Inserts and deletes reset the row's origin;
// updates of previously untracked rows get a zero create timestamp.
func (d Dialect) CreateTriggers(t *schema.Table) []string {
	base := d.Quote(t.Name)
	tracking := d.Quote(provider.TrackingName(t.Name))
	ts := fmt.Sprintf("(SELECT %s FROM %s WHERE %s = 1)", d.Quote("value"), d.Quote(provider.TimestampTable), d.Quote("id"))
	bump := fmt.Sprintf("UPDATE %s SET %s = %s + 1 WHERE %s = 1;",
		d.Quote(provider.TimestampTable), d.Quote("value"), d.Quote("value"), d.Quote("id"))
	now := "strftime('%Y-%m-%dT%H:%M:%fZ', 'now')"

	cols := quoteAll(append(append([]string{}, t.PrimaryKeys...),
		provider.ColUpdateScopeID, provider.ColUpdateTimestamp, provider.ColCreateTimestamp,
		provider.ColIsTombstone, provider.ColLastChangeDatetime))
	pk := quoteAll(t.PrimaryKeys)

	refs := func(row string) string {
		r := make([]string, len(t.PrimaryKeys))
		for i, c := range t.PrimaryKeys {
			r[i] = row + "." + d.Quote(c)
		}
		return strings.Join(r, ", ")
	}

	q := d.Quote
	trigger := func(event, row, create, tombstone, onConflict string) string {
		return fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s AFTER %s ON %s
BEGIN
	%s
	INSERT INTO %s (%s)
	VALUES (%s, NULL, %s, %s, %s, %s)
	ON CONFLICT (%s) DO UPDATE SET %s;
END`, q(provider.TriggerName(t.Name, strings.ToLower(event))), event, base,
			bump, tracking, cols, refs(row), ts, create, tombstone, now, pk, onConflict)
	}

	return []string{
		trigger("INSERT", "new", ts, "0", fmt.Sprintf("%s = NULL, %s = excluded.%s, %s = excluded.%s, %s = 0, %s = excluded.%s",
			q(provider.ColUpdateScopeID),
			q(provider.ColUpdateTimestamp), q(provider.ColUpdateTimestamp),
			q(provider.ColCreateTimestamp), q(provider.ColCreateTimestamp),
			q(provider.ColIsTombstone),
			q(provider.ColLastChangeDatetime), q(provider.ColLastChangeDatetime))),
		trigger("UPDATE", "new", "0", "0", fmt.Sprintf("%s = NULL, %s = excluded.%s, %s = 0, %s = excluded.%s",
			q(provider.ColUpdateScopeID),
			q(provider.ColUpdateTimestamp), q(provider.ColUpdateTimestamp),
			q(provider.ColIsTombstone),
			q(provider.ColLastChangeDatetime), q(provider.ColLastChangeDatetime))),
		trigger("DELETE", "old", "0", "1", fmt.Sprintf("%s = NULL, %s = excluded.%s, %s = 1, %s = excluded.%s",
			q(provider.ColUpdateScopeID),
			q(provider.ColUpdateTimestamp), q(provider.ColUpdateTimestamp),
			q(provider.ColIsTombstone),
			q(provider.ColLastChangeDatetime), q(provider.ColLastChangeDatetime))),
	}
}

func (d Dialect) DropTriggers(t *schema.Table) []string {
	var stmts []string
	for _, event := range []string{"insert", "update", "delete"} {
		stmts = append(stmts, "DROP TRIGGER IF EXISTS "+d.Quote(provider.TriggerName(t.Name, event)))
	}
	return stmts
}

func (Dialect) TableExists(ctx context.Context, q changes.Querier, _, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DescribeTable reads columns, primary key and foreign keys from the
// table_info and foreign_key_list pragmas.
func (Dialect) DescribeTable(ctx context.Context, q changes.Querier, _, name string) (*schema.Table, error) {
	rows, err := q.QueryContext(ctx, `SELECT name, type, "notnull", pk FROM pragma_table_info(?) ORDER BY cid`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	t := &schema.Table{Name: name}
	var pkOrder []struct {
		pos  int
		name string
	}
	for rows.Next() {
		var (
			col     schema.Column
			notNull int
			pk      int
		)
		if err := rows.Scan(&col.Name, &col.DBType, &notNull, &pk); err != nil {
			return nil, err
		}
		typ, err := capabilities.Types.Lookup(col.DBType)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col.Name, err)
		}
		col.Type = typ
		col.Nullable = notNull == 0 && pk == 0
		t.Columns = append(t.Columns, col)
		if pk > 0 {
			pkOrder = append(pkOrder, struct {
				pos  int
				name string
			}{pk, col.Name})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(t.Columns) == 0 {
		return nil, fmt.Errorf("table %s not found", name)
	}
	t.PrimaryKeys = make([]string, len(pkOrder))
	for _, p := range pkOrder {
		t.PrimaryKeys[p.pos-1] = p.name
	}

	fks, err := q.QueryContext(ctx, `SELECT id, "table", "from", "to" FROM pragma_foreign_key_list(?) ORDER BY id, seq`, name)
	if err != nil {
		return nil, err
	}
	defer fks.Close()

	byID := make(map[int]int)
	for fks.Next() {
		var (
			id           int
			parent, from string
			to           sql.NullString
		)
		if err := fks.Scan(&id, &parent, &from, &to); err != nil {
			return nil, err
		}
		i, ok := byID[id]
		if !ok {
			i = len(t.Relations)
			byID[id] = i
			t.Relations = append(t.Relations, schema.Relation{ParentTable: parent})
		}
		t.Relations[i].Columns = append(t.Relations[i].Columns, from)
		t.Relations[i].ParentColumns = append(t.Relations[i].ParentColumns, to.String)
	}
	return t, fks.Err()
}

func (Dialect) Capabilities() *provider.Capabilities {
	return capabilities
}

func (Dialect) SelectionTxOptions() *sql.TxOptions {
	return nil
}

// ClassifyError treats lock contention as transient and constraint
// violations as data errors.
func (Dialect) ClassifyError(err error) (syncerr.Kind, int, bool) {
	var serr *sqlite3.Error
	if !errors.As(err, &serr) {
		return 0, 0, false
	}
	code := int(serr.ExtendedCode())
	switch serr.Code() {
	case sqlite3.BUSY, sqlite3.LOCKED:
		return syncerr.KindTransient, code, true
	case sqlite3.CONSTRAINT, sqlite3.MISMATCH, sqlite3.TOOBIG:
		return syncerr.KindData, code, true
	}
	return syncerr.KindInternal, code, true
}
