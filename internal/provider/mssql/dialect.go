package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"

	"github.com/rowsync/rowsync/internal/changes"
	"github.com/rowsync/rowsync/internal/provider"
	"github.com/rowsync/rowsync/internal/schema"
	"github.com/rowsync/rowsync/internal/syncerr"
)

// Dialect renders T-SQL for SQL Server 2016 and later.
type Dialect struct{}

var capabilities = &provider.Capabilities{
	Name:                "mssql",
	CanBeServer:         true,
	SupportsSchemas:     true,
	MaxIdentifierLength: 128,
	MaxStringLength:     4000,
	Types: schema.NewTypeMap(map[string]schema.LogicalType{
		"tinyint":          schema.TypeInt64,
		"smallint":         schema.TypeInt64,
		"int":              schema.TypeInt64,
		"bigint":           schema.TypeInt64,
		"bit":              schema.TypeBool,
		"float":            schema.TypeFloat64,
		"real":             schema.TypeFloat64,
		"decimal":          schema.TypeDecimal,
		"numeric":          schema.TypeDecimal,
		"money":            schema.TypeDecimal,
		"smallmoney":       schema.TypeDecimal,
		"char":             schema.TypeString,
		"varchar":          schema.TypeString,
		"nchar":            schema.TypeString,
		"nvarchar":         schema.TypeString,
		"text":             schema.TypeString,
		"ntext":            schema.TypeString,
		"xml":              schema.TypeString,
		"binary":           schema.TypeBytes,
		"varbinary":        schema.TypeBytes,
		"image":            schema.TypeBytes,
		"date":             schema.TypeTime,
		"datetime":         schema.TypeTime,
		"datetime2":        schema.TypeTime,
		"smalldatetime":    schema.TypeTime,
		"datetimeoffset":   schema.TypeTime,
		"time":             schema.TypeString,
		"uniqueidentifier": schema.TypeUUID,
	}, nil),
}

func (Dialect) Name() string {
	return "mssql"
}

func (Dialect) Quote(ident string) string {
	return provider.QuoteWith(ident, '[', ']')
}

func (d Dialect) QualifiedName(schemaName, name string) string {
	if schemaName == "" {
		return d.Quote(name)
	}
	return d.Quote(schemaName) + "." + d.Quote(name)
}

func (Dialect) Placeholder(n int) string {
	return fmt.Sprintf("@p%d", n)
}

func (Dialect) ColumnType(c schema.Column) string {
	switch c.Type {
	case schema.TypeInt64:
		return "BIGINT"
	case schema.TypeFloat64:
		return "FLOAT"
	case schema.TypeBool:
		return "BIT"
	case schema.TypeTime:
		return "DATETIME2"
	case schema.TypeDecimal:
		return "DECIMAL(38,10)"
	case schema.TypeUUID:
		return "UNIQUEIDENTIFIER"
	case schema.TypeBytes:
		if c.MaxLength > 0 && c.MaxLength <= 8000 {
			return fmt.Sprintf("VARBINARY(%d)", c.MaxLength)
		}
		return "VARBINARY(MAX)"
	default:
		if c.MaxLength > 0 && c.MaxLength <= capabilities.MaxStringLength {
			return fmt.Sprintf("NVARCHAR(%d)", c.MaxLength)
		}
		return "NVARCHAR(MAX)"
	}
}

func literal(s string) string {
	return "N'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (Dialect) CreateTableIfNotExists(table string, columns []string, primaryKey []string) string {
	return fmt.Sprintf("IF OBJECT_ID(%s, N'U') IS NULL\nCREATE TABLE %s (\n\t%s,\n\tPRIMARY KEY (%s)\n)",
		literal(table), table, strings.Join(columns, ",\n\t"), provider.QuoteAll(Dialect{}, primaryKey))
}

func (Dialect) DropTableIfExists(table string) string {
	return "DROP TABLE IF EXISTS " + table
}

// CreateTriggers installs statement-level AFTER triggers. Every row touched
// by one statement shares one counter value; the MERGE upserts their
// tracking rows.
func (d Dialect) CreateTriggers(t *schema.Table) []string {
	q := d.Quote
	base := d.QualifiedName(t.SchemaName, t.Name)
	tracking := d.QualifiedName(t.SchemaName, provider.TrackingName(t.Name))
	counter := d.QualifiedName("", provider.TimestampTable)

	pks := make([]string, len(t.PrimaryKeys))
	on := make([]string, len(t.PrimaryKeys))
	src := make([]string, len(t.PrimaryKeys))
	for i, c := range t.PrimaryKeys {
		pks[i] = q(c)
		on[i] = fmt.Sprintf("[side].%s = [src].%s", q(c), q(c))
		src[i] = "[src]." + q(c)
	}
	cols := provider.QuoteAll(d, append(append([]string{}, t.PrimaryKeys...),
		provider.ColUpdateScopeID, provider.ColUpdateTimestamp, provider.ColCreateTimestamp,
		provider.ColIsTombstone, provider.ColLastChangeDatetime))

	trigger := func(event, pseudo, create, tombstone string, matched []string) string {
		return fmt.Sprintf(`CREATE TRIGGER %s ON %s AFTER %s AS
BEGIN
	SET NOCOUNT ON;
	IF NOT EXISTS (SELECT 1 FROM %s) RETURN;
	DECLARE @ts BIGINT;
	UPDATE %s SET @ts = %s = %s + 1 WHERE %s = 1;
	MERGE %s AS [side]
	USING (SELECT %s FROM %s) AS [src]
	ON %s
	WHEN MATCHED THEN UPDATE SET %s
	WHEN NOT MATCHED THEN INSERT (%s)
	VALUES (%s, NULL, @ts, %s, %s, SYSUTCDATETIME());
END`, d.QualifiedName(t.SchemaName, provider.TriggerName(t.Name, strings.ToLower(event))), base, event,
			pseudo,
			counter, q("value"), q("value"), q("id"),
			tracking,
			strings.Join(pks, ", "), pseudo,
			strings.Join(on, " AND "),
			strings.Join(matched, ", "),
			cols,
			strings.Join(src, ", "), create, tombstone)
	}

	set := func(col, value string) string {
		return q(col) + " = " + value
	}
	return []string{
		trigger("INSERT", "inserted", "@ts", "0", []string{
			set(provider.ColUpdateScopeID, "NULL"),
			set(provider.ColUpdateTimestamp, "@ts"),
			set(provider.ColCreateTimestamp, "@ts"),
			set(provider.ColIsTombstone, "0"),
			set(provider.ColLastChangeDatetime, "SYSUTCDATETIME()"),
		}),
		trigger("UPDATE", "inserted", "0", "0", []string{
			set(provider.ColUpdateScopeID, "NULL"),
			set(provider.ColUpdateTimestamp, "@ts"),
			set(provider.ColIsTombstone, "0"),
			set(provider.ColLastChangeDatetime, "SYSUTCDATETIME()"),
		}),
		trigger("DELETE", "deleted", "0", "1", []string{
			set(provider.ColUpdateScopeID, "NULL"),
			set(provider.ColUpdateTimestamp, "@ts"),
			set(provider.ColIsTombstone, "1"),
			set(provider.ColLastChangeDatetime, "SYSUTCDATETIME()"),
		}),
	}
}

func (d Dialect) DropTriggers(t *schema.Table) []string {
	var stmts []string
	for _, event := range []string{"insert", "update", "delete"} {
		stmts = append(stmts, "DROP TRIGGER IF EXISTS "+d.QualifiedName(t.SchemaName, provider.TriggerName(t.Name, event)))
	}
	return stmts
}

func (Dialect) TableExists(ctx context.Context, q changes.Querier, schemaName, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES
WHERE TABLE_SCHEMA = COALESCE(NULLIF(@p1, ''), SCHEMA_NAME()) AND TABLE_NAME = @p2`, schemaName, name).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DescribeTable reads columns and the primary key from INFORMATION_SCHEMA
// and foreign keys from the sys catalog.
func (d Dialect) DescribeTable(ctx context.Context, q changes.Querier, schemaName, name string) (*schema.Table, error) {
	rows, err := q.QueryContext(ctx, `SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE, CHARACTER_MAXIMUM_LENGTH
FROM INFORMATION_SCHEMA.COLUMNS
WHERE TABLE_SCHEMA = COALESCE(NULLIF(@p1, ''), SCHEMA_NAME()) AND TABLE_NAME = @p2
ORDER BY ORDINAL_POSITION`, schemaName, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	t := &schema.Table{Name: name, SchemaName: schemaName}
	for rows.Next() {
		var (
			col      schema.Column
			nullable string
			maxLen   sql.NullInt64
		)
		if err := rows.Scan(&col.Name, &col.DBType, &nullable, &maxLen); err != nil {
			return nil, err
		}
		typ, err := capabilities.Types.Lookup(col.DBType)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col.Name, err)
		}
		col.Type = typ
		col.Nullable = nullable == "YES"
		// -1 means MAX.
		if maxLen.Valid && maxLen.Int64 > 0 {
			col.MaxLength = int(maxLen.Int64)
		}
		t.Columns = append(t.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(t.Columns) == 0 {
		return nil, fmt.Errorf("table %s not found", name)
	}

	pks, err := q.QueryContext(ctx, `SELECT kcu.COLUMN_NAME
FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
	ON kcu.CONSTRAINT_NAME = tc.CONSTRAINT_NAME AND kcu.TABLE_SCHEMA = tc.TABLE_SCHEMA
WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
	AND tc.TABLE_SCHEMA = COALESCE(NULLIF(@p1, ''), SCHEMA_NAME()) AND tc.TABLE_NAME = @p2
ORDER BY kcu.ORDINAL_POSITION`, schemaName, name)
	if err != nil {
		return nil, err
	}
	defer pks.Close()
	for pks.Next() {
		var col string
		if err := pks.Scan(&col); err != nil {
			return nil, err
		}
		t.PrimaryKeys = append(t.PrimaryKeys, col)
	}
	if err := pks.Err(); err != nil {
		return nil, err
	}

	fks, err := q.QueryContext(ctx, `SELECT fk.name, pc.name, SCHEMA_NAME(rt.schema_id), rt.name, rc.name
FROM sys.foreign_keys fk
JOIN sys.foreign_key_columns fkc ON fkc.constraint_object_id = fk.object_id
JOIN sys.columns pc ON pc.object_id = fkc.parent_object_id AND pc.column_id = fkc.parent_column_id
JOIN sys.tables rt ON rt.object_id = fkc.referenced_object_id
JOIN sys.columns rc ON rc.object_id = fkc.referenced_object_id AND rc.column_id = fkc.referenced_column_id
WHERE fk.parent_object_id = OBJECT_ID(@p1)
ORDER BY fk.name, fkc.constraint_column_id`, d.QualifiedName(schemaName, name))
	if err != nil {
		return nil, err
	}
	defer fks.Close()

	byName := make(map[string]int)
	for fks.Next() {
		var constraint, column, refSchema, refTable, refColumn string
		if err := fks.Scan(&constraint, &column, &refSchema, &refTable, &refColumn); err != nil {
			return nil, err
		}
		i, ok := byName[constraint]
		if !ok {
			i = len(t.Relations)
			byName[constraint] = i
			rel := schema.Relation{ParentTable: refTable}
			if schemaName != "" {
				rel.ParentSchema = refSchema
			}
			t.Relations = append(t.Relations, rel)
		}
		t.Relations[i].Columns = append(t.Relations[i].Columns, column)
		t.Relations[i].ParentColumns = append(t.Relations[i].ParentColumns, refColumn)
	}
	return t, fks.Err()
}

func (Dialect) Capabilities() *provider.Capabilities {
	return capabilities
}

// SelectionTxOptions holds the key-range lock on the counter row until the
// selection commits.
func (Dialect) SelectionTxOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelSerializable}
}

// Server error numbers.
const (
	errTimeout            = -2
	errDeadlockVictim     = 1205
	errLockRequestTimeout = 1222
	errConstraint         = 547
	errNullInsert         = 515
	errUniqueConstraint   = 2627
	errUniqueIndex        = 2601
	errTruncation         = 8152
	errTruncationDetailed = 2628
)

// ClassifyError treats deadlocks and lock timeouts as transient and
// constraint violations as data errors.
func (Dialect) ClassifyError(err error) (syncerr.Kind, int, bool) {
	var merr mssql.Error
	if !errors.As(err, &merr) {
		return 0, 0, false
	}
	number := int(merr.Number)
	switch number {
	case errTimeout, errDeadlockVictim, errLockRequestTimeout:
		return syncerr.KindTransient, number, true
	case errConstraint, errNullInsert, errUniqueConstraint, errUniqueIndex, errTruncation, errTruncationDetailed:
		return syncerr.KindData, number, true
	}
	return syncerr.KindInternal, number, true
}
