package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/rowsync/rowsync/internal/changes"
	"github.com/rowsync/rowsync/internal/provider"
	"github.com/rowsync/rowsync/internal/schema"
	"github.com/rowsync/rowsync/internal/syncerr"
)

// Dialect renders MySQL SQL. A schema name is a database name.
type Dialect struct{}

var capabilities = &provider.Capabilities{
	Name:                "mysql",
	CanBeServer:         true,
	SupportsSchemas:     false,
	MaxIdentifierLength: 64,
	MaxStringLength:     16383,
	Types: schema.NewTypeMap(map[string]schema.LogicalType{
		"tinyint":    schema.TypeInt64,
		"smallint":   schema.TypeInt64,
		"mediumint":  schema.TypeInt64,
		"int":        schema.TypeInt64,
		"integer":    schema.TypeInt64,
		"bigint":     schema.TypeInt64,
		"year":       schema.TypeInt64,
		"bit":        schema.TypeBool,
		"bool":       schema.TypeBool,
		"boolean":    schema.TypeBool,
		"float":      schema.TypeFloat64,
		"double":     schema.TypeFloat64,
		"real":       schema.TypeFloat64,
		"decimal":    schema.TypeDecimal,
		"numeric":    schema.TypeDecimal,
		"char":       schema.TypeString,
		"varchar":    schema.TypeString,
		"tinytext":   schema.TypeString,
		"text":       schema.TypeString,
		"mediumtext": schema.TypeString,
		"longtext":   schema.TypeString,
		"enum":       schema.TypeString,
		"set":        schema.TypeString,
		"json":       schema.TypeString,
		"binary":     schema.TypeBytes,
		"varbinary":  schema.TypeBytes,
		"tinyblob":   schema.TypeBytes,
		"blob":       schema.TypeBytes,
		"mediumblob": schema.TypeBytes,
		"longblob":   schema.TypeBytes,
		"date":       schema.TypeTime,
		"datetime":   schema.TypeTime,
		"timestamp":  schema.TypeTime,
		"time":       schema.TypeString,
	}, nil),
}

func (Dialect) Name() string {
	return "mysql"
}

func (Dialect) Quote(ident string) string {
	return provider.QuoteWith(ident, '`', '`')
}

func (d Dialect) QualifiedName(schemaName, name string) string {
	if schemaName == "" {
		return d.Quote(name)
	}
	return d.Quote(schemaName) + "." + d.Quote(name)
}

func (Dialect) Placeholder(int) string {
	return "?"
}

func (Dialect) ColumnType(c schema.Column) string {
	switch c.Type {
	case schema.TypeInt64:
		return "BIGINT"
	case schema.TypeFloat64:
		return "DOUBLE"
	case schema.TypeBool:
		return "TINYINT(1)"
	case schema.TypeTime:
		return "DATETIME(6)"
	case schema.TypeDecimal:
		return "DECIMAL(38,10)"
	case schema.TypeUUID:
		return "CHAR(36)"
	case schema.TypeBytes:
		if c.MaxLength > 0 && c.MaxLength <= 65535 {
			return fmt.Sprintf("VARBINARY(%d)", c.MaxLength)
		}
		return "LONGBLOB"
	default:
		if c.MaxLength > 0 && c.MaxLength <= capabilities.MaxStringLength {
			return fmt.Sprintf("VARCHAR(%d)", c.MaxLength)
		}
		return "LONGTEXT"
	}
}

func (Dialect) CreateTableIfNotExists(table string, columns []string, primaryKey []string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s,\n\tPRIMARY KEY (%s)\n) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
		table, strings.Join(columns, ",\n\t"), provider.QuoteAll(Dialect{}, primaryKey))
}

func (Dialect) DropTableIfExists(table string) string {
	return "DROP TABLE IF EXISTS " + table
}

// CreateTriggers installs AFTER triggers that bump the change counter under
// its row lock and upsert the tracking row.
func (d Dialect) CreateTriggers(t *schema.Table) []string {
	q := d.Quote
	base := d.QualifiedName(t.SchemaName, t.Name)
	tracking := d.QualifiedName(t.SchemaName, provider.TrackingName(t.Name))
	counter := d.QualifiedName("", provider.TimestampTable)

	cols := provider.QuoteAll(d, append(append([]string{}, t.PrimaryKeys...),
		provider.ColUpdateScopeID, provider.ColUpdateTimestamp, provider.ColCreateTimestamp,
		provider.ColIsTombstone, provider.ColLastChangeDatetime))

	refs := func(row string) string {
		r := make([]string, len(t.PrimaryKeys))
		for i, c := range t.PrimaryKeys {
			r[i] = row + "." + q(c)
		}
		return strings.Join(r, ", ")
	}
	values := func(c string) string {
		return fmt.Sprintf("%s = VALUES(%s)", q(c), q(c))
	}

	trigger := func(event, row, create, tombstone string, onDuplicate []string) string {
		return fmt.Sprintf(`CREATE TRIGGER %s AFTER %s ON %s FOR EACH ROW
BEGIN
	DECLARE ts BIGINT;
	UPDATE %s SET %s = %s + 1 WHERE %s = 1;
	SELECT %s INTO ts FROM %s WHERE %s = 1;
	INSERT INTO %s (%s)
	VALUES (%s, NULL, ts, %s, %s, UTC_TIMESTAMP(6))
	ON DUPLICATE KEY UPDATE %s;
END`, d.QualifiedName(t.SchemaName, provider.TriggerName(t.Name, strings.ToLower(event))), event, base,
			counter, q("value"), q("value"), q("id"),
			q("value"), counter, q("id"),
			tracking, cols, refs(row), create, tombstone, strings.Join(onDuplicate, ", "))
	}

	scopeNull := q(provider.ColUpdateScopeID) + " = NULL"
	return []string{
		trigger("INSERT", "NEW", "ts", "0", []string{
			scopeNull,
			values(provider.ColUpdateTimestamp),
			values(provider.ColCreateTimestamp),
			q(provider.ColIsTombstone) + " = 0",
			values(provider.ColLastChangeDatetime),
		}),
		trigger("UPDATE", "NEW", "0", "0", []string{
			scopeNull,
			values(provider.ColUpdateTimestamp),
			q(provider.ColIsTombstone) + " = 0",
			values(provider.ColLastChangeDatetime),
		}),
		trigger("DELETE", "OLD", "0", "1", []string{
			scopeNull,
			values(provider.ColUpdateTimestamp),
			q(provider.ColIsTombstone) + " = 1",
			values(provider.ColLastChangeDatetime),
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
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM information_schema.tables
WHERE table_schema = COALESCE(NULLIF(?, ''), DATABASE()) AND table_name = ?`, schemaName, name).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DescribeTable reads the table from information_schema.
func (Dialect) DescribeTable(ctx context.Context, q changes.Querier, schemaName, name string) (*schema.Table, error) {
	rows, err := q.QueryContext(ctx, `SELECT column_name, data_type, column_type, is_nullable, character_maximum_length
FROM information_schema.columns
WHERE table_schema = COALESCE(NULLIF(?, ''), DATABASE()) AND table_name = ?
ORDER BY ordinal_position`, schemaName, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	t := &schema.Table{Name: name, SchemaName: schemaName}
	for rows.Next() {
		var (
			col      schema.Column
			dataType string
			nullable string
			maxLen   sql.NullInt64
		)
		if err := rows.Scan(&col.Name, &dataType, &col.DBType, &nullable, &maxLen); err != nil {
			return nil, err
		}
		if strings.EqualFold(col.DBType, "tinyint(1)") {
			col.Type = schema.TypeBool
		} else {
			typ, err := capabilities.Types.Lookup(dataType)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", col.Name, err)
			}
			col.Type = typ
		}
		col.Nullable = nullable == "YES"
		if maxLen.Valid && maxLen.Int64 <= int64(capabilities.MaxStringLength) {
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

	keys, err := q.QueryContext(ctx, `SELECT constraint_name, column_name, referenced_table_schema, referenced_table_name, referenced_column_name
FROM information_schema.key_column_usage
WHERE table_schema = COALESCE(NULLIF(?, ''), DATABASE()) AND table_name = ?
ORDER BY constraint_name, ordinal_position`, schemaName, name)
	if err != nil {
		return nil, err
	}
	defer keys.Close()

	byName := make(map[string]int)
	for keys.Next() {
		var (
			constraint, column                 string
			refSchema, refTable, refColumnName sql.NullString
		)
		if err := keys.Scan(&constraint, &column, &refSchema, &refTable, &refColumnName); err != nil {
			return nil, err
		}
		switch {
		case constraint == "PRIMARY":
			t.PrimaryKeys = append(t.PrimaryKeys, column)
		case refTable.Valid:
			i, ok := byName[constraint]
			if !ok {
				i = len(t.Relations)
				byName[constraint] = i
				rel := schema.Relation{ParentTable: refTable.String}
				if schemaName != "" {
					rel.ParentSchema = refSchema.String
				}
				t.Relations = append(t.Relations, rel)
			}
			t.Relations[i].Columns = append(t.Relations[i].Columns, column)
			t.Relations[i].ParentColumns = append(t.Relations[i].ParentColumns, refColumnName.String)
		}
	}
	return t, keys.Err()
}

func (Dialect) Capabilities() *provider.Capabilities {
	return capabilities
}

// SelectionTxOptions makes every read in the selection transaction a
// locking read, so the counter row stays locked until the commit.
func (Dialect) SelectionTxOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelSerializable}
}

// Server error numbers.
const (
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
	errDuplicateEntry  = 1062
	errRowIsReferenced = 1451
	errNoReferencedRow = 1452
	errBadNull         = 1048
	errDataTooLong     = 1406
	errTruncatedValue  = 1366
	errOutOfRange      = 1264
)

// ClassifyError treats lock waits and deadlocks as transient and
// constraint violations as data errors.
func (Dialect) ClassifyError(err error) (syncerr.Kind, int, bool) {
	if errors.Is(err, mysql.ErrInvalidConn) {
		return syncerr.KindTransient, 0, true
	}
	var merr *mysql.MySQLError
	if !errors.As(err, &merr) {
		return 0, 0, false
	}
	number := int(merr.Number)
	switch merr.Number {
	case errLockWaitTimeout, errDeadlock:
		return syncerr.KindTransient, number, true
	case errDuplicateEntry, errRowIsReferenced, errNoReferencedRow, errBadNull, errDataTooLong, errTruncatedValue, errOutOfRange:
		return syncerr.KindData, number, true
	}
	return syncerr.KindInternal, number, true
}
