package provider

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rowsync/rowsync/internal/changes"
	"github.com/rowsync/rowsync/internal/schema"
	"github.com/rowsync/rowsync/internal/setup"
	"github.com/rowsync/rowsync/internal/syncerr"
)

// sideAlias is the alias of the tracking table in change queries.
const sideAlias = "side"

// sqlTable implements changes.TableAccessor with portable SQL rendered
// through a Dialect.
type sqlTable struct {
	d        Dialect
	table    *schema.Table
	base     string
	alias    string
	side     string
	tracking string
}

func newSQLTable(d Dialect, t *schema.Table) *sqlTable {
	return &sqlTable{
		d:        d,
		table:    t,
		base:     d.QualifiedName(t.SchemaName, t.Name),
		alias:    d.Quote(t.Name),
		side:     d.Quote(sideAlias),
		tracking: d.QualifiedName(t.SchemaName, TrackingName(t.Name)),
	}
}

func (a *sqlTable) Table() *schema.Table {
	return a.table
}

// queryBuilder collects bind arguments while a statement is rendered.
type queryBuilder struct {
	d    Dialect
	args []interface{}
}

func (b *queryBuilder) bind(v interface{}) string {
	b.args = append(b.args, v)
	return b.d.Placeholder(len(b.args))
}

func (a *sqlTable) ref(alias, column string) string {
	return alias + "." + a.d.Quote(column)
}

// pkMatch renders "left.pk = right.pk AND ..." for the primary key.
func (a *sqlTable) pkMatch(left, right string) string {
	parts := make([]string, len(a.table.PrimaryKeys))
	for i, pk := range a.table.PrimaryKeys {
		parts[i] = a.ref(left, pk) + " = " + a.ref(right, pk)
	}
	return strings.Join(parts, " AND ")
}

// pkWhere renders "pk = ? AND ..." binding the given values.
func (a *sqlTable) pkWhere(b *queryBuilder, pk []interface{}) (string, error) {
	if len(pk) != len(a.table.PrimaryKeys) {
		return "", fmt.Errorf("%s: got %d primary key values, want %d", a.table.FullName(), len(pk), len(a.table.PrimaryKeys))
	}
	parts := make([]string, len(pk))
	for i, name := range a.table.PrimaryKeys {
		parts[i] = a.d.Quote(name) + " = " + b.bind(pk[i])
	}
	return strings.Join(parts, " AND "), nil
}

func (a *sqlTable) orderByPK(alias string) []string {
	order := make([]string, len(a.table.PrimaryKeys))
	for i, pk := range a.table.PrimaryKeys {
		order[i] = a.ref(alias, pk)
	}
	return order
}

func (a *sqlTable) baseColumns() []string {
	cols := make([]string, len(a.table.Columns))
	for i, c := range a.table.Columns {
		cols[i] = a.ref(a.alias, c.Name)
	}
	return cols
}

// SelectChanges streams changes above the watermark.
func (a *sqlTable) SelectChanges(ctx context.Context, q changes.Querier, sel changes.Selection, fn func(*changes.Row) error) error {
	query, args, err := a.selectQuery(sel)
	if err != nil {
		return err
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to select changes from %s: %w", a.table.FullName(), err)
	}
	defer rows.Close()

	for rows.Next() {
		row, err := a.scanChange(rows, sel)
		if err != nil {
			return err
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read changes from %s: %w", a.table.FullName(), err)
	}
	return nil
}

func (a *sqlTable) selectQuery(sel changes.Selection) (string, []interface{}, error) {
	b := &queryBuilder{d: a.d}
	meta := []string{
		a.ref(a.side, ColUpdateScopeID),
		a.ref(a.side, ColUpdateTimestamp),
		a.ref(a.side, ColCreateTimestamp),
	}

	var sb strings.Builder
	var where []string

	switch {
	case sel.Tombstones:
		cols := make([]string, len(a.table.PrimaryKeys))
		for i, pk := range a.table.PrimaryKeys {
			cols[i] = a.ref(a.side, pk)
		}
		fmt.Fprintf(&sb, "SELECT %s FROM %s %s",
			strings.Join(append(cols, meta...), ", "), a.tracking, a.side)
		where = append(where,
			a.ref(a.side, ColIsTombstone)+" = 1",
			a.ref(a.side, ColUpdateTimestamp)+" > "+b.bind(sel.Watermark))

	case sel.IsNew:
		fmt.Fprintf(&sb, "SELECT %s FROM %s %s LEFT JOIN %s %s ON %s",
			strings.Join(append(a.baseColumns(), meta...), ", "),
			a.base, a.alias, a.tracking, a.side, a.pkMatch(a.side, a.alias))

	default:
		fmt.Fprintf(&sb, "SELECT %s FROM %s %s INNER JOIN %s %s ON %s",
			strings.Join(append(a.baseColumns(), meta...), ", "),
			a.tracking, a.side, a.base, a.alias, a.pkMatch(a.alias, a.side))
		where = append(where,
			a.ref(a.side, ColIsTombstone)+" = 0",
			a.ref(a.side, ColUpdateTimestamp)+" > "+b.bind(sel.Watermark))
	}

	if sel.ExcludeScopeID != "" {
		where = append(where, fmt.Sprintf("(%s IS NULL OR %s <> %s)",
			a.ref(a.side, ColUpdateScopeID), a.ref(a.side, ColUpdateScopeID), b.bind(sel.ExcludeScopeID)))
	}

	if sel.Filter != nil && !sel.Tombstones {
		joins, preds, err := a.filterClauses(b, sel.Filter, sel.Parameters)
		if err != nil {
			return "", nil, err
		}
		sb.WriteString(joins)
		where = append(where, preds...)
	}

	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}

	var order []string
	switch {
	case sel.Tombstones:
		order = append([]string{a.ref(a.side, ColUpdateTimestamp)}, a.orderByPK(a.side)...)
	case sel.IsNew:
		order = append([]string{"COALESCE(" + a.ref(a.side, ColUpdateTimestamp) + ", 0)"}, a.orderByPK(a.alias)...)
	default:
		order = append([]string{a.ref(a.side, ColUpdateTimestamp)}, a.orderByPK(a.side)...)
	}
	sb.WriteString(" ORDER BY ")
	sb.WriteString(strings.Join(order, ", "))

	return sb.String(), b.args, nil
}

// filterClauses renders the joins and predicates of a filter. Parameter
// names match case-insensitively. A where whose parameter is null places no
// restriction; a parameter with no bound value is an error.
func (a *sqlTable) filterClauses(b *queryBuilder, f *setup.SetupFilter, params map[string]interface{}) (string, []string, error) {
	var joins strings.Builder
	for _, j := range f.Joins {
		kind := "INNER JOIN"
		switch j.Kind {
		case setup.LeftJoin:
			kind = "LEFT JOIN"
		case setup.RightJoin:
			kind = "RIGHT JOIN"
		case setup.OuterJoin:
			kind = "FULL OUTER JOIN"
		}
		fmt.Fprintf(&joins, " %s %s %s ON %s = %s", kind,
			a.d.QualifiedName(j.SchemaName, j.TableName), a.d.Quote(j.TableName),
			a.ref(a.d.Quote(j.LeftTableName), j.LeftColumnName),
			a.ref(a.d.Quote(j.RightTableName), j.RightColumnName))
	}

	var preds []string
	for _, w := range f.Wheres {
		v, err := filterParam(f, params, w.ParameterName)
		if err != nil {
			return "", nil, err
		}
		if v == nil {
			continue
		}
		alias := a.alias
		if w.TableName != "" {
			alias = a.d.Quote(w.TableName)
		}
		preds = append(preds, a.ref(alias, w.ColumnName)+" = "+b.bind(v))
	}
	for _, clause := range f.CustomWheres {
		values := make(map[string]interface{})
		for _, name := range setup.CustomParameterNames(clause) {
			v, err := filterParam(f, params, name)
			if err != nil {
				return "", nil, err
			}
			values[name] = v
		}
		rendered := setup.ReplaceCustomParameters(clause, func(name string) string {
			return b.bind(values[name])
		})
		preds = append(preds, "("+rendered+")")
	}
	return joins.String(), preds, nil
}

func filterParam(f *setup.SetupFilter, params map[string]interface{}, name string) (interface{}, error) {
	if v, ok := params[name]; ok {
		return v, nil
	}
	for k, v := range params {
		if schema.EqualNames(k, name) {
			return v, nil
		}
	}
	return nil, syncerr.Errorf(syncerr.ErrMissingFilterParameter, "table %s has no value for parameter %s", f.TableName, name)
}

func (a *sqlTable) scanChange(rows *sql.Rows, sel changes.Selection) (*changes.Row, error) {
	var (
		scopeID  sql.NullString
		updateTS sql.NullInt64
		createTS sql.NullInt64
	)
	values := make([]interface{}, len(a.table.Columns))
	var raw []interface{}
	if sel.Tombstones {
		raw = make([]interface{}, len(a.table.PrimaryKeys))
	} else {
		raw = make([]interface{}, len(a.table.Columns))
	}
	dest := make([]interface{}, 0, len(raw)+3)
	for i := range raw {
		dest = append(dest, &raw[i])
	}
	dest = append(dest, &scopeID, &updateTS, &createTS)
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("failed to scan change from %s: %w", a.table.FullName(), err)
	}

	if sel.Tombstones {
		for i, ci := range a.table.PrimaryKeyIndexes() {
			v, err := a.table.Columns[ci].Type.Normalize(raw[i])
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", a.table.FullName(), a.table.Columns[ci].Name, err)
			}
			values[ci] = v
		}
	} else {
		for i, c := range a.table.Columns {
			v, err := c.Type.Normalize(raw[i])
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", a.table.FullName(), c.Name, err)
			}
			values[i] = v
		}
	}

	row := &changes.Row{
		Values:          values,
		UpdateScopeID:   scopeID.String,
		UpdateTimestamp: updateTS.Int64,
		CreateTimestamp: createTS.Int64,
	}
	switch {
	case sel.Tombstones:
		row.State = changes.StateDeleted
	case sel.IsNew || createTS.Int64 > sel.Watermark:
		row.State = changes.StateInserted
	default:
		row.State = changes.StateModified
	}
	return row, nil
}

// GetRow reads the base row and the tracking entry of a primary key.
func (a *sqlTable) GetRow(ctx context.Context, q changes.Querier, pk []interface{}) (*changes.LocalRow, error) {
	local := &changes.LocalRow{}

	b := &queryBuilder{d: a.d}
	where, err := a.pkWhere(b, pk)
	if err != nil {
		return nil, err
	}
	cols := make([]string, len(a.table.Columns))
	for i, c := range a.table.Columns {
		cols[i] = a.d.Quote(c.Name)
	}
	raw := make([]interface{}, len(cols))
	dest := make([]interface{}, len(cols))
	for i := range raw {
		dest[i] = &raw[i]
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(cols, ", "), a.base, where)
	switch err := q.QueryRowContext(ctx, query, b.args...).Scan(dest...); {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("failed to read %s row: %w", a.table.FullName(), err)
	default:
		local.Exists = true
		local.Values = make([]interface{}, len(raw))
		for i, c := range a.table.Columns {
			v, err := c.Type.Normalize(raw[i])
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", a.table.FullName(), c.Name, err)
			}
			local.Values[i] = v
		}
	}

	b = &queryBuilder{d: a.d}
	where, _ = a.pkWhere(b, pk)
	query = fmt.Sprintf("SELECT %s, %s, %s, %s FROM %s WHERE %s",
		a.d.Quote(ColUpdateScopeID), a.d.Quote(ColUpdateTimestamp), a.d.Quote(ColCreateTimestamp), a.d.Quote(ColIsTombstone),
		a.tracking, where)
	var (
		scopeID   sql.NullString
		updateTS  sql.NullInt64
		createTS  sql.NullInt64
		tombstone sql.NullInt64
	)
	switch err := q.QueryRowContext(ctx, query, b.args...).Scan(&scopeID, &updateTS, &createTS, &tombstone); {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("failed to read %s tracking row: %w", a.table.FullName(), err)
	default:
		local.Tracked = true
		local.UpdateScopeID = scopeID.String
		local.UpdateTimestamp = updateTS.Int64
		local.CreateTimestamp = createTS.Int64
		local.IsTombstone = tombstone.Int64 != 0
	}

	if !local.Exists && !local.Tracked {
		return nil, nil
	}
	return local, nil
}

func (a *sqlTable) InsertRow(ctx context.Context, q changes.Querier, values []interface{}) error {
	if len(values) != len(a.table.Columns) {
		return fmt.Errorf("%s: got %d values, want %d", a.table.FullName(), len(values), len(a.table.Columns))
	}
	b := &queryBuilder{d: a.d}
	cols := make([]string, len(a.table.Columns))
	marks := make([]string, len(a.table.Columns))
	for i, c := range a.table.Columns {
		cols[i] = a.d.Quote(c.Name)
		marks[i] = b.bind(values[i])
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", a.base, strings.Join(cols, ", "), strings.Join(marks, ", "))
	if _, err := q.ExecContext(ctx, query, b.args...); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", a.table.FullName(), err)
	}
	return nil
}

func (a *sqlTable) UpdateRow(ctx context.Context, q changes.Querier, values []interface{}) error {
	if len(values) != len(a.table.Columns) {
		return fmt.Errorf("%s: got %d values, want %d", a.table.FullName(), len(values), len(a.table.Columns))
	}
	b := &queryBuilder{d: a.d}
	var sets []string
	for i, c := range a.table.Columns {
		if a.table.IsPrimaryKey(c.Name) {
			continue
		}
		sets = append(sets, a.d.Quote(c.Name)+" = "+b.bind(values[i]))
	}
	if len(sets) == 0 {
		return nil
	}
	pk := (&changes.Row{Values: values}).PrimaryKey(a.table)
	where, err := a.pkWhere(b, pk)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", a.base, strings.Join(sets, ", "), where)
	if _, err := q.ExecContext(ctx, query, b.args...); err != nil {
		return fmt.Errorf("failed to update %s: %w", a.table.FullName(), err)
	}
	return nil
}

func (a *sqlTable) DeleteRow(ctx context.Context, q changes.Querier, pk []interface{}) error {
	b := &queryBuilder{d: a.d}
	where, err := a.pkWhere(b, pk)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", a.base, where)
	if _, err := q.ExecContext(ctx, query, b.args...); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", a.table.FullName(), err)
	}
	return nil
}

func (a *sqlTable) TagRow(ctx context.Context, q changes.Querier, pk []interface{}, scopeID string) error {
	b := &queryBuilder{d: a.d}
	var tag interface{}
	if scopeID != "" {
		tag = scopeID
	}
	set := a.d.Quote(ColUpdateScopeID) + " = " + b.bind(tag)
	where, err := a.pkWhere(b, pk)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", a.tracking, set, where)
	if _, err := q.ExecContext(ctx, query, b.args...); err != nil {
		return fmt.Errorf("failed to tag %s tracking row: %w", a.table.FullName(), err)
	}
	return nil
}
