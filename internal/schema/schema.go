// Package schema describes the tables a sync scope covers.
//
// A Schema is captured from the server database when a scope is provisioned
// and shipped to clients, which use it to create their own tables and
// tracking objects. Column types are carried twice: the native type reported
// by the source database, and a LogicalType every provider knows how to map.
//
// Table order matters. Ordered returns parents before children so inserts
// never violate a foreign key on the receiving side; deletes are applied in
// the reverse order.
package schema

import (
	"fmt"
	"strings"
	"sync/atomic"
)

var caseSensitive atomic.Bool

// SetCaseSensitive sets the global name comparison policy. Names are
// compared case-insensitively unless this is set.
func SetCaseSensitive(v bool) {
	caseSensitive.Store(v)
}

// EqualNames compares two table, column or parameter names under the
// global comparison policy.
func EqualNames(a, b string) bool {
	if caseSensitive.Load() {
		return a == b
	}
	return strings.EqualFold(a, b)
}

// Column describes one column of a synced table.
type Column struct {
	Name      string      `json:"name" yaml:"name" toml:"name"`
	Type      LogicalType `json:"type" yaml:"type" toml:"type"`
	DBType    string      `json:"db_type,omitempty" yaml:"db_type,omitempty" toml:"db_type,omitempty"`
	Nullable  bool        `json:"nullable,omitempty" yaml:"nullable,omitempty" toml:"nullable,omitempty"`
	MaxLength int         `json:"max_length,omitempty" yaml:"max_length,omitempty" toml:"max_length,omitempty"`
}

// Relation is a foreign key from a table to its parent.
type Relation struct {
	Columns       []string `json:"columns"`
	ParentTable   string   `json:"parent_table"`
	ParentSchema  string   `json:"parent_schema,omitempty"`
	ParentColumns []string `json:"parent_columns"`
}

// Table describes a synced table.
type Table struct {
	Name        string     `json:"name"`
	SchemaName  string     `json:"schema,omitempty"`
	Columns     []Column   `json:"columns"`
	PrimaryKeys []string   `json:"primary_keys"`
	Relations   []Relation `json:"relations,omitempty"`
}

// FullName returns schema.name, or name when the table has no schema.
func (t *Table) FullName() string {
	if t.SchemaName == "" {
		return t.Name
	}
	return t.SchemaName + "." + t.Name
}

// Is reports whether the table is identified by name and schemaName.
// An empty schemaName matches any schema.
func (t *Table) Is(name, schemaName string) bool {
	if !EqualNames(t.Name, name) {
		return false
	}
	return schemaName == "" || t.SchemaName == "" || EqualNames(t.SchemaName, schemaName)
}

// ColumnIndex returns the position of the named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if EqualNames(c.Name, name) {
			return i
		}
	}
	return -1
}

// Column returns the named column.
func (t *Table) Column(name string) (Column, bool) {
	if i := t.ColumnIndex(name); i >= 0 {
		return t.Columns[i], true
	}
	return Column{}, false
}

// IsPrimaryKey reports whether the named column is part of the primary key.
func (t *Table) IsPrimaryKey(name string) bool {
	for _, pk := range t.PrimaryKeys {
		if EqualNames(pk, name) {
			return true
		}
	}
	return false
}

// PrimaryKeyIndexes returns the column positions of the primary key, in
// primary key order.
func (t *Table) PrimaryKeyIndexes() []int {
	idx := make([]int, 0, len(t.PrimaryKeys))
	for _, pk := range t.PrimaryKeys {
		idx = append(idx, t.ColumnIndex(pk))
	}
	return idx
}

// PrimaryKeyColumns returns the primary key columns in primary key order.
func (t *Table) PrimaryKeyColumns() []Column {
	cols := make([]Column, 0, len(t.PrimaryKeys))
	for _, i := range t.PrimaryKeyIndexes() {
		cols = append(cols, t.Columns[i])
	}
	return cols
}

// NonKeyColumns returns the columns outside the primary key.
func (t *Table) NonKeyColumns() []Column {
	var cols []Column
	for _, c := range t.Columns {
		if !t.IsPrimaryKey(c.Name) {
			cols = append(cols, c)
		}
	}
	return cols
}

// Validate checks the table is usable for sync.
func (t *Table) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("table name is required")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s has no columns", t.FullName())
	}
	if len(t.PrimaryKeys) == 0 {
		return fmt.Errorf("table %s has no primary key", t.FullName())
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		key := strings.ToLower(c.Name)
		if seen[key] {
			return fmt.Errorf("table %s has duplicate column %s", t.FullName(), c.Name)
		}
		seen[key] = true
		if !c.Type.Valid() {
			return fmt.Errorf("table %s column %s has invalid type %q", t.FullName(), c.Name, c.Type)
		}
	}
	for _, pk := range t.PrimaryKeys {
		if t.ColumnIndex(pk) < 0 {
			return fmt.Errorf("table %s primary key column %s is missing", t.FullName(), pk)
		}
	}
	return nil
}

// Project returns a copy of the table restricted to the given columns.
// Primary key columns are always kept. An empty list keeps every column.
func (t *Table) Project(columns []string) (*Table, error) {
	out := &Table{
		Name:        t.Name,
		SchemaName:  t.SchemaName,
		PrimaryKeys: append([]string(nil), t.PrimaryKeys...),
		Relations:   append([]Relation(nil), t.Relations...),
	}
	if len(columns) == 0 {
		out.Columns = append([]Column(nil), t.Columns...)
		return out, nil
	}
	for _, name := range columns {
		if t.ColumnIndex(name) < 0 {
			return nil, fmt.Errorf("table %s has no column %s", t.FullName(), name)
		}
	}
	for _, c := range t.Columns {
		keep := t.IsPrimaryKey(c.Name)
		for _, name := range columns {
			if EqualNames(c.Name, name) {
				keep = true
				break
			}
		}
		if keep {
			out.Columns = append(out.Columns, c)
		}
	}
	return out, nil
}

// Schema is the ordered set of tables in a scope.
type Schema struct {
	Tables []*Table `json:"tables"`
}

// Table returns the table with the given name, or nil.
func (s *Schema) Table(name, schemaName string) *Table {
	for _, t := range s.Tables {
		if t.Is(name, schemaName) {
			return t
		}
	}
	return nil
}

// Validate checks every table.
func (s *Schema) Validate() error {
	if len(s.Tables) == 0 {
		return fmt.Errorf("schema has no tables")
	}
	for _, t := range s.Tables {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	_, err := s.Ordered()
	return err
}

// Ordered returns the tables with every parent before its children.
// Tables without a relation keep their declared order. Relations to tables
// outside the schema and self references are ignored. A cycle is an error.
func (s *Schema) Ordered() ([]*Table, error) {
	n := len(s.Tables)
	indegree := make([]int, n)
	children := make([][]int, n)

	for i, t := range s.Tables {
		for _, rel := range t.Relations {
			for j, parent := range s.Tables {
				if i == j || !parent.Is(rel.ParentTable, rel.ParentSchema) {
					continue
				}
				children[j] = append(children[j], i)
				indegree[i]++
			}
		}
	}

	ordered := make([]*Table, 0, n)
	done := make([]bool, n)
	for len(ordered) < n {
		progressed := false
		for i := 0; i < n; i++ {
			if done[i] || indegree[i] > 0 {
				continue
			}
			done[i] = true
			ordered = append(ordered, s.Tables[i])
			for _, c := range children[i] {
				indegree[c]--
			}
			progressed = true
			break
		}
		if !progressed {
			var names []string
			for i, d := range done {
				if !d {
					names = append(names, s.Tables[i].FullName())
				}
			}
			return nil, fmt.Errorf("relation cycle between tables: %s", strings.Join(names, ", "))
		}
	}
	return ordered, nil
}
