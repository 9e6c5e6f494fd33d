package setup

import (
	"fmt"
	"regexp"

	"github.com/rowsync/rowsync/internal/schema"
	"github.com/rowsync/rowsync/internal/syncerr"
)

// JoinKind is the SQL join used by a filter.
type JoinKind string

const (
	InnerJoin JoinKind = "inner"
	LeftJoin  JoinKind = "left"
	RightJoin JoinKind = "right"
	OuterJoin JoinKind = "outer"
)

// SetupFilter restricts the rows of one table sent to a client. The
// parameters are supplied by the client at sync time.
type SetupFilter struct {
	TableName    string                 `json:"table" yaml:"table" toml:"table"`
	SchemaName   string                 `json:"schema,omitempty" yaml:"schema,omitempty" toml:"schema,omitempty"`
	Parameters   []SetupFilterParameter `json:"parameters,omitempty" yaml:"parameters,omitempty" toml:"parameters,omitempty"`
	Joins        []SetupFilterJoin      `json:"joins,omitempty" yaml:"joins,omitempty" toml:"joins,omitempty"`
	Wheres       []SetupFilterWhere     `json:"wheres,omitempty" yaml:"wheres,omitempty" toml:"wheres,omitempty"`
	CustomWheres []string               `json:"custom_wheres,omitempty" yaml:"custom_wheres,omitempty" toml:"custom_wheres,omitempty"`
}

// SetupFilterParameter declares a filter parameter. A parameter with a
// column type is virtual: it is not a tracked column and only exists as a
// value bound into the filter predicates.
type SetupFilterParameter struct {
	Name         string `json:"name" yaml:"name" toml:"name"`
	TableName    string `json:"table,omitempty" yaml:"table,omitempty" toml:"table,omitempty"`
	SchemaName   string `json:"schema,omitempty" yaml:"schema,omitempty" toml:"schema,omitempty"`
	ColumnType   string `json:"column_type,omitempty" yaml:"column_type,omitempty" toml:"column_type,omitempty"`
	AllowNull    bool   `json:"allow_null,omitempty" yaml:"allow_null,omitempty" toml:"allow_null,omitempty"`
	DefaultValue string `json:"default_value,omitempty" yaml:"default_value,omitempty" toml:"default_value,omitempty"`
}

// IsVirtual reports whether the parameter has no backing column.
func (p SetupFilterParameter) IsVirtual() bool {
	return p.ColumnType != ""
}

// SetupFilterJoin joins another table into the filter query.
type SetupFilterJoin struct {
	Kind            JoinKind `json:"kind" yaml:"kind" toml:"kind"`
	TableName       string   `json:"table" yaml:"table" toml:"table"`
	SchemaName      string   `json:"schema,omitempty" yaml:"schema,omitempty" toml:"schema,omitempty"`
	LeftTableName   string   `json:"left_table" yaml:"left_table" toml:"left_table"`
	LeftColumnName  string   `json:"left_column" yaml:"left_column" toml:"left_column"`
	RightTableName  string   `json:"right_table" yaml:"right_table" toml:"right_table"`
	RightColumnName string   `json:"right_column" yaml:"right_column" toml:"right_column"`
}

// SetupFilterWhere compares a column with a parameter value.
type SetupFilterWhere struct {
	TableName     string `json:"table" yaml:"table" toml:"table"`
	SchemaName    string `json:"schema,omitempty" yaml:"schema,omitempty" toml:"schema,omitempty"`
	ColumnName    string `json:"column" yaml:"column" toml:"column"`
	ParameterName string `json:"parameter" yaml:"parameter" toml:"parameter"`
}

// customParam matches {{name}} placeholders in custom where clauses.
var customParam = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// CustomParameterNames returns the parameters referenced by a custom where
// clause, in order of appearance.
func CustomParameterNames(clause string) []string {
	var out []string
	for _, m := range customParam.FindAllStringSubmatch(clause, -1) {
		out = append(out, m[1])
	}
	return out
}

// ReplaceCustomParameters rewrites each {{name}} placeholder with the
// result of placeholder(name).
func ReplaceCustomParameters(clause string, placeholder func(name string) string) string {
	return customParam.ReplaceAllStringFunc(clause, func(m string) string {
		return placeholder(customParam.FindStringSubmatch(m)[1])
	})
}

// Parameter returns the declared parameter with the given name.
func (f *SetupFilter) Parameter(name string) (SetupFilterParameter, bool) {
	for _, p := range f.Parameters {
		if schema.EqualNames(p.Name, name) {
			return p, true
		}
	}
	return SetupFilterParameter{}, false
}

// Validate checks joins and wheres reference declared parameters.
func (f *SetupFilter) Validate() error {
	for _, j := range f.Joins {
		switch j.Kind {
		case InnerJoin, LeftJoin, RightJoin, OuterJoin:
		default:
			return fmt.Errorf("invalid join kind %q", j.Kind)
		}
		if j.TableName == "" || j.LeftColumnName == "" || j.RightColumnName == "" {
			return fmt.Errorf("join on %s is incomplete", j.TableName)
		}
	}
	for _, w := range f.Wheres {
		if w.ColumnName == "" {
			return fmt.Errorf("where on parameter %s has no column", w.ParameterName)
		}
		if _, ok := f.Parameter(w.ParameterName); !ok {
			return fmt.Errorf("where references undeclared parameter %s", w.ParameterName)
		}
	}
	for _, c := range f.CustomWheres {
		for _, name := range CustomParameterNames(c) {
			if _, ok := f.Parameter(name); !ok {
				return fmt.Errorf("custom where references undeclared parameter %s", name)
			}
		}
	}
	return nil
}

// Bind resolves every declared parameter against the values supplied by a
// client. A missing value falls back to the default, then to NULL when the
// parameter allows it; otherwise the missing parameter is an error.
func (f *SetupFilter) Bind(values map[string]interface{}) (map[string]interface{}, error) {
	bound := make(map[string]interface{}, len(f.Parameters))
	for _, p := range f.Parameters {
		v, ok := lookup(values, p.Name)
		switch {
		case ok && v != nil:
			bound[p.Name] = v
		case p.DefaultValue != "":
			bound[p.Name] = p.DefaultValue
		case p.AllowNull:
			bound[p.Name] = nil
		default:
			return nil, syncerr.Errorf(syncerr.ErrMissingFilterParameter, "table %s requires parameter %s", f.TableName, p.Name)
		}
	}
	return bound, nil
}

func lookup(values map[string]interface{}, name string) (interface{}, bool) {
	if v, ok := values[name]; ok {
		return v, true
	}
	for k, v := range values {
		if schema.EqualNames(k, name) {
			return v, true
		}
	}
	return nil, false
}
