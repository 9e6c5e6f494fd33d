package schema

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rowsync/rowsync/internal/syncerr"
)

func table(name string, parents ...string) *Table {
	t := &Table{
		Name:        name,
		Columns:     []Column{{Name: "id", Type: TypeInt64}, {Name: "parent_id", Type: TypeInt64, Nullable: true}},
		PrimaryKeys: []string{"id"},
	}
	for _, p := range parents {
		t.Relations = append(t.Relations, Relation{
			Columns:       []string{"parent_id"},
			ParentTable:   p,
			ParentColumns: []string{"id"},
		})
	}
	return t
}

func names(tables []*Table) []string {
	out := make([]string, len(tables))
	for i, t := range tables {
		out[i] = t.Name
	}
	return out
}

func TestOrderedParentsFirst(t *testing.T) {
	s := &Schema{Tables: []*Table{
		table("order_lines", "orders", "products"),
		table("orders", "customers"),
		table("products"),
		table("customers"),
	}}

	ordered, err := s.Ordered()
	if err != nil {
		t.Fatalf("Ordered() error = %v", err)
	}

	pos := make(map[string]int)
	for i, name := range names(ordered) {
		pos[name] = i
	}
	if pos["customers"] > pos["orders"] {
		t.Errorf("customers must come before orders: %v", names(ordered))
	}
	if pos["orders"] > pos["order_lines"] || pos["products"] > pos["order_lines"] {
		t.Errorf("order_lines must come last: %v", names(ordered))
	}
}

func TestOrderedKeepsDeclaredOrderWithoutRelations(t *testing.T) {
	s := &Schema{Tables: []*Table{table("b"), table("a"), table("c")}}
	ordered, err := s.Ordered()
	if err != nil {
		t.Fatalf("Ordered() error = %v", err)
	}
	got := names(ordered)
	want := []string{"b", "a", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Ordered() = %v, want %v", got, want)
		}
	}
}

func TestOrderedIgnoresSelfAndExternalRelations(t *testing.T) {
	s := &Schema{Tables: []*Table{table("employees", "employees", "departments")}}
	if _, err := s.Ordered(); err != nil {
		t.Fatalf("Ordered() error = %v", err)
	}
}

func TestOrderedDetectsCycle(t *testing.T) {
	s := &Schema{Tables: []*Table{table("a", "b"), table("b", "a")}}
	if _, err := s.Ordered(); err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestTableLookupIsCaseInsensitive(t *testing.T) {
	s := &Schema{Tables: []*Table{{Name: "Customers", SchemaName: "dbo"}}}
	if s.Table("customers", "") == nil {
		t.Error("expected case-insensitive match")
	}
	if s.Table("customers", "sales") != nil {
		t.Error("schema name should be compared")
	}

	SetCaseSensitive(true)
	defer SetCaseSensitive(false)
	if s.Table("customers", "") != nil {
		t.Error("expected case-sensitive miss")
	}
}

func TestProjectKeepsPrimaryKey(t *testing.T) {
	tbl := &Table{
		Name: "customers",
		Columns: []Column{
			{Name: "id", Type: TypeInt64},
			{Name: "name", Type: TypeString},
			{Name: "email", Type: TypeString},
		},
		PrimaryKeys: []string{"id"},
	}

	p, err := tbl.Project([]string{"email"})
	if err != nil {
		t.Fatalf("Project() error = %v", err)
	}
	if len(p.Columns) != 2 || p.Columns[0].Name != "id" || p.Columns[1].Name != "email" {
		t.Errorf("Project() columns = %+v", p.Columns)
	}

	all, _ := tbl.Project(nil)
	if len(all.Columns) != 3 {
		t.Errorf("wildcard projection kept %d columns, want 3", len(all.Columns))
	}

	if _, err := tbl.Project([]string{"missing"}); err == nil {
		t.Error("expected error for unknown column")
	}
}

func TestValidate(t *testing.T) {
	tbl := &Table{Name: "t", Columns: []Column{{Name: "id", Type: TypeInt64}}}
	if err := tbl.Validate(); err == nil {
		t.Error("expected missing primary key error")
	}
	tbl.PrimaryKeys = []string{"id"}
	if err := tbl.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	tbl.Columns = append(tbl.Columns, Column{Name: "ID", Type: TypeString})
	if err := tbl.Validate(); err == nil {
		t.Error("expected duplicate column error")
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		typ  LogicalType
		in   interface{}
		want interface{}
	}{
		{TypeInt64, []byte("42"), int64(42)},
		{TypeInt64, int32(7), int64(7)},
		{TypeInt64, json.Number("9"), int64(9)},
		{TypeFloat64, "1.5", 1.5},
		{TypeString, []byte("abc"), "abc"},
		{TypeDecimal, json.Number("10.25"), "10.25"},
		{TypeBool, int64(1), true},
		{TypeBool, []byte("false"), false},
		{TypeInt64, nil, nil},
	}

	for _, tt := range tests {
		got, err := tt.typ.Normalize(tt.in)
		if err != nil {
			t.Errorf("%s.Normalize(%v) error = %v", tt.typ, tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s.Normalize(%v) = %v (%T), want %v (%T)", tt.typ, tt.in, got, got, tt.want, tt.want)
		}
	}
}

func TestNormalizeTime(t *testing.T) {
	got, err := TypeTime.Normalize("2024-03-01 10:20:30")
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	want := time.Date(2024, 3, 1, 10, 20, 30, 0, time.UTC)
	if !got.(time.Time).Equal(want) {
		t.Errorf("Normalize() = %v, want %v", got, want)
	}
}

func TestDecodeJSONBytes(t *testing.T) {
	got, err := TypeBytes.DecodeJSON("aGVsbG8=")
	if err != nil {
		t.Fatalf("DecodeJSON() error = %v", err)
	}
	if string(got.([]byte)) != "hello" {
		t.Errorf("DecodeJSON() = %q, want hello", got)
	}
}

func TestTypeMap(t *testing.T) {
	m := NewTypeMap(map[string]LogicalType{"VARCHAR": TypeString, "int": TypeInt64}, func(base string) (LogicalType, bool) {
		if base == "mystery" {
			return TypeBytes, true
		}
		return "", false
	})

	if got, err := m.Lookup("varchar(255)"); err != nil || got != TypeString {
		t.Errorf("Lookup(varchar(255)) = %v, %v", got, err)
	}
	if got, err := m.Lookup("INT UNSIGNED"); err != nil || got != TypeInt64 {
		t.Errorf("Lookup(INT UNSIGNED) = %v, %v", got, err)
	}
	if got, err := m.Lookup("mystery"); err != nil || got != TypeBytes {
		t.Errorf("Lookup(mystery) = %v, %v", got, err)
	}
	if _, err := m.Lookup("geometry"); !errors.Is(err, syncerr.ErrUnsupportedType) {
		t.Errorf("Lookup(geometry) error = %v, want ErrUnsupportedType", err)
	}
}
