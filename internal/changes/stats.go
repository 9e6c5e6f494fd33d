package changes

import "github.com/rowsync/rowsync/internal/schema"

// TableChangesSelected counts the changes selected from one table.
type TableChangesSelected struct {
	TableName  string `json:"table"`
	SchemaName string `json:"schema,omitempty"`
	Upserts    int    `json:"upserts"`
	Deletes    int    `json:"deletes"`
}

// DatabaseChangesSelected counts the changes selected in one pass.
type DatabaseChangesSelected struct {
	Tables []*TableChangesSelected `json:"tables,omitempty"`
}

// Table returns the entry for a table, creating it on first use.
func (d *DatabaseChangesSelected) Table(name, schemaName string) *TableChangesSelected {
	for _, t := range d.Tables {
		if schema.EqualNames(t.TableName, name) && schema.EqualNames(t.SchemaName, schemaName) {
			return t
		}
	}
	t := &TableChangesSelected{TableName: name, SchemaName: schemaName}
	d.Tables = append(d.Tables, t)
	return t
}

// Total returns the number of selected rows.
func (d *DatabaseChangesSelected) Total() int {
	if d == nil {
		return 0
	}
	n := 0
	for _, t := range d.Tables {
		n += t.Upserts + t.Deletes
	}
	return n
}

// TableChangesApplied counts the outcome of applying one table's rows.
type TableChangesApplied struct {
	TableName  string `json:"table"`
	SchemaName string `json:"schema,omitempty"`
	Applied    int    `json:"applied"`
	Failed     int    `json:"failed"`
	// Conflicts counts resolved conflicts, whichever side won.
	Conflicts int `json:"conflicts"`
}

// FailedRow records a row that could not be applied.
type FailedRow struct {
	TableName             string        `json:"table"`
	PrimaryKey            []interface{} `json:"pk"`
	Error                 string        `json:"error"`
	DataSourceErrorNumber int           `json:"data_source_error_number,omitempty"`
}

// DatabaseChangesApplied counts the outcome of applying a batch.
type DatabaseChangesApplied struct {
	Tables     []*TableChangesApplied `json:"tables,omitempty"`
	FailedRows []FailedRow            `json:"failed_rows,omitempty"`
}

// Table returns the entry for a table, creating it on first use.
func (d *DatabaseChangesApplied) Table(name, schemaName string) *TableChangesApplied {
	for _, t := range d.Tables {
		if schema.EqualNames(t.TableName, name) && schema.EqualNames(t.SchemaName, schemaName) {
			return t
		}
	}
	t := &TableChangesApplied{TableName: name, SchemaName: schemaName}
	d.Tables = append(d.Tables, t)
	return t
}

// Add merges other into d.
func (d *DatabaseChangesApplied) Add(other *DatabaseChangesApplied) {
	if other == nil {
		return
	}
	for _, t := range other.Tables {
		mine := d.Table(t.TableName, t.SchemaName)
		mine.Applied += t.Applied
		mine.Failed += t.Failed
		mine.Conflicts += t.Conflicts
	}
	d.FailedRows = append(d.FailedRows, other.FailedRows...)
}

// TotalApplied returns the number of rows written.
func (d *DatabaseChangesApplied) TotalApplied() int {
	if d == nil {
		return 0
	}
	n := 0
	for _, t := range d.Tables {
		n += t.Applied
	}
	return n
}

// TotalFailed returns the number of rows that failed.
func (d *DatabaseChangesApplied) TotalFailed() int {
	if d == nil {
		return 0
	}
	n := 0
	for _, t := range d.Tables {
		n += t.Failed
	}
	return n
}

// TotalConflicts returns the number of resolved conflicts.
func (d *DatabaseChangesApplied) TotalConflicts() int {
	if d == nil {
		return 0
	}
	n := 0
	for _, t := range d.Tables {
		n += t.Conflicts
	}
	return n
}
