package batch

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/rowsync/rowsync/internal/changes"
	"github.com/rowsync/rowsync/internal/schema"
)

// BatchPart is the payload of one part: the rows of a single table phase.
// It is the unit written to disk, held in memory and sent over the wire.
type BatchPart struct {
	TableName   string          `json:"table,omitempty"`
	SchemaName  string          `json:"schema,omitempty"`
	Deletes     bool            `json:"deletes,omitempty"`
	Columns     []schema.Column `json:"columns,omitempty"`
	PrimaryKeys []string        `json:"primary_keys,omitempty"`
	Rows        []*changes.Row  `json:"rows"`
}

// NewPart starts an empty part for a table phase.
func NewPart(t *schema.Table, deletes bool) *BatchPart {
	return &BatchPart{
		TableName:   t.Name,
		SchemaName:  t.SchemaName,
		Deletes:     deletes,
		Columns:     append([]schema.Column(nil), t.Columns...),
		PrimaryKeys: append([]string(nil), t.PrimaryKeys...),
	}
}

// Table rebuilds the table description carried by the part.
func (p *BatchPart) Table() *schema.Table {
	return &schema.Table{
		Name:        p.TableName,
		SchemaName:  p.SchemaName,
		Columns:     p.Columns,
		PrimaryKeys: p.PrimaryKeys,
	}
}

// IsEmpty reports whether the part carries no rows.
func (p *BatchPart) IsEmpty() bool {
	return len(p.Rows) == 0
}

type wireRow struct {
	State           changes.RowState `json:"s"`
	Values          []interface{}    `json:"v"`
	UpdateScopeID   string           `json:"u,omitempty"`
	UpdateTimestamp int64            `json:"t"`
	CreateTimestamp int64            `json:"c,omitempty"`
}

type wirePart struct {
	TableName   string          `json:"table,omitempty"`
	SchemaName  string          `json:"schema,omitempty"`
	Deletes     bool            `json:"deletes,omitempty"`
	Columns     []schema.Column `json:"columns,omitempty"`
	PrimaryKeys []string        `json:"primary_keys,omitempty"`
	Rows        []wireRow       `json:"rows"`
}

// UnmarshalJSON restores row values to the Go types of their columns.
// JSON alone would turn every integer into a float64 and every blob into
// a base64 string.
func (p *BatchPart) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var w wirePart
	if err := dec.Decode(&w); err != nil {
		return err
	}

	p.TableName = w.TableName
	p.SchemaName = w.SchemaName
	p.Deletes = w.Deletes
	p.Columns = w.Columns
	p.PrimaryKeys = w.PrimaryKeys
	p.Rows = make([]*changes.Row, 0, len(w.Rows))

	for i, wr := range w.Rows {
		if len(wr.Values) != len(w.Columns) {
			return fmt.Errorf("row %d of %s has %d values for %d columns", i, w.TableName, len(wr.Values), len(w.Columns))
		}
		values := make([]interface{}, len(wr.Values))
		for j, v := range wr.Values {
			decoded, err := w.Columns[j].Type.DecodeJSON(v)
			if err != nil {
				return fmt.Errorf("row %d of %s column %s: %w", i, w.TableName, w.Columns[j].Name, err)
			}
			values[j] = decoded
		}
		p.Rows = append(p.Rows, &changes.Row{
			State:           wr.State,
			Values:          values,
			UpdateScopeID:   wr.UpdateScopeID,
			UpdateTimestamp: wr.UpdateTimestamp,
			CreateTimestamp: wr.CreateTimestamp,
		})
	}
	return nil
}
