package changes

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/rowsync/rowsync/internal/schema"
	"github.com/rowsync/rowsync/internal/setup"
)

// Sink receives selected changes one table phase at a time.
type Sink interface {
	BeginTable(t *schema.Table, deletes bool) error
	AddRow(r *Row) error
	EndTable() error
}

// Request describes who is asking for changes and since when.
type Request struct {
	// ScopeID is the requesting scope. Changes it wrote are never returned.
	ScopeID string
	// Watermark is the requester's effective timestamp.
	Watermark int64
	// IsNew selects every row regardless of tracking.
	IsNew      bool
	Flow       setup.Flow
	Setup      *setup.Setup
	Schema     *schema.Schema
	Parameters map[string]interface{}
}

// Selector reads changes from a tracked store.
type Selector struct {
	logger *log.Logger
}

// NewSelector creates a Selector. If logger is nil, a default logger
// writing to stderr is used.
func NewSelector(logger *log.Logger) *Selector {
	if logger == nil {
		logger = log.New(os.Stderr, "[select] ", log.LstdFlags)
	}
	return &Selector{logger: logger}
}

// SelectChanges streams every change the requester has not seen into sink.
//
// Upserts are emitted parent tables first, then tombstones child tables
// first. Within a table rows are ordered by update timestamp then primary
// key. The caller runs this inside the transaction that captured the local
// timestamp, so no concurrent write can slip under the new watermark.
func (s *Selector) SelectChanges(ctx context.Context, q Querier, src Source, req Request, sink Sink) (*DatabaseChangesSelected, error) {
	if req.Schema == nil {
		return nil, fmt.Errorf("schema is required")
	}
	ordered, err := req.Schema.Ordered()
	if err != nil {
		return nil, fmt.Errorf("failed to order tables: %w", err)
	}

	type plan struct {
		table  *schema.Table
		filter *setup.SetupFilter
		params map[string]interface{}
	}

	var plans []plan
	for _, t := range ordered {
		var filter *setup.SetupFilter
		if req.Setup != nil {
			st := req.Setup.Table(t.Name, t.SchemaName)
			if st == nil || !st.Allows(req.Flow) {
				continue
			}
			filter = req.Setup.Filter(t.Name, t.SchemaName)
		}
		p := plan{table: t, filter: filter}
		if filter != nil {
			p.params, err = filter.Bind(req.Parameters)
			if err != nil {
				return nil, err
			}
		}
		plans = append(plans, p)
	}

	stats := &DatabaseChangesSelected{}

	run := func(p plan, tombstones bool) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		acc := src.TableAccessor(p.table)
		if err := sink.BeginTable(p.table, tombstones); err != nil {
			return err
		}
		entry := stats.Table(p.table.Name, p.table.SchemaName)
		sel := Selection{
			Watermark:      req.Watermark,
			ExcludeScopeID: req.ScopeID,
			IsNew:          req.IsNew,
			Tombstones:     tombstones,
			Filter:         p.filter,
			Parameters:     p.params,
		}
		err := acc.SelectChanges(ctx, q, sel, func(r *Row) error {
			if tombstones {
				entry.Deletes++
			} else {
				entry.Upserts++
			}
			return sink.AddRow(r)
		})
		if err != nil {
			return fmt.Errorf("failed to select changes from %s: %w", p.table.FullName(), err)
		}
		return sink.EndTable()
	}

	for _, p := range plans {
		if err := run(p, false); err != nil {
			return stats, err
		}
	}
	if !req.IsNew {
		for i := len(plans) - 1; i >= 0; i-- {
			if err := run(plans[i], true); err != nil {
				return stats, err
			}
		}
	}

	s.logger.Printf("Selected %d changes from %d tables (watermark=%d, new=%v, flow=%s)",
		stats.Total(), len(plans), req.Watermark, req.IsNew, req.Flow)
	return stats, nil
}

// TableChanges holds the selected rows of one table phase.
type TableChanges struct {
	Table   *schema.Table
	Deletes bool
	Rows    []*Row
}

// Collector is a Sink that keeps every non-empty table phase in memory.
type Collector struct {
	Changes []*TableChanges
	current *TableChanges
}

// BeginTable implements Sink.
func (c *Collector) BeginTable(t *schema.Table, deletes bool) error {
	c.current = &TableChanges{Table: t, Deletes: deletes}
	return nil
}

// AddRow implements Sink.
func (c *Collector) AddRow(r *Row) error {
	if c.current == nil {
		return fmt.Errorf("row added outside a table")
	}
	c.current.Rows = append(c.current.Rows, r)
	return nil
}

// EndTable implements Sink.
func (c *Collector) EndTable() error {
	if c.current != nil && len(c.current.Rows) > 0 {
		c.Changes = append(c.Changes, c.current)
	}
	c.current = nil
	return nil
}

// Rows returns every collected row in emission order.
func (c *Collector) Rows() []*Row {
	var out []*Row
	for _, tc := range c.Changes {
		out = append(out, tc.Rows...)
	}
	return out
}
