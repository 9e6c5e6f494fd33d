package batch

import (
	"encoding/json"
	"fmt"

	"github.com/rowsync/rowsync/internal/changes"
	"github.com/rowsync/rowsync/internal/schema"
)

// rowOverhead approximates the per-row framing the size estimate does not
// see: the state, timestamps and separators.
const rowOverhead = 32

// Spooler is a changes.Sink that cuts the selected rows into parts.
//
// A part is sealed when its estimated size reaches the limit or its table
// phase ends. The most recently sealed part is held back until the next one
// arrives, so Finish can flag it last.
type Spooler struct {
	opts    Options
	info    *BatchInfo
	table   *schema.Table
	deletes bool
	current *BatchPart
	size    int
	pending *BatchPart
}

// NewSpooler creates a Spooler writing into a new batch.
func NewSpooler(opts Options) *Spooler {
	return &Spooler{opts: opts, info: NewBatchInfo(opts)}
}

// BeginTable implements changes.Sink.
func (s *Spooler) BeginTable(t *schema.Table, deletes bool) error {
	if t == nil {
		return fmt.Errorf("table changes have no table")
	}
	if s.current != nil {
		return fmt.Errorf("table %s started before %s ended", t.FullName(), s.table.FullName())
	}
	s.table = t
	s.deletes = deletes
	s.current = NewPart(t, deletes)
	s.size = 0
	return nil
}

// AddRow implements changes.Sink.
func (s *Spooler) AddRow(r *changes.Row) error {
	if s.current == nil {
		return fmt.Errorf("row added outside a table")
	}
	n, err := EstimateRowSize(r)
	if err != nil {
		return fmt.Errorf("failed to encode row of %s: %w", s.table.FullName(), err)
	}
	s.current.Rows = append(s.current.Rows, r)
	s.size += n
	if s.size >= s.opts.maxBytes() {
		if err := s.seal(); err != nil {
			return err
		}
		s.current = NewPart(s.table, s.deletes)
	}
	return nil
}

// EndTable implements changes.Sink.
func (s *Spooler) EndTable() error {
	if s.current == nil {
		return nil
	}
	if !s.current.IsEmpty() {
		if err := s.seal(); err != nil {
			return err
		}
	}
	s.current = nil
	return nil
}

func (s *Spooler) seal() error {
	if s.pending != nil {
		if _, err := s.info.AddPart(len(s.info.Parts), false, s.pending); err != nil {
			return err
		}
	}
	s.pending = s.current
	s.size = 0
	return nil
}

// Finish flags the last part and returns the batch. An empty change set
// yields a single empty last part.
func (s *Spooler) Finish() (*BatchInfo, error) {
	if err := s.EndTable(); err != nil {
		return nil, err
	}
	last := s.pending
	if last == nil {
		last = &BatchPart{}
	}
	if _, err := s.info.AddPart(len(s.info.Parts), true, last); err != nil {
		return nil, err
	}
	s.pending = nil
	return s.info, nil
}

// Abort releases whatever was staged so far.
func (s *Spooler) Abort() error {
	s.current = nil
	s.pending = nil
	return s.info.Clear()
}

// EstimateRowSize returns the approximate encoded size of a row.
func EstimateRowSize(r *changes.Row) (int, error) {
	data, err := json.Marshal(r.Values)
	if err != nil {
		return 0, err
	}
	return len(data) + rowOverhead, nil
}

// Spool writes already collected changes into a new batch. On error
// nothing stays staged.
func Spool(set []*changes.TableChanges, opts Options) (*BatchInfo, error) {
	s := NewSpooler(opts)
	bi, err := spoolAll(s, set)
	if err != nil {
		_ = s.Abort()
		return nil, err
	}
	return bi, nil
}

func spoolAll(s *Spooler, set []*changes.TableChanges) (*BatchInfo, error) {
	for _, tc := range set {
		if err := s.BeginTable(tc.Table, tc.Deletes); err != nil {
			return nil, err
		}
		for _, r := range tc.Rows {
			if err := s.AddRow(r); err != nil {
				return nil, err
			}
		}
		if err := s.EndTable(); err != nil {
			return nil, err
		}
	}
	return s.Finish()
}
