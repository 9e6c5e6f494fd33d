// Package apply writes received batch parts into a tracked store.
//
// Parts are applied strictly in index order, one transaction per part. Each
// row is checked against the local tracking entry; conflicting rows go to
// the conflict resolver, the rest are written by primary key and their
// tracking entry is tagged with the sender's scope id so the change is not
// echoed back. Re-applying a part leaves the store unchanged, which makes a
// retried part harmless.
package apply

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/rowsync/rowsync/internal/batch"
	"github.com/rowsync/rowsync/internal/changes"
	"github.com/rowsync/rowsync/internal/conflict"
	"github.com/rowsync/rowsync/internal/schema"
	"github.com/rowsync/rowsync/internal/syncerr"
)

// Store is the receiving side of an apply.
type Store interface {
	changes.Source
	// BeginApply starts the transaction for one part.
	BeginApply(ctx context.Context) (*sql.Tx, error)
	// ClassifyError maps a driver error onto the error taxonomy.
	ClassifyError(err error) (syncerr.Kind, int, bool)
}

// Applier creates apply sessions against a store.
type Applier struct {
	store  Store
	logger *log.Logger
}

// New creates an Applier. If logger is nil, a default logger writing to
// stderr is used.
func New(store Store, logger *log.Logger) *Applier {
	if logger == nil {
		logger = log.New(os.Stderr, "[apply] ", log.LstdFlags)
	}
	return &Applier{store: store, logger: logger}
}

// Options configures one apply session.
type Options struct {
	// SenderScopeID tags every applied row.
	SenderScopeID string
	// Watermark is the last timestamp both peers agree on; local changes
	// above it conflict with incoming rows.
	Watermark int64
	Resolver  *conflict.Resolver
	// Schema resolves the local definition of each incoming table. When nil
	// the table carried by the part is used.
	Schema *schema.Schema
	// AdvanceTo is the timestamp captured at the start of the pass.
	AdvanceTo int64
	// Advance runs once, after the last part commits.
	Advance func(ctx context.Context, timestamp int64) error
}

// Session applies the parts of one batch.
type Session struct {
	applier *Applier
	opts    Options
	next    int
	done    bool
	stats   map[int]*changes.DatabaseChangesApplied
}

// NewSession starts a session expecting part 0.
func (a *Applier) NewSession(opts Options) *Session {
	return &Session{
		applier: a,
		opts:    opts,
		stats:   make(map[int]*changes.DatabaseChangesApplied),
	}
}

// Done reports whether the last part has been applied.
func (s *Session) Done() bool {
	return s.done
}

// Next returns the index of the next expected part.
func (s *Session) Next() int {
	return s.next
}

// Stats returns the statistics of every part applied so far.
func (s *Session) Stats() *changes.DatabaseChangesApplied {
	total := &changes.DatabaseChangesApplied{}
	for i := 0; i < s.next; i++ {
		total.Add(s.stats[i])
	}
	return total
}

// Apply reads every part of bi in order, applies it, and releases the
// batch once the last part committed.
func (s *Session) Apply(ctx context.Context, bi *batch.BatchInfo) (*changes.DatabaseChangesApplied, error) {
	r := bi.NewReader()
	for {
		info, part, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return s.Stats(), err
		}
		if err := s.ApplyPart(ctx, info, part); err != nil {
			return s.Stats(), err
		}
	}
	if err := bi.Clear(); err != nil {
		s.applier.logger.Printf("Warning: failed to clear batch %s: %v", bi.ID, err)
	}
	return s.Stats(), nil
}

// ApplyPart applies one part in its own transaction. The index must be the
// next expected one, or the previous one when a part is retried.
func (s *Session) ApplyPart(ctx context.Context, info *batch.BatchPartInfo, part *batch.BatchPart) error {
	retry := s.next > 0 && info.Index == s.next-1
	if !retry && (s.done || info.Index != s.next) {
		return syncerr.Errorf(syncerr.ErrOutOfSequence, "part %d applied, expected %d", info.Index, s.next)
	}
	if part == nil {
		return syncerr.Errorf(syncerr.ErrMissingPayload, "part %d has no payload", info.Index)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stats := &changes.DatabaseChangesApplied{}
	if !part.IsEmpty() {
		if err := s.applyRows(ctx, part, stats); err != nil {
			return err
		}
	}

	s.stats[info.Index] = stats
	if !retry {
		s.next++
	}

	if info.IsLastBatch && !s.done {
		s.done = true
		if s.opts.Advance != nil {
			if err := s.opts.Advance(ctx, s.opts.AdvanceTo); err != nil {
				return fmt.Errorf("failed to advance watermark: %w", err)
			}
		}
	}
	return nil
}

func (s *Session) applyRows(ctx context.Context, part *batch.BatchPart, stats *changes.DatabaseChangesApplied) error {
	incoming := part.Table()
	target := incoming
	if s.opts.Schema != nil {
		target = s.opts.Schema.Table(part.TableName, part.SchemaName)
		if target == nil {
			return syncerr.Errorf(syncerr.ErrUnknownScope, "table %s is not part of the scope", incoming.FullName())
		}
	}
	mapping, err := columnMapping(incoming, target)
	if err != nil {
		return syncerr.New(syncerr.KindData, "apply", err)
	}

	store := s.applier.store
	acc := store.TableAccessor(target)
	entry := stats.Table(target.Name, target.SchemaName)

	tx, err := store.BeginApply(ctx)
	if err != nil {
		return syncerr.Classify(fmt.Errorf("failed to begin apply transaction: %w", err), store.ClassifyError)
	}

	for _, in := range part.Rows {
		if err := ctx.Err(); err != nil {
			_ = tx.Rollback()
			return err
		}
		row := remap(in, mapping)
		err := s.applyRow(ctx, tx, acc, target, row, entry)
		if err == nil {
			continue
		}
		classified := syncerr.Classify(err, store.ClassifyError)
		if classified.Kind != syncerr.KindData {
			_ = tx.Rollback()
			return classified
		}
		entry.Failed++
		stats.FailedRows = append(stats.FailedRows, changes.FailedRow{
			TableName:             target.FullName(),
			PrimaryKey:            row.PrimaryKey(target),
			Error:                 err.Error(),
			DataSourceErrorNumber: classified.DataSourceErrorNumber,
		})
		s.applier.logger.Printf("Warning: failed to apply row %v to %s: %v", row.PrimaryKey(target), target.FullName(), err)
	}

	if err := tx.Commit(); err != nil {
		return syncerr.Classify(fmt.Errorf("failed to commit part: %w", err), store.ClassifyError)
	}
	return nil
}

func (s *Session) applyRow(ctx context.Context, tx *sql.Tx, acc changes.TableAccessor, t *schema.Table, row *changes.Row, entry *changes.TableChangesApplied) error {
	pk := row.PrimaryKey(t)
	local, err := acc.GetRow(ctx, tx, pk)
	if err != nil {
		return fmt.Errorf("failed to read local row: %w", err)
	}

	write := row
	tag := true
	if typ, ok := conflict.Detect(local, row, s.opts.Watermark, s.opts.SenderScopeID); ok {
		res, err := s.opts.Resolver.Resolve(ctx, &conflict.Conflict{
			Type:   typ,
			Table:  t,
			Local:  local.AsRow(),
			Remote: row,
		})
		if err != nil {
			return err
		}
		entry.Conflicts++
		switch res.Action {
		case conflict.KeepLocal:
			return nil
		case conflict.ApplyMerged:
			write = res.Row
			tag = false
		}
	}

	exists := local != nil && local.Exists
	if write.IsTombstone() {
		if !exists {
			return nil
		}
		if err := acc.DeleteRow(ctx, tx, pk); err != nil {
			return err
		}
	} else if exists {
		if err := acc.UpdateRow(ctx, tx, write.Values); err != nil {
			return err
		}
	} else {
		if err := acc.InsertRow(ctx, tx, write.Values); err != nil {
			return err
		}
	}

	if tag {
		if err := acc.TagRow(ctx, tx, pk, s.opts.SenderScopeID); err != nil {
			return fmt.Errorf("failed to tag tracking row: %w", err)
		}
	}
	entry.Applied++
	return nil
}

// columnMapping maps each target column to its position in the incoming
// part. Nil means the layouts already match.
func columnMapping(incoming, target *schema.Table) ([]int, error) {
	same := len(incoming.Columns) == len(target.Columns)
	mapping := make([]int, len(target.Columns))
	for i, c := range target.Columns {
		j := incoming.ColumnIndex(c.Name)
		if j < 0 {
			if target.IsPrimaryKey(c.Name) {
				return nil, fmt.Errorf("incoming rows of %s lack primary key column %s", target.FullName(), c.Name)
			}
		}
		mapping[i] = j
		if j != i {
			same = false
		}
	}
	if same {
		return nil, nil
	}
	return mapping, nil
}

func remap(r *changes.Row, mapping []int) *changes.Row {
	if mapping == nil {
		return r
	}
	values := make([]interface{}, len(mapping))
	for i, j := range mapping {
		if j >= 0 && j < len(r.Values) {
			values[i] = r.Values[j]
		}
	}
	out := *r
	out.Values = values
	return &out
}
