// Package batch splits a change set into ordered, size-bounded parts and
// stages them in memory or on disk.
//
// A BatchInfo lists its parts in index order starting at 0. Exactly one part
// is flagged last and it has the highest index. Each part carries the rows
// of one table phase, so a table's upserts or deletes may span several
// consecutive parts but a part never mixes tables.
//
// On disk each part is a snappy-compressed JSON file under
// <directory>/<batch id>/. In memory the same BatchPart value is kept on
// the BatchPartInfo. Both forms encode identically on the wire.
//
// Staged parts are not released automatically: whoever finishes with a
// batch calls Clear.
package batch

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"github.com/google/uuid"

	"github.com/rowsync/rowsync/internal/syncerr"
)

// Options controls part size and staging.
type Options struct {
	// MaxPartSizeKB seals a part once its estimated encoded size reaches
	// this many kilobytes.
	MaxPartSizeKB int
	// InMemory keeps parts in process instead of writing files.
	InMemory bool
	// Directory is the root for on-disk batches.
	Directory string
}

// DefaultOptions returns in-memory staging with 512 KB parts.
func DefaultOptions() Options {
	return Options{MaxPartSizeKB: 512, InMemory: true}
}

func (o Options) maxBytes() int {
	if o.MaxPartSizeKB <= 0 {
		return 512 * 1024
	}
	return o.MaxPartSizeKB * 1024
}

// Root returns the directory under which on-disk batches are created.
func (o Options) Root() string {
	if o.Directory == "" {
		return filepath.Join(os.TempDir(), "rowsync")
	}
	return o.Directory
}

// BatchPartInfo describes one staged part.
type BatchPartInfo struct {
	Index       int    `json:"index"`
	IsLastBatch bool   `json:"is_last"`
	FileName    string `json:"file,omitempty"`
	RowCount    int    `json:"rows"`
	TableName   string `json:"table,omitempty"`
	SchemaName  string `json:"schema,omitempty"`
	Deletes     bool   `json:"deletes,omitempty"`
	// Data holds the part when the batch is staged in memory.
	Data *BatchPart `json:"data,omitempty"`
}

// BatchInfo is an ordered set of staged parts.
type BatchInfo struct {
	ID        string           `json:"id"`
	InMemory  bool             `json:"in_memory"`
	Directory string           `json:"directory,omitempty"`
	Parts     []*BatchPartInfo `json:"parts"`
}

// NewBatchInfo creates an empty batch staged according to opts.
func NewBatchInfo(opts Options) *BatchInfo {
	bi := &BatchInfo{ID: uuid.NewString(), InMemory: opts.InMemory}
	if !opts.InMemory {
		bi.Directory = opts.Root()
	}
	return bi
}

// Path returns the directory holding the batch's part files.
func (bi *BatchInfo) Path() string {
	return filepath.Join(bi.Directory, bi.ID)
}

// IsComplete reports whether the last part has been staged.
func (bi *BatchInfo) IsComplete() bool {
	n := len(bi.Parts)
	return n > 0 && bi.Parts[n-1].IsLastBatch
}

// RowCount returns the total number of rows across parts.
func (bi *BatchInfo) RowCount() int {
	n := 0
	for _, p := range bi.Parts {
		n += p.RowCount
	}
	return n
}

// AddPart stages a part. The index must be the next one; re-adding the most
// recent index replaces it, which makes a retried upload harmless. Any other
// index is out of sequence.
func (bi *BatchInfo) AddPart(index int, isLast bool, part *BatchPart) (*BatchPartInfo, error) {
	if part == nil {
		return nil, syncerr.Errorf(syncerr.ErrMissingPayload, "part %d has no payload", index)
	}
	n := len(bi.Parts)
	switch {
	case index == n && !bi.IsComplete():
	case index == n-1 && n > 0:
	default:
		return nil, syncerr.Errorf(syncerr.ErrOutOfSequence, "part %d staged, expected %d", index, n)
	}

	info := &BatchPartInfo{
		Index:       index,
		IsLastBatch: isLast,
		RowCount:    len(part.Rows),
		TableName:   part.TableName,
		SchemaName:  part.SchemaName,
		Deletes:     part.Deletes,
	}

	if bi.InMemory {
		info.Data = part
	} else {
		info.FileName = fmt.Sprintf("part_%04d.json.sz", index)
		if err := bi.writePart(info.FileName, part); err != nil {
			return nil, err
		}
	}

	if index == n {
		bi.Parts = append(bi.Parts, info)
	} else {
		bi.Parts[index] = info
	}
	return info, nil
}

func (bi *BatchInfo) writePart(name string, part *BatchPart) error {
	if err := os.MkdirAll(bi.Path(), 0755); err != nil {
		return fmt.Errorf("failed to create batch directory: %w", err)
	}
	data, err := json.Marshal(part)
	if err != nil {
		return fmt.Errorf("failed to encode batch part: %w", err)
	}
	if err := os.WriteFile(filepath.Join(bi.Path(), name), snappy.Encode(nil, data), 0644); err != nil {
		return fmt.Errorf("failed to write batch part: %w", err)
	}
	return nil
}

// LoadPart returns the payload of a staged part.
func (bi *BatchInfo) LoadPart(index int) (*BatchPart, error) {
	if index < 0 || index >= len(bi.Parts) {
		return nil, syncerr.Errorf(syncerr.ErrOutOfSequence, "part %d does not exist (batch has %d parts)", index, len(bi.Parts))
	}
	info := bi.Parts[index]
	if bi.InMemory {
		if info.Data == nil {
			return nil, fmt.Errorf("part %d of batch %s was released", index, bi.ID)
		}
		return info.Data, nil
	}

	compressed, err := os.ReadFile(filepath.Join(bi.Path(), info.FileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read batch part: %w", err)
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress batch part: %w", err)
	}
	var part BatchPart
	if err := json.Unmarshal(data, &part); err != nil {
		return nil, fmt.Errorf("failed to decode batch part: %w", err)
	}
	return &part, nil
}

// Clear releases every staged part: files are removed and in-memory
// payloads dropped.
func (bi *BatchInfo) Clear() error {
	for _, p := range bi.Parts {
		p.Data = nil
	}
	bi.Parts = nil
	if bi.InMemory || bi.Directory == "" {
		return nil
	}
	if err := os.RemoveAll(bi.Path()); err != nil {
		return fmt.Errorf("failed to remove batch directory: %w", err)
	}
	return nil
}

// NewReader returns a Reader positioned at part 0.
func (bi *BatchInfo) NewReader() *Reader {
	return &Reader{batch: bi}
}

// Reader hands out parts strictly in index order.
type Reader struct {
	batch *BatchInfo
	next  int
}

// Read returns part index, which must be the next unread part.
func (r *Reader) Read(index int) (*BatchPartInfo, *BatchPart, error) {
	if index != r.next {
		return nil, nil, syncerr.Errorf(syncerr.ErrOutOfSequence, "part %d requested, expected %d", index, r.next)
	}
	part, err := r.batch.LoadPart(index)
	if err != nil {
		return nil, nil, err
	}
	r.next++
	return r.batch.Parts[index], part, nil
}

// Next returns the next part, or io.EOF after the last one.
func (r *Reader) Next() (*BatchPartInfo, *BatchPart, error) {
	if r.next >= len(r.batch.Parts) {
		return nil, nil, io.EOF
	}
	return r.Read(r.next)
}
