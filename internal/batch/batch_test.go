package batch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rowsync/rowsync/internal/changes"
	"github.com/rowsync/rowsync/internal/schema"
	"github.com/rowsync/rowsync/internal/syncerr"
)

func itemsTable() *schema.Table {
	return &schema.Table{
		Name: "items",
		Columns: []schema.Column{
			{Name: "id", Type: schema.TypeInt64},
			{Name: "label", Type: schema.TypeString},
			{Name: "payload", Type: schema.TypeBytes, Nullable: true},
		},
		PrimaryKeys: []string{"id"},
	}
}

// changeSet builds n upserts whose encoded size is roughly 130 bytes each.
func changeSet(n int) []*changes.TableChanges {
	tc := &changes.TableChanges{Table: itemsTable()}
	label := strings.Repeat("x", 84)
	for i := 0; i < n; i++ {
		tc.Rows = append(tc.Rows, &changes.Row{
			State:           changes.StateInserted,
			Values:          []interface{}{int64(i), label, nil},
			UpdateTimestamp: int64(i + 1),
		})
	}
	return []*changes.TableChanges{tc}
}

func TestSpoolSplitsIntoOrderedParts(t *testing.T) {
	for _, inMemory := range []bool{true, false} {
		opts := Options{MaxPartSizeKB: 12, InMemory: inMemory, Directory: t.TempDir()}
		bi, err := Spool(changeSet(250), opts)
		if err != nil {
			t.Fatalf("Spool(inMemory=%v) error = %v", inMemory, err)
		}

		if len(bi.Parts) != 3 {
			t.Fatalf("inMemory=%v: got %d parts, want 3", inMemory, len(bi.Parts))
		}
		for i, p := range bi.Parts {
			if p.Index != i {
				t.Errorf("part %d has index %d", i, p.Index)
			}
			if p.IsLastBatch != (i == 2) {
				t.Errorf("part %d IsLastBatch = %v", i, p.IsLastBatch)
			}
			if p.TableName != "items" {
				t.Errorf("part %d table = %q", i, p.TableName)
			}
			if !inMemory {
				want := fmt.Sprintf("part_%04d.json.sz", i)
				if p.FileName != want {
					t.Errorf("part %d file = %q, want %q", i, p.FileName, want)
				}
				if _, err := os.Stat(filepath.Join(bi.Path(), want)); err != nil {
					t.Errorf("part %d file missing: %v", i, err)
				}
			}
		}
		if bi.RowCount() != 250 {
			t.Errorf("RowCount() = %d, want 250", bi.RowCount())
		}

		// Rows come back in order and with their Go types.
		r := bi.NewReader()
		next := int64(0)
		for {
			_, part, err := r.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("Next() error = %v", err)
			}
			for _, row := range part.Rows {
				id, ok := row.Values[0].(int64)
				if !ok || id != next {
					t.Fatalf("row id = %v (%T), want %d", row.Values[0], row.Values[0], next)
				}
				next++
			}
		}
		if next != 250 {
			t.Errorf("read %d rows, want 250", next)
		}

		if err := bi.Clear(); err != nil {
			t.Fatalf("Clear() error = %v", err)
		}
		if !inMemory {
			if _, err := os.Stat(bi.Path()); !os.IsNotExist(err) {
				t.Errorf("batch directory still exists after Clear: %v", err)
			}
		}
	}
}

func TestSpoolFailureLeavesNothingStaged(t *testing.T) {
	root := t.TempDir()
	opts := Options{MaxPartSizeKB: 12, Directory: root}
	set := append(changeSet(250), &changes.TableChanges{})
	if _, err := Spool(set, opts); err == nil {
		t.Fatal("Spool() with a table-less change set succeeded")
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("failed spool left %d entries under %s", len(entries), root)
	}
}

func TestSpoolEmptyChangeSet(t *testing.T) {
	bi, err := Spool(nil, DefaultOptions())
	if err != nil {
		t.Fatalf("Spool() error = %v", err)
	}
	if len(bi.Parts) != 1 {
		t.Fatalf("got %d parts, want 1", len(bi.Parts))
	}
	if !bi.Parts[0].IsLastBatch || bi.Parts[0].RowCount != 0 {
		t.Errorf("empty batch part = %+v", bi.Parts[0])
	}
}

func TestSpoolKeepsTablesInSeparateParts(t *testing.T) {
	a := changeSet(2)[0]
	b := &changes.TableChanges{
		Table:   &schema.Table{Name: "other", Columns: []schema.Column{{Name: "id", Type: schema.TypeInt64}}, PrimaryKeys: []string{"id"}},
		Deletes: true,
		Rows:    []*changes.Row{{State: changes.StateDeleted, Values: []interface{}{int64(5)}}},
	}
	empty := &changes.TableChanges{Table: itemsTable()}

	bi, err := Spool([]*changes.TableChanges{a, empty, b}, DefaultOptions())
	if err != nil {
		t.Fatalf("Spool() error = %v", err)
	}
	if len(bi.Parts) != 2 {
		t.Fatalf("got %d parts, want 2", len(bi.Parts))
	}
	if bi.Parts[0].TableName != "items" || bi.Parts[1].TableName != "other" || !bi.Parts[1].Deletes {
		t.Errorf("parts = %+v, %+v", bi.Parts[0], bi.Parts[1])
	}
}

func TestReaderRejectsOutOfOrder(t *testing.T) {
	bi, err := Spool(changeSet(250), Options{MaxPartSizeKB: 12, InMemory: true})
	if err != nil {
		t.Fatalf("Spool() error = %v", err)
	}
	r := bi.NewReader()
	if _, _, err := r.Read(0); err != nil {
		t.Fatalf("Read(0) error = %v", err)
	}
	if _, _, err := r.Read(2); !errors.Is(err, syncerr.ErrOutOfSequence) {
		t.Errorf("Read(2) error = %v, want ErrOutOfSequence", err)
	}
	if _, _, err := r.Read(0); !errors.Is(err, syncerr.ErrOutOfSequence) {
		t.Errorf("re-reading consumed part error = %v, want ErrOutOfSequence", err)
	}
}

func TestAddPartSequencing(t *testing.T) {
	bi := NewBatchInfo(DefaultOptions())
	part := &BatchPart{TableName: "items"}

	if _, err := bi.AddPart(1, false, part); !errors.Is(err, syncerr.ErrOutOfSequence) {
		t.Fatalf("AddPart(1) on empty batch error = %v, want ErrOutOfSequence", err)
	}
	if _, err := bi.AddPart(0, false, part); err != nil {
		t.Fatalf("AddPart(0) error = %v", err)
	}
	// A retried part replaces the previous copy.
	if _, err := bi.AddPart(0, false, part); err != nil {
		t.Fatalf("retried AddPart(0) error = %v", err)
	}
	if _, err := bi.AddPart(1, true, part); err != nil {
		t.Fatalf("AddPart(1) error = %v", err)
	}
	if !bi.IsComplete() {
		t.Error("batch should be complete after the last part")
	}
	if _, err := bi.AddPart(2, false, part); !errors.Is(err, syncerr.ErrOutOfSequence) {
		t.Errorf("AddPart after last error = %v, want ErrOutOfSequence", err)
	}
	if _, err := bi.AddPart(2, false, nil); !errors.Is(err, syncerr.ErrMissingPayload) {
		t.Errorf("AddPart(nil) error = %v, want ErrMissingPayload", err)
	}
}

func TestPartJSONRestoresTypes(t *testing.T) {
	part := NewPart(itemsTable(), false)
	part.Rows = []*changes.Row{{
		State:           changes.StateModified,
		Values:          []interface{}{int64(1) << 53, "hello", []byte{0, 1, 2}},
		UpdateScopeID:   "abc",
		UpdateTimestamp: 12,
	}}

	data, err := json.Marshal(part)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var got BatchPart
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	row := got.Rows[0]
	if row.Values[0] != int64(1)<<53 {
		t.Errorf("id = %v (%T)", row.Values[0], row.Values[0])
	}
	if b, ok := row.Values[2].([]byte); !ok || !bytes.Equal(b, []byte{0, 1, 2}) {
		t.Errorf("payload = %v (%T)", row.Values[2], row.Values[2])
	}
	if row.State != changes.StateModified || row.UpdateScopeID != "abc" || row.UpdateTimestamp != 12 {
		t.Errorf("row metadata = %+v", row)
	}
}

func TestCleanupExpired(t *testing.T) {
	root := t.TempDir()
	old := filepath.Join(root, "old")
	fresh := filepath.Join(root, "fresh")
	for _, d := range []string{old, fresh} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatal(err)
		}
	}
	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}

	n, err := CleanupExpired(root, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("CleanupExpired() error = %v", err)
	}
	if n != 1 {
		t.Errorf("removed %d, want 1", n)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh batch removed: %v", err)
	}

	if n, err := CleanupExpired(filepath.Join(root, "missing"), time.Now()); err != nil || n != 0 {
		t.Errorf("CleanupExpired(missing) = %d, %v", n, err)
	}
}
