package apply

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rowsync/rowsync/internal/batch"
	"github.com/rowsync/rowsync/internal/changes"
	"github.com/rowsync/rowsync/internal/conflict"
	"github.com/rowsync/rowsync/internal/provider"
	"github.com/rowsync/rowsync/internal/provider/sqlite"
	"github.com/rowsync/rowsync/internal/schema"
	"github.com/rowsync/rowsync/internal/syncerr"
)

const sender = "0b6f2b7e-7d55-4c39-a1c5-2f0f0d3c9a10"

func testSchema() *schema.Schema {
	return &schema.Schema{Tables: []*schema.Table{
		{
			Name: "items",
			Columns: []schema.Column{
				{Name: "id", Type: schema.TypeInt64},
				{Name: "label", Type: schema.TypeString},
			},
			PrimaryKeys: []string{"id"},
		},
	}}
}

func openStore(t *testing.T) *sqlite.Provider {
	t.Helper()
	p, err := sqlite.Open(filepath.Join(t.TempDir(), "apply.db"), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	if err := p.Provision(context.Background(), testSchema(), provider.ProvisionOptions{CreateTables: true}); err != nil {
		t.Fatalf("Provision() failed: %v", err)
	}
	return p
}

func rows(state changes.RowState, ids ...int64) []*changes.Row {
	out := make([]*changes.Row, len(ids))
	for i, id := range ids {
		out[i] = &changes.Row{State: state, Values: []interface{}{id, fmt.Sprintf("item %d", id)}, UpdateTimestamp: id}
		if state == changes.StateDeleted {
			out[i].Values[1] = nil
		}
	}
	return out
}

func spool(t *testing.T, opts batch.Options, sets ...*changes.TableChanges) *batch.BatchInfo {
	t.Helper()
	bi, err := batch.Spool(sets, opts)
	if err != nil {
		t.Fatalf("Spool() failed: %v", err)
	}
	return bi
}

func count(t *testing.T, p *sqlite.Provider) int {
	t.Helper()
	var n int
	if err := p.DB().QueryRow(`SELECT COUNT(*) FROM items`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func label(t *testing.T, p *sqlite.Provider, id int64) string {
	t.Helper()
	var s string
	if err := p.DB().QueryRow(`SELECT label FROM items WHERE id = ?`, id).Scan(&s); err != nil {
		t.Fatalf("read item %d: %v", id, err)
	}
	return s
}

func TestApply_InsertsAndTags(t *testing.T) {
	p := openStore(t)
	items := testSchema().Tables[0]
	a := New(p, log.New(io.Discard, "", 0))

	bi := spool(t, batch.DefaultOptions(), &changes.TableChanges{Table: items, Rows: rows(changes.StateInserted, 1, 2)})
	stats, err := a.NewSession(Options{SenderScopeID: sender, Schema: testSchema()}).Apply(context.Background(), bi)
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	if stats.TotalApplied() != 2 || stats.TotalConflicts() != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if count(t, p) != 2 {
		t.Fatalf("items = %d, want 2", count(t, p))
	}

	// Applied rows are attributed to the sender and never echoed back.
	var echoed int
	err = p.TableAccessor(items).SelectChanges(context.Background(), p.DB(), changes.Selection{ExcludeScopeID: sender}, func(*changes.Row) error {
		echoed++
		return nil
	})
	if err != nil {
		t.Fatalf("SelectChanges() failed: %v", err)
	}
	if echoed != 0 {
		t.Errorf("%d applied rows selectable for their sender", echoed)
	}
}

func TestApply_Idempotent(t *testing.T) {
	p := openStore(t)
	items := testSchema().Tables[0]
	a := New(p, log.New(io.Discard, "", 0))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		bi := spool(t, batch.DefaultOptions(),
			&changes.TableChanges{Table: items, Rows: rows(changes.StateInserted, 1, 2, 3)},
			&changes.TableChanges{Table: items, Deletes: true, Rows: rows(changes.StateDeleted, 2)},
		)
		stats, err := a.NewSession(Options{SenderScopeID: sender, Schema: testSchema()}).Apply(ctx, bi)
		if err != nil {
			t.Fatalf("pass %d: Apply() failed: %v", i, err)
		}
		if stats.TotalConflicts() != 0 || stats.TotalFailed() != 0 {
			t.Errorf("pass %d: stats = %+v", i, stats)
		}
		if count(t, p) != 2 || label(t, p, 3) != "item 3" {
			t.Errorf("pass %d: store changed shape", i)
		}
	}
}

func TestApplyPart_Sequencing(t *testing.T) {
	p := openStore(t)
	items := testSchema().Tables[0]
	a := New(p, log.New(io.Discard, "", 0))
	ctx := context.Background()

	var ids []int64
	for i := int64(1); i <= 250; i++ {
		ids = append(ids, i)
	}
	set := &changes.TableChanges{Table: items, Rows: rows(changes.StateInserted, ids...)}
	for _, r := range set.Rows {
		r.Values[1] = strings.Repeat("x", 84)
	}
	bi := spool(t, batch.Options{MaxPartSizeKB: 12, InMemory: true}, set)
	if len(bi.Parts) != 3 {
		t.Fatalf("got %d parts, want 3", len(bi.Parts))
	}

	var advanced []int64
	s := a.NewSession(Options{
		SenderScopeID: sender,
		Schema:        testSchema(),
		AdvanceTo:     99,
		Advance: func(ctx context.Context, ts int64) error {
			advanced = append(advanced, ts)
			return nil
		},
	})

	part := func(i int) *batch.BatchPart {
		p, err := bi.LoadPart(i)
		if err != nil {
			t.Fatalf("LoadPart(%d) failed: %v", i, err)
		}
		return p
	}

	if err := s.ApplyPart(ctx, bi.Parts[0], part(0)); err != nil {
		t.Fatalf("ApplyPart(0) failed: %v", err)
	}
	err := s.ApplyPart(ctx, bi.Parts[2], part(2))
	if !errors.Is(err, syncerr.ErrOutOfSequence) {
		t.Fatalf("ApplyPart(2) before 1: error = %v, want ErrOutOfSequence", err)
	}
	if syncerr.KindOf(err) != syncerr.KindProtocol {
		t.Errorf("kind = %s, want protocol", syncerr.KindOf(err))
	}
	if len(advanced) != 0 {
		t.Fatal("watermark advanced before the last part")
	}

	// Re-sending the part just applied is accepted.
	if err := s.ApplyPart(ctx, bi.Parts[0], part(0)); err != nil {
		t.Fatalf("retried ApplyPart(0) failed: %v", err)
	}
	for i := 1; i < 3; i++ {
		if err := s.ApplyPart(ctx, bi.Parts[i], part(i)); err != nil {
			t.Fatalf("ApplyPart(%d) failed: %v", i, err)
		}
	}
	if !s.Done() {
		t.Error("session should be done after the last part")
	}
	if len(advanced) != 1 || advanced[0] != 99 {
		t.Errorf("advanced = %v, want [99]", advanced)
	}
	if count(t, p) != 250 {
		t.Errorf("items = %d, want 250", count(t, p))
	}
	if got := s.Stats().TotalApplied(); got != 250 {
		t.Errorf("TotalApplied() = %d, want 250", got)
	}

	if err := s.ApplyPart(ctx, &batch.BatchPartInfo{Index: 3}, part(0)); !errors.Is(err, syncerr.ErrOutOfSequence) {
		t.Errorf("part after last: error = %v, want ErrOutOfSequence", err)
	}
	if err := a.NewSession(Options{}).ApplyPart(ctx, &batch.BatchPartInfo{Index: 0}, nil); !errors.Is(err, syncerr.ErrMissingPayload) {
		t.Errorf("nil payload: error = %v, want ErrMissingPayload", err)
	}
}

func TestApply_TombstoneForMissingRow(t *testing.T) {
	p := openStore(t)
	items := testSchema().Tables[0]
	a := New(p, log.New(io.Discard, "", 0))

	bi := spool(t, batch.DefaultOptions(), &changes.TableChanges{Table: items, Deletes: true, Rows: rows(changes.StateDeleted, 42)})
	stats, err := a.NewSession(Options{SenderScopeID: sender, Schema: testSchema()}).Apply(context.Background(), bi)
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	if stats.TotalApplied() != 0 || stats.TotalFailed() != 0 || stats.TotalConflicts() != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestApply_Conflicts(t *testing.T) {
	items := testSchema().Tables[0]
	ctx := context.Background()
	incoming := &changes.Row{State: changes.StateModified, Values: []interface{}{int64(1), "remote"}, UpdateTimestamp: 5}

	tests := []struct {
		name string
		side conflict.Side
		want string
	}{
		{"server keeps its row", conflict.SideServer, "local"},
		{"client takes server row", conflict.SideClient, "remote"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := openStore(t)
			if _, err := p.DB().Exec(`INSERT INTO items (id, label) VALUES (1, 'local')`); err != nil {
				t.Fatal(err)
			}
			a := New(p, log.New(io.Discard, "", 0))
			bi := spool(t, batch.DefaultOptions(), &changes.TableChanges{Table: items, Rows: []*changes.Row{incoming}})

			stats, err := a.NewSession(Options{
				SenderScopeID: sender,
				Schema:        testSchema(),
				Resolver:      conflict.NewResolver(tt.side, conflict.ServerWins),
			}).Apply(ctx, bi)
			if err != nil {
				t.Fatalf("Apply() failed: %v", err)
			}
			if stats.TotalConflicts() != 1 {
				t.Errorf("conflicts = %d, want 1", stats.TotalConflicts())
			}
			if got := label(t, p, 1); got != tt.want {
				t.Errorf("label = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestApply_ConflictWithoutPolicyRollsBack(t *testing.T) {
	p := openStore(t)
	items := testSchema().Tables[0]
	if _, err := p.DB().Exec(`INSERT INTO items (id, label) VALUES (2, 'local')`); err != nil {
		t.Fatal(err)
	}
	a := New(p, log.New(io.Discard, "", 0))
	bi := spool(t, batch.DefaultOptions(), &changes.TableChanges{Table: items, Rows: rows(changes.StateModified, 1, 2)})

	_, err := a.NewSession(Options{SenderScopeID: sender, Schema: testSchema()}).Apply(context.Background(), bi)
	if !errors.Is(err, syncerr.ErrNoConflictPolicy) {
		t.Fatalf("error = %v, want ErrNoConflictPolicy", err)
	}
	// Row 1 was written before the conflict; the part rolled back as a whole.
	if count(t, p) != 1 {
		t.Errorf("items = %d, want 1 after rollback", count(t, p))
	}
}

func TestApply_DataErrorsAreRecorded(t *testing.T) {
	p := openStore(t)
	items := testSchema().Tables[0]
	a := New(p, log.New(io.Discard, "", 0))

	bad := rows(changes.StateInserted, 1, 2, 3)
	bad[1].Values[1] = nil // label is NOT NULL

	bi := spool(t, batch.DefaultOptions(), &changes.TableChanges{Table: items, Rows: bad})
	stats, err := a.NewSession(Options{SenderScopeID: sender, Schema: testSchema()}).Apply(context.Background(), bi)
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	if stats.TotalApplied() != 2 || stats.TotalFailed() != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if len(stats.FailedRows) != 1 || stats.FailedRows[0].PrimaryKey[0] != int64(2) {
		t.Errorf("FailedRows = %+v", stats.FailedRows)
	}
	if count(t, p) != 2 {
		t.Errorf("items = %d, want 2", count(t, p))
	}
}

func TestApply_RemapsColumns(t *testing.T) {
	p := openStore(t)
	a := New(p, log.New(io.Discard, "", 0))

	// The sender lists columns in a different order.
	reordered := &schema.Table{
		Name:        "items",
		Columns:     []schema.Column{{Name: "label", Type: schema.TypeString}, {Name: "id", Type: schema.TypeInt64}},
		PrimaryKeys: []string{"id"},
	}
	bi := spool(t, batch.DefaultOptions(), &changes.TableChanges{
		Table: reordered,
		Rows:  []*changes.Row{{State: changes.StateInserted, Values: []interface{}{"swapped", int64(7)}}},
	})
	if _, err := a.NewSession(Options{SenderScopeID: sender, Schema: testSchema()}).Apply(context.Background(), bi); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	if got := label(t, p, 7); got != "swapped" {
		t.Errorf("label = %q, want swapped", got)
	}

	unknown := &schema.Table{Name: "ghosts", Columns: []schema.Column{{Name: "id", Type: schema.TypeInt64}}, PrimaryKeys: []string{"id"}}
	bi = spool(t, batch.DefaultOptions(), &changes.TableChanges{Table: unknown, Rows: []*changes.Row{{State: changes.StateInserted, Values: []interface{}{int64(1)}}}})
	if _, err := a.NewSession(Options{Schema: testSchema()}).Apply(context.Background(), bi); err == nil {
		t.Error("expected error for a table outside the scope")
	}
}
