package conflict

import (
	"context"
	"errors"
	"testing"

	"github.com/rowsync/rowsync/internal/changes"
	"github.com/rowsync/rowsync/internal/schema"
	"github.com/rowsync/rowsync/internal/syncerr"
)

var table = &schema.Table{
	Name:        "customers",
	Columns:     []schema.Column{{Name: "id", Type: schema.TypeInt64}, {Name: "name", Type: schema.TypeString}},
	PrimaryKeys: []string{"id"},
}

func TestDetect(t *testing.T) {
	const watermark = 10
	const sender = "client-a"

	inserted := &changes.Row{State: changes.StateInserted}
	modified := &changes.Row{State: changes.StateModified}
	deleted := &changes.Row{State: changes.StateDeleted}

	tests := []struct {
		name     string
		local    *changes.LocalRow
		remote   *changes.Row
		want     Type
		conflict bool
	}{
		{"untracked local row", &changes.LocalRow{Exists: true}, modified, 0, false},
		{"missing local row", nil, inserted, 0, false},
		{"local unchanged since watermark", &changes.LocalRow{Exists: true, Tracked: true, UpdateTimestamp: 10}, modified, 0, false},
		{"local written by sender", &changes.LocalRow{Exists: true, Tracked: true, UpdateTimestamp: 12, UpdateScopeID: sender}, modified, 0, false},
		{"both inserted", &changes.LocalRow{Exists: true, Tracked: true, UpdateTimestamp: 12, CreateTimestamp: 12}, inserted, InsertInsert, true},
		{"local inserted remote modified", &changes.LocalRow{Exists: true, Tracked: true, UpdateTimestamp: 12, CreateTimestamp: 12}, modified, UpdateUpdate, true},
		{"both modified", &changes.LocalRow{Exists: true, Tracked: true, UpdateTimestamp: 12, CreateTimestamp: 3}, modified, UpdateUpdate, true},
		{"local modified remote deleted", &changes.LocalRow{Exists: true, Tracked: true, UpdateTimestamp: 12}, deleted, UpdateDelete, true},
		{"local deleted remote modified", &changes.LocalRow{Tracked: true, IsTombstone: true, UpdateTimestamp: 12}, modified, DeleteUpdate, true},
		{"both deleted", &changes.LocalRow{Tracked: true, IsTombstone: true, UpdateTimestamp: 12}, deleted, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Detect(tt.local, tt.remote, watermark, sender)
			if ok != tt.conflict || got != tt.want {
				t.Errorf("Detect() = %v, %v; want %v, %v", got, ok, tt.want, tt.conflict)
			}
		})
	}
}

func TestResolvePolicies(t *testing.T) {
	c := &Conflict{Type: InsertInsert, Table: table}
	ctx := context.Background()

	tests := []struct {
		side   Side
		policy Policy
		want   Action
	}{
		{SideServer, ServerWins, KeepLocal},
		{SideClient, ServerWins, ApplyIncoming},
		{SideServer, ClientWins, ApplyIncoming},
		{SideClient, ClientWins, KeepLocal},
	}

	for _, tt := range tests {
		res, err := NewResolver(tt.side, tt.policy).Resolve(ctx, c)
		if err != nil {
			t.Fatalf("Resolve(%v, %v) error = %v", tt.side, tt.policy, err)
		}
		if res.Action != tt.want {
			t.Errorf("Resolve(%v, %v) = %v, want %v", tt.side, tt.policy, res.Action, tt.want)
		}
	}
}

func TestResolveRequiresPolicy(t *testing.T) {
	c := &Conflict{Type: UpdateDelete, Table: table}

	r := &Resolver{Side: SideServer, Overrides: map[Type]Policy{InsertInsert: ServerWins}}
	_, err := r.Resolve(context.Background(), c)
	if !errors.Is(err, syncerr.ErrNoConflictPolicy) {
		t.Fatalf("error = %v, want ErrNoConflictPolicy", err)
	}
	if syncerr.KindOf(err) != syncerr.KindConflict {
		t.Errorf("kind = %s, want conflict", syncerr.KindOf(err))
	}

	var nilResolver *Resolver
	if _, err := nilResolver.Resolve(context.Background(), c); !errors.Is(err, syncerr.ErrNoConflictPolicy) {
		t.Errorf("nil resolver error = %v, want ErrNoConflictPolicy", err)
	}
}

func TestResolveOverrides(t *testing.T) {
	r := &Resolver{Side: SideClient, Default: ServerWins, Overrides: map[Type]Policy{UpdateDelete: ClientWins}}

	res, _ := r.Resolve(context.Background(), &Conflict{Type: UpdateDelete, Table: table})
	if res.Action != KeepLocal {
		t.Errorf("override: action = %v, want KeepLocal", res.Action)
	}
	res, _ = r.Resolve(context.Background(), &Conflict{Type: UpdateUpdate, Table: table})
	if res.Action != ApplyIncoming {
		t.Errorf("default: action = %v, want ApplyIncoming", res.Action)
	}
}

func TestResolveMerge(t *testing.T) {
	local := &changes.Row{State: changes.StateModified, Values: []interface{}{int64(1), "local"}}
	remote := &changes.Row{State: changes.StateModified, Values: []interface{}{int64(1), "remote"}}
	c := &Conflict{Type: UpdateUpdate, Table: table, Local: local, Remote: remote}

	r := NewResolver(SideServer, Merge)
	r.Merge = func(ctx context.Context, c *Conflict) (*changes.Row, error) {
		return &changes.Row{
			State:  changes.StateModified,
			Values: []interface{}{c.Local.Values[0], c.Local.Values[1].(string) + "+" + c.Remote.Values[1].(string)},
		}, nil
	}

	res, err := r.Resolve(context.Background(), c)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Action != ApplyMerged || res.Row.Values[1] != "local+remote" {
		t.Errorf("Resolve() = %+v", res)
	}

	r.Merge = func(ctx context.Context, c *Conflict) (*changes.Row, error) { return nil, nil }
	if _, err := r.Resolve(context.Background(), c); !errors.Is(err, syncerr.ErrMergeFailed) {
		t.Errorf("nil merge row error = %v, want ErrMergeFailed", err)
	}

	r.Merge = func(ctx context.Context, c *Conflict) (*changes.Row, error) { return nil, errors.New("cannot decide") }
	if _, err := r.Resolve(context.Background(), c); !errors.Is(err, syncerr.ErrMergeFailed) {
		t.Errorf("merge error = %v, want ErrMergeFailed", err)
	}

	r.Merge = nil
	if _, err := r.Resolve(context.Background(), c); !errors.Is(err, syncerr.ErrMergeFailed) {
		t.Errorf("missing callback error = %v, want ErrMergeFailed", err)
	}
}

func TestParsePolicy(t *testing.T) {
	for _, p := range []Policy{PolicyNone, ServerWins, ClientWins, Merge} {
		got, err := ParsePolicy(p.String())
		if err != nil || got != p {
			t.Errorf("ParsePolicy(%q) = %v, %v", p.String(), got, err)
		}
	}
	if _, err := ParsePolicy("last_writer_wins"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
