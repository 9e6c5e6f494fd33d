// Package conflict detects and resolves concurrent changes to the same
// primary key on two peers.
//
// A conflict exists when the receiving store changed the key after the last
// common watermark and that change was not itself written on behalf of the
// sender. Types are named local change first, remote change second.
//
// Policies are phrased from the server's point of view (server wins or
// client wins) and the Resolver maps them onto keep-local or apply-incoming
// using the side it runs on. No default policy exists: a conflict with no
// configured policy fails the batch part.
package conflict

import (
	"context"
	"fmt"

	"github.com/rowsync/rowsync/internal/changes"
	"github.com/rowsync/rowsync/internal/schema"
	"github.com/rowsync/rowsync/internal/syncerr"
)

// Type classifies a conflict.
type Type int

const (
	// InsertInsert is both peers creating the same key.
	InsertInsert Type = iota + 1
	// UpdateUpdate is both peers modifying the key.
	UpdateUpdate
	// UpdateDelete is a local modification against a remote delete.
	UpdateDelete
	// DeleteUpdate is a local delete against a remote modification.
	DeleteUpdate
)

func (t Type) String() string {
	switch t {
	case InsertInsert:
		return "insert-insert"
	case UpdateUpdate:
		return "update-update"
	case UpdateDelete:
		return "update-delete"
	case DeleteUpdate:
		return "delete-update"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// ParseType is the inverse of Type.String.
func ParseType(s string) (Type, error) {
	for _, t := range []Type{InsertInsert, UpdateUpdate, UpdateDelete, DeleteUpdate} {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown conflict type %q", s)
}

// Policy decides the winner of a conflict.
type Policy int

const (
	// PolicyNone means no policy is configured.
	PolicyNone Policy = iota
	ServerWins
	ClientWins
	// Merge hands both rows to a callback.
	Merge
)

func (p Policy) String() string {
	switch p {
	case ServerWins:
		return "server_wins"
	case ClientWins:
		return "client_wins"
	case Merge:
		return "merge"
	default:
		return "none"
	}
}

// ParsePolicy is the inverse of Policy.String. Empty maps to PolicyNone.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "none":
		return PolicyNone, nil
	case "server_wins":
		return ServerWins, nil
	case "client_wins":
		return ClientWins, nil
	case "merge":
		return Merge, nil
	}
	return PolicyNone, fmt.Errorf("unknown conflict policy %q", s)
}

// Side is where the resolver runs.
type Side int

const (
	SideServer Side = iota
	SideClient
)

// Action is what the applier does with a resolved conflict.
type Action int

const (
	// ApplyIncoming writes the remote row and tags it with the sender.
	ApplyIncoming Action = iota + 1
	// KeepLocal leaves the local row untouched. Its tracking entry is
	// already newer than the sender's watermark, so it travels back.
	KeepLocal
	// ApplyMerged writes the merged row as a local change, so it travels
	// back to the sender.
	ApplyMerged
)

// Conflict is a single conflicting key.
type Conflict struct {
	Type   Type
	Table  *schema.Table
	Local  *changes.Row
	Remote *changes.Row
}

// MergeFunc builds the row to persist from both versions. It runs
// synchronously inside the part's transaction. Returning nil or an error
// fails the part.
type MergeFunc func(ctx context.Context, c *Conflict) (*changes.Row, error)

// Resolution is the outcome of Resolve.
type Resolution struct {
	Action Action
	// Row is the merged row for ApplyMerged.
	Row *changes.Row
}

// Detect reports whether applying remote over local is a conflict.
// watermark is the receiver's last common timestamp with the sender, and
// sender is the sender's scope id.
func Detect(local *changes.LocalRow, remote *changes.Row, watermark int64, sender string) (Type, bool) {
	if local == nil || !local.Tracked {
		return 0, false
	}
	if local.UpdateTimestamp <= watermark {
		return 0, false
	}
	if sender != "" && local.UpdateScopeID == sender {
		return 0, false
	}

	localDeleted := local.IsTombstone
	remoteDeleted := remote.IsTombstone()
	switch {
	case localDeleted && remoteDeleted:
		return 0, false
	case localDeleted:
		return DeleteUpdate, true
	case remoteDeleted:
		return UpdateDelete, true
	case local.CreateTimestamp > watermark && remote.State == changes.StateInserted:
		return InsertInsert, true
	default:
		return UpdateUpdate, true
	}
}

// Resolver applies the configured policies on one side of the sync.
type Resolver struct {
	Side Side
	// Default applies to every type without an override.
	Default   Policy
	Overrides map[Type]Policy
	Merge     MergeFunc
}

// NewResolver creates a resolver with a single policy for every type.
func NewResolver(side Side, policy Policy) *Resolver {
	return &Resolver{Side: side, Default: policy}
}

// PolicyFor returns the policy for a conflict type.
func (r *Resolver) PolicyFor(t Type) Policy {
	if p, ok := r.Overrides[t]; ok && p != PolicyNone {
		return p
	}
	return r.Default
}

// Resolve decides the winner of a conflict.
func (r *Resolver) Resolve(ctx context.Context, c *Conflict) (Resolution, error) {
	policy := PolicyNone
	if r != nil {
		policy = r.PolicyFor(c.Type)
	}

	switch policy {
	case ServerWins:
		if r.Side == SideServer {
			return Resolution{Action: KeepLocal}, nil
		}
		return Resolution{Action: ApplyIncoming}, nil

	case ClientWins:
		if r.Side == SideServer {
			return Resolution{Action: ApplyIncoming}, nil
		}
		return Resolution{Action: KeepLocal}, nil

	case Merge:
		if r.Merge == nil {
			return Resolution{}, syncerr.Errorf(syncerr.ErrMergeFailed, "no merge callback for %s conflict on %s", c.Type, c.Table.FullName())
		}
		row, err := r.Merge(ctx, c)
		if err != nil {
			return Resolution{}, syncerr.New(syncerr.KindConflict, "merge", fmt.Errorf("%w: %v", syncerr.ErrMergeFailed, err))
		}
		if row == nil {
			return Resolution{}, syncerr.Errorf(syncerr.ErrMergeFailed, "merge returned no row for %s", c.Table.FullName())
		}
		return Resolution{Action: ApplyMerged, Row: row}, nil
	}

	return Resolution{}, syncerr.Errorf(syncerr.ErrNoConflictPolicy, "%s conflict on %s", c.Type, c.Table.FullName())
}
