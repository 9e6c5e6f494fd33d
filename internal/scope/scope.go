// Package scope holds the persisted identity and watermarks of a sync scope.
//
// A client keeps one Scope row per scope name. LastTimestamp is the local
// timestamp captured when the client last selected its upload, and
// LastServerSyncTimestamp is the server timestamp captured when the server
// last selected a download for this client. A new scope reads both as zero,
// which makes its first sync exchange everything.
//
// The server keeps one Scope row describing itself (its id and config id)
// and one ClientHistory row per client that has completed a sync.
package scope

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rowsync/rowsync/internal/schema"
	"github.com/rowsync/rowsync/internal/setup"
)

// Scope is a named sync endpoint and its watermarks.
type Scope struct {
	Name                    string         `json:"name"`
	ID                      uuid.UUID      `json:"id"`
	ConfigID                uuid.UUID      `json:"config_id"`
	LastTimestamp           int64          `json:"last_timestamp"`
	LastServerSyncTimestamp int64          `json:"last_server_sync_timestamp"`
	IsNew                   bool           `json:"is_new"`
	LastSyncTime            time.Time      `json:"last_sync_time,omitempty"`
	UserComment             string         `json:"user_comment,omitempty"`
	Setup                   *setup.Setup   `json:"setup,omitempty"`
	Schema                  *schema.Schema `json:"schema,omitempty"`
}

// New returns a fresh scope with a random id.
func New(name string) *Scope {
	return &Scope{Name: name, ID: uuid.New(), IsNew: true}
}

// EffectiveTimestamp is the local watermark used for selection. It is zero
// while the scope is new, whatever is stored.
func (s *Scope) EffectiveTimestamp() int64 {
	if s.IsNew {
		return 0
	}
	return s.LastTimestamp
}

// EffectiveServerTimestamp is the server watermark reported to the server.
// It is zero while the scope is new.
func (s *Scope) EffectiveServerTimestamp() int64 {
	if s.IsNew {
		return 0
	}
	return s.LastServerSyncTimestamp
}

// Advance records a completed sync. Watermarks never move backwards.
func (s *Scope) Advance(localTimestamp, serverTimestamp int64, at time.Time) {
	if s.IsNew || localTimestamp > s.LastTimestamp {
		s.LastTimestamp = localTimestamp
	}
	if s.IsNew || serverTimestamp > s.LastServerSyncTimestamp {
		s.LastServerSyncTimestamp = serverTimestamp
	}
	s.IsNew = false
	s.LastSyncTime = at
}

// ConfigIDFor derives a stable config id from a setup and schema. Two
// servers with the same configuration produce the same id; any change to
// tables, columns or filters produces a new one.
func ConfigIDFor(data []byte) uuid.UUID {
	return uuid.NewSHA1(configNamespace, data)
}

var configNamespace = uuid.MustParse("6f1a8f0e-3c0b-4b8e-9a57-2f0d1c7e5b11")

// ClientHistory is the server's record of one client.
type ClientHistory struct {
	ScopeName         string                 `json:"scope_name"`
	ClientID          uuid.UUID              `json:"client_id"`
	LastSyncTimestamp int64                  `json:"last_sync_timestamp"`
	LastSyncTime      time.Time              `json:"last_sync_time"`
	Parameters        map[string]interface{} `json:"parameters,omitempty"`
	UserComment       string                 `json:"user_comment,omitempty"`
}

// Store persists scopes and client history.
type Store interface {
	// EnsureTables creates the scope tables if they do not exist.
	EnsureTables(ctx context.Context) error
	// GetScope returns the scope, or nil when it does not exist.
	GetScope(ctx context.Context, name string) (*Scope, error)
	SaveScope(ctx context.Context, s *Scope) error
	DeleteScope(ctx context.Context, name string) error
	// GetClient returns the history row, or nil when the client is unknown.
	GetClient(ctx context.Context, scopeName string, clientID uuid.UUID) (*ClientHistory, error)
	SaveClient(ctx context.Context, h *ClientHistory) error
	ListClients(ctx context.Context, scopeName string) ([]*ClientHistory, error)
}
