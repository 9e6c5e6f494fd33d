package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/rowsync/rowsync/internal/batch"
	"github.com/rowsync/rowsync/internal/changes"
	"github.com/rowsync/rowsync/internal/schema"
	"github.com/rowsync/rowsync/internal/setup"
)

// Remote is the server side of a session as seen by the client.
type Remote interface {
	BeginSession(ctx context.Context, sc *SyncContext) (*BeginSessionResponse, error)
	EnsureScopes(ctx context.Context, sc *SyncContext, req *EnsureScopesRequest) (*EnsureScopesResponse, error)
	EnsureConfiguration(ctx context.Context, sc *SyncContext) (*EnsureConfigurationResponse, error)
	EnsureDatabase(ctx context.Context, sc *SyncContext) (*EnsureDatabaseResponse, error)
	ApplyChanges(ctx context.Context, sc *SyncContext, req *ApplyChangesRequest) (*ApplyChangesResponse, error)
	GetChangeBatch(ctx context.Context, sc *SyncContext, req *GetChangeBatchRequest) (*GetChangeBatchResponse, error)
	WriteScopes(ctx context.Context, sc *SyncContext, req *WriteScopesRequest) (*WriteScopesResponse, error)
	EndSession(ctx context.Context, sc *SyncContext) error
}

type BeginSessionResponse struct {
	SessionID string `json:"session_id"`
}

type EnsureScopesRequest struct {
	// ClientConfigID is the config id the client last provisioned with
	ClientConfigID uuid.UUID `json:"client_config_id"`
}

type EnsureScopesResponse struct {
	ServerScopeID uuid.UUID `json:"server_scope_id"`
	ConfigID      uuid.UUID `json:"config_id"`
}

type EnsureConfigurationResponse struct {
	ConfigID uuid.UUID      `json:"config_id"`
	Setup    *setup.Setup   `json:"setup"`
	Schema   *schema.Schema `json:"schema"`
}

type EnsureDatabaseResponse struct {
	// Provisioned lists the tables the server tracks for the scope
	Provisioned []string `json:"provisioned"`
}

// ApplyChangesRequest carries one upload part.
type ApplyChangesRequest struct {
	// LastServerSyncTimestamp is the client's effective server watermark
	LastServerSyncTimestamp int64 `json:"last_server_sync_timestamp"`

	// IsNew is set while the client scope has never completed a sync
	IsNew bool `json:"is_new"`

	BatchIndex  int              `json:"batch_index"`
	IsLastBatch bool             `json:"is_last_batch"`
	Part        *batch.BatchPart `json:"part"`
}

// ApplyChangesResponse acknowledges a part. The download fields are only
// set once the last part has been applied.
type ApplyChangesResponse struct {
	BatchIndex int `json:"batch_index"`

	// ServerTimestamp is the server timestamp captured before the
	// download was selected
	ServerTimestamp int64 `json:"server_timestamp,omitempty"`

	// Applied holds the server's apply statistics for the whole upload
	Applied *changes.DatabaseChangesApplied `json:"applied,omitempty"`

	// DownloadParts is the number of parts waiting in GetChangeBatch
	DownloadParts int `json:"download_parts,omitempty"`
	DownloadRows  int `json:"download_rows,omitempty"`
}

type GetChangeBatchRequest struct {
	BatchIndex int `json:"batch_index"`
}

type GetChangeBatchResponse struct {
	BatchIndex  int              `json:"batch_index"`
	IsLastBatch bool             `json:"is_last_batch"`
	RowCount    int              `json:"row_count"`
	Part        *batch.BatchPart `json:"part"`
}

type WriteScopesRequest struct {
	UserComment string `json:"user_comment,omitempty"`
}

type WriteScopesResponse struct {
	LastSyncTimestamp int64 `json:"last_sync_timestamp"`
}
