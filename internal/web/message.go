// Package web carries the session protocol over HTTP.
//
// Every step is one POST to SyncPath. The request body is a Message whose
// Step selects the payload field that must be set; the response is a
// Response with the matching result field, or an ErrorBody and a non-2xx
// status. Bodies may be snappy framed when Content-Encoding is "snappy".
package web

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/mod/semver"

	"github.com/rowsync/rowsync/internal/orchestrator"
	"github.com/rowsync/rowsync/internal/syncerr"
)

const (
	// SyncPath is the endpoint serving every step.
	SyncPath = "/sync"

	// SessionHeader mirrors the session id so a load balancer can pin a
	// session to one instance.
	SessionHeader = "X-Rowsync-Session"

	// ProtocolVersion is the envelope version. Peers must share the major
	// version.
	ProtocolVersion = "v1.0.0"

	encodingSnappy = "snappy"
	contentType    = "application/json"
)

// Message is the request envelope.
type Message struct {
	Version string                    `json:"version"`
	Step    orchestrator.Step         `json:"step"`
	Context *orchestrator.SyncContext `json:"context"`

	EnsureScopes   *orchestrator.EnsureScopesRequest   `json:"ensure_scopes,omitempty"`
	ApplyChanges   *orchestrator.ApplyChangesRequest   `json:"apply_changes,omitempty"`
	GetChangeBatch *orchestrator.GetChangeBatchRequest `json:"get_change_batch,omitempty"`
	WriteScopes    *orchestrator.WriteScopesRequest    `json:"write_scopes,omitempty"`
}

// Response is the reply envelope. Exactly one result field is set on
// success; Error is set otherwise.
type Response struct {
	Version   string            `json:"version"`
	Step      orchestrator.Step `json:"step,omitempty"`
	SessionID string            `json:"session_id,omitempty"`

	BeginSession        *orchestrator.BeginSessionResponse        `json:"begin_session,omitempty"`
	EnsureScopes        *orchestrator.EnsureScopesResponse        `json:"ensure_scopes,omitempty"`
	EnsureConfiguration *orchestrator.EnsureConfigurationResponse `json:"ensure_configuration,omitempty"`
	EnsureDatabase      *orchestrator.EnsureDatabaseResponse      `json:"ensure_database,omitempty"`
	ApplyChanges        *orchestrator.ApplyChangesResponse        `json:"apply_changes,omitempty"`
	GetChangeBatch      *orchestrator.GetChangeBatchResponse      `json:"get_change_batch,omitempty"`
	WriteScopes         *orchestrator.WriteScopesResponse         `json:"write_scopes,omitempty"`

	Error *ErrorBody `json:"error,omitempty"`
}

// ErrorBody describes a failed step.
type ErrorBody struct {
	// ErrorType is the syncerr kind name
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`

	// Code names the sentinel error, if any, so the client can rebuild it
	Code string `json:"code,omitempty"`

	DataSourceErrorNumber int `json:"data_source_error_number,omitempty"`
}

var sentinelCodes = map[string]error{
	"out_of_sequence":          syncerr.ErrOutOfSequence,
	"missing_payload":          syncerr.ErrMissingPayload,
	"unknown_scope":            syncerr.ErrUnknownScope,
	"unknown_step":             syncerr.ErrUnknownStep,
	"version_mismatch":         syncerr.ErrVersionMismatch,
	"session_not_found":        syncerr.ErrSessionNotFound,
	"session_busy":             syncerr.ErrSessionBusy,
	"no_conflict_policy":       syncerr.ErrNoConflictPolicy,
	"merge_failed":             syncerr.ErrMergeFailed,
	"missing_filter_parameter": syncerr.ErrMissingFilterParameter,
	"unsupported_type":         syncerr.ErrUnsupportedType,
}

func codeOf(err error) string {
	for code, sentinel := range sentinelCodes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ""
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind syncerr.Kind) int {
	switch kind {
	case syncerr.KindProtocol:
		return http.StatusBadRequest
	case syncerr.KindConflict:
		return http.StatusConflict
	case syncerr.KindData:
		return http.StatusUnprocessableEntity
	case syncerr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func kindForStatus(status int) syncerr.Kind {
	switch status {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusRequestEntityTooLarge:
		return syncerr.KindProtocol
	case http.StatusConflict:
		return syncerr.KindConflict
	case http.StatusUnprocessableEntity:
		return syncerr.KindData
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout, http.StatusTooManyRequests:
		return syncerr.KindTransient
	default:
		return syncerr.KindInternal
	}
}

// newErrorBody converts an error into its wire form. Data and internal
// errors without a sentinel code carry a generic message; the database
// error number still goes out.
func newErrorBody(err error) *ErrorBody {
	se := syncerr.Classify(err)
	body := &ErrorBody{
		ErrorType:             se.Kind.String(),
		Message:               err.Error(),
		Code:                  codeOf(err),
		DataSourceErrorNumber: se.DataSourceErrorNumber,
	}
	if body.Code == "" {
		switch se.Kind {
		case syncerr.KindData:
			body.Message = "data error"
		case syncerr.KindInternal:
			body.Message = "internal server error"
		}
	}
	return body
}

func (b *ErrorBody) redacted(err error) bool {
	return b.Message != err.Error()
}

// Err rebuilds a classified error from the wire form. Known sentinels
// survive, so errors.Is works across the transport.
func (b *ErrorBody) Err(op string) error {
	cause := errors.New(b.Message)
	if sentinel, ok := sentinelCodes[b.Code]; ok {
		cause = fmt.Errorf("%w: %s", sentinel, b.Message)
	}
	return &syncerr.Error{
		Kind:                  syncerr.ParseKind(b.ErrorType),
		Op:                    op,
		DataSourceErrorNumber: b.DataSourceErrorNumber,
		Err:                   cause,
	}
}

// CheckVersion accepts any version with the same major as ProtocolVersion.
func CheckVersion(v string) error {
	if !semver.IsValid(v) {
		return syncerr.Errorf(syncerr.ErrVersionMismatch, "invalid protocol version %q", v)
	}
	if semver.Major(v) != semver.Major(ProtocolVersion) {
		return syncerr.Errorf(syncerr.ErrVersionMismatch, "peer speaks %s, server speaks %s", v, ProtocolVersion)
	}
	return nil
}
