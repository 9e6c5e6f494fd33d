// Package orchestrator drives a sync session between a client database and
// a server.
//
// A session walks a fixed sequence of steps. The client Agent calls each
// step on a Remote, which is either the Server itself (in-process sync) or
// an HTTP client talking to a Server behind the web handler:
//
//	BeginSession → EnsureScopes → EnsureConfiguration → EnsureDatabase →
//	ApplyChanges (upload parts) → GetChangeBatch (download parts) →
//	WriteScopes → EndSession
//
// EnsureConfiguration is skipped when the client already holds the server's
// configuration. EndSession always runs.
package orchestrator

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Step identifies one request of the session protocol.
type Step int

const (
	StepBeginSession Step = iota + 1
	StepEnsureScopes
	StepEnsureConfiguration
	StepEnsureDatabase
	StepApplyChanges
	StepGetChangeBatch
	StepWriteScopes
	StepEndSession
)

var stepNames = map[Step]string{
	StepBeginSession:        "begin_session",
	StepEnsureScopes:        "ensure_scopes",
	StepEnsureConfiguration: "ensure_configuration",
	StepEnsureDatabase:      "ensure_database",
	StepApplyChanges:        "apply_changes",
	StepGetChangeBatch:      "get_change_batch",
	StepWriteScopes:         "write_scopes",
	StepEndSession:          "end_session",
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Step(%d)", int(s))
}

// ParseStep is the inverse of Step.String.
func ParseStep(name string) (Step, bool) {
	for s, n := range stepNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}

// MarshalText encodes the step by name.
func (s Step) MarshalText() ([]byte, error) {
	if _, ok := stepNames[s]; !ok {
		return nil, fmt.Errorf("unknown step %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a step name.
func (s *Step) UnmarshalText(text []byte) error {
	step, ok := ParseStep(string(text))
	if !ok {
		return fmt.Errorf("unknown step %q", text)
	}
	*s = step
	return nil
}

// SyncContext identifies the session a request belongs to.
type SyncContext struct {
	// SessionID is assigned by the server in BeginSession
	SessionID string `json:"session_id,omitempty"`

	// ScopeName is the scope being synced
	ScopeName string `json:"scope_name"`

	// ClientID is the client's scope id
	ClientID uuid.UUID `json:"client_id"`

	// Step is the step being requested
	Step Step `json:"step"`

	// Parameters are the filter values supplied by the client
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// ProgressEvent reports the progress of a session.
type ProgressEvent struct {
	SessionID string    `json:"session_id"`
	ScopeName string    `json:"scope_name"`
	Step      Step      `json:"step"`
	Message   string    `json:"message"`
	PartIndex int       `json:"part_index,omitempty"`
	PartCount int       `json:"part_count,omitempty"`
	Rows      int       `json:"rows,omitempty"`
	Time      time.Time `json:"time"`
}

// ProgressFunc receives progress events. It is called synchronously from
// the goroutine driving the session and must not block.
type ProgressFunc func(ProgressEvent)
