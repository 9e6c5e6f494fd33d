package dashboard

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rowsync/rowsync/internal/orchestrator"
)

// Stats are the running totals broadcast with every result.
type Stats struct {
	Syncs      int       `json:"syncs"`
	Failures   int       `json:"failures"`
	Uploaded   int       `json:"uploaded"`
	Downloaded int       `json:"downloaded"`
	Conflicts  int       `json:"conflicts"`
	LastSync   time.Time `json:"last_sync,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// ResultData is the payload of sync_complete and sync_failed messages.
type ResultData struct {
	SessionID  string `json:"session_id,omitempty"`
	ScopeName  string `json:"scope_name,omitempty"`
	Uploaded   int    `json:"uploaded"`
	Downloaded int    `json:"downloaded"`
	Conflicts  int    `json:"conflicts"`
	FailedRows int    `json:"failed_rows"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Handler turns session progress and results into dashboard messages.
type Handler struct {
	server *Server

	mu    sync.Mutex
	stats Stats
}

// NewHandler creates a handler broadcasting to server. New clients are
// greeted with the current stats.
func NewHandler(server *Server) *Handler {
	h := &Handler{server: server}
	server.SetWelcome(func() Message {
		return newMessage(MessageTypeStats, h.Stats())
	})
	return h
}

// OnProgress broadcasts one progress event. It matches
// orchestrator.ProgressFunc.
func (h *Handler) OnProgress(ev orchestrator.ProgressEvent) {
	h.server.Broadcast(newMessage(MessageTypeProgress, ev))
}

// OnResult records a finished sync and broadcasts it followed by the
// updated stats.
func (h *Handler) OnResult(result *orchestrator.SyncResult, err error) {
	data := ResultData{}
	if result != nil {
		data.SessionID = result.SessionID
		data.ScopeName = result.ScopeName
		data.Uploaded = result.Uploaded
		data.Downloaded = result.Downloaded
		data.Conflicts = result.Conflicts
		data.FailedRows = len(result.FailedRows)
		data.DurationMS = result.Duration().Milliseconds()
	}

	h.mu.Lock()
	h.stats.Syncs++
	h.stats.Uploaded += data.Uploaded
	h.stats.Downloaded += data.Downloaded
	h.stats.Conflicts += data.Conflicts
	h.stats.LastSync = time.Now()
	if err != nil {
		h.stats.Failures++
		h.stats.LastError = err.Error()
	} else {
		h.stats.LastError = ""
	}
	stats := h.stats
	h.mu.Unlock()

	msgType := MessageTypeSyncComplete
	if err != nil {
		msgType = MessageTypeSyncFailed
		data.Error = err.Error()
	}
	h.server.Broadcast(newMessage(msgType, data))
	h.server.Broadcast(newMessage(MessageTypeStats, stats))
}

// Stats returns a copy of the running totals.
func (h *Handler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func newMessage(t MessageType, data interface{}) Message {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = nil
	}
	return Message{Type: t, Timestamp: time.Now(), Data: raw}
}
