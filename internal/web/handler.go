package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang/snappy"

	"github.com/rowsync/rowsync/internal/orchestrator"
	"github.com/rowsync/rowsync/internal/syncerr"
)

// DefaultMaxBodyBytes bounds a request body.
const DefaultMaxBodyBytes = 64 << 20

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	// MaxBodyBytes limits request bodies (default: DefaultMaxBodyBytes)
	MaxBodyBytes int64

	// Compress answers with snappy bodies when the client accepts them
	Compress bool

	// Metrics receives per-step counters. Defaults to a fresh registry.
	Metrics *Metrics

	Logger *log.Logger
}

// Handler serves the session protocol of an orchestrator.Server over HTTP.
// Session state lives in the server's SessionStore, so any instance
// sharing that store can serve any step.
type Handler struct {
	server  *orchestrator.Server
	opts    HandlerOptions
	metrics *Metrics
	logger  *log.Logger
	mux     *http.ServeMux
}

// NewHandler creates a Handler serving SyncPath, /metrics and /health.
func NewHandler(server *orchestrator.Server, opts HandlerOptions) *Handler {
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[web] ", log.LstdFlags)
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(server.ActiveLeases)
	}
	h := &Handler{
		server:  server,
		opts:    opts,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		mux:     http.NewServeMux(),
	}
	h.mux.HandleFunc("POST "+SyncPath, h.handleSync)
	h.mux.Handle("GET /metrics", h.metrics.Handler())
	h.mux.HandleFunc("GET /health", h.handleHealth)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Metrics returns the handler's collectors.
func (h *Handler) Metrics() *Metrics {
	return h.metrics
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	msg, err := h.decode(w, r)
	if err != nil {
		h.fail(w, r, 0, err)
		return
	}
	resp, err := h.dispatch(r.Context(), msg, r.Header.Get(SessionHeader))
	h.observe(msg.Step, resp, err, time.Since(start))
	if err != nil {
		h.fail(w, r, msg.Step, err)
		return
	}
	h.write(w, r, http.StatusOK, resp)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (*Message, error) {
	var body io.Reader = http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes)
	if strings.EqualFold(r.Header.Get("Content-Encoding"), encodingSnappy) {
		body = snappy.NewReader(body)
	}

	var msg Message
	if err := json.NewDecoder(body).Decode(&msg); err != nil {
		return nil, syncerr.New(syncerr.KindProtocol, "decode", fmt.Errorf("failed to decode request: %w", err))
	}
	if err := CheckVersion(msg.Version); err != nil {
		return nil, err
	}
	if msg.Context == nil {
		return nil, syncerr.Errorf(syncerr.ErrMissingPayload, "request has no sync context")
	}
	return &msg, nil
}

// dispatch routes the message on its step alone.
func (h *Handler) dispatch(ctx context.Context, msg *Message, sessionHeader string) (*Response, error) {
	sc := msg.Context
	if sc.SessionID == "" {
		sc.SessionID = sessionHeader
	}
	sc.Step = msg.Step

	resp := &Response{Version: ProtocolVersion, Step: msg.Step, SessionID: sc.SessionID}
	var err error
	switch msg.Step {
	case orchestrator.StepBeginSession:
		resp.BeginSession, err = h.server.BeginSession(ctx, sc)
		if err == nil {
			resp.SessionID = resp.BeginSession.SessionID
		}
	case orchestrator.StepEnsureScopes:
		resp.EnsureScopes, err = h.server.EnsureScopes(ctx, sc, msg.EnsureScopes)
	case orchestrator.StepEnsureConfiguration:
		resp.EnsureConfiguration, err = h.server.EnsureConfiguration(ctx, sc)
	case orchestrator.StepEnsureDatabase:
		resp.EnsureDatabase, err = h.server.EnsureDatabase(ctx, sc)
	case orchestrator.StepApplyChanges:
		resp.ApplyChanges, err = h.server.ApplyChanges(ctx, sc, msg.ApplyChanges)
	case orchestrator.StepGetChangeBatch:
		resp.GetChangeBatch, err = h.server.GetChangeBatch(ctx, sc, msg.GetChangeBatch)
	case orchestrator.StepWriteScopes:
		resp.WriteScopes, err = h.server.WriteScopes(ctx, sc, msg.WriteScopes)
	case orchestrator.StepEndSession:
		err = h.server.EndSession(ctx, sc)
	default:
		err = syncerr.Errorf(syncerr.ErrUnknownStep, "step %d", int(msg.Step))
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, step orchestrator.Step, err error) {
	body := newErrorBody(err)
	status := StatusFor(syncerr.ParseKind(body.ErrorType))
	if status >= http.StatusInternalServerError || body.redacted(err) {
		h.logger.Printf("Step %s failed: %v", step, err)
	}
	h.write(w, r, status, &Response{Version: ProtocolVersion, Step: step, Error: body})
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request, status int, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		h.logger.Printf("Failed to encode response: %v", err)
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}

	if resp.SessionID != "" {
		w.Header().Set(SessionHeader, resp.SessionID)
	}
	w.Header().Set("Content-Type", contentType)
	if !h.opts.Compress || !acceptsSnappy(r.Header) {
		w.WriteHeader(status)
		_, _ = w.Write(data)
		return
	}

	w.Header().Set("Content-Encoding", encodingSnappy)
	w.WriteHeader(status)
	sw := snappy.NewBufferedWriter(w)
	if _, err := sw.Write(data); err != nil {
		h.logger.Printf("Warning: failed to write response: %v", err)
	}
	if err := sw.Close(); err != nil {
		h.logger.Printf("Warning: failed to flush response: %v", err)
	}
}

func acceptsSnappy(header http.Header) bool {
	for _, enc := range strings.Split(header.Get("Accept-Encoding"), ",") {
		if strings.EqualFold(strings.TrimSpace(enc), encodingSnappy) {
			return true
		}
	}
	return false
}

func (h *Handler) observe(step orchestrator.Step, resp *Response, err error, elapsed time.Duration) {
	status := "ok"
	if err != nil {
		status = syncerr.KindOf(err).String()
	}
	h.metrics.steps.WithLabelValues(step.String(), status).Inc()
	h.metrics.stepDuration.WithLabelValues(step.String()).Observe(elapsed.Seconds())
	if resp == nil {
		return
	}
	if a := resp.ApplyChanges; a != nil && a.Applied != nil {
		h.metrics.rowsApplied.Add(float64(a.Applied.TotalApplied()))
		h.metrics.rowsFailed.Add(float64(a.Applied.TotalFailed()))
		h.metrics.conflicts.Add(float64(a.Applied.TotalConflicts()))
	}
	if g := resp.GetChangeBatch; g != nil {
		h.metrics.rowsServed.Add(float64(g.RowCount))
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", contentType)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"sessions": h.server.ActiveLeases(),
		"version":  ProtocolVersion,
	})
}
