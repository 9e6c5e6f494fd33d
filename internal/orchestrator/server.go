package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rowsync/rowsync/internal/apply"
	"github.com/rowsync/rowsync/internal/batch"
	"github.com/rowsync/rowsync/internal/changes"
	"github.com/rowsync/rowsync/internal/conflict"
	"github.com/rowsync/rowsync/internal/provider"
	"github.com/rowsync/rowsync/internal/scope"
	"github.com/rowsync/rowsync/internal/setup"
	"github.com/rowsync/rowsync/internal/syncerr"
)

// DefaultSessionTTL is how long an idle session keeps its lease.
const DefaultSessionTTL = 30 * time.Minute

// ServerOptions configures a Server.
type ServerOptions struct {
	// Resolver handles conflicts between uploaded rows and server rows.
	// Without one, any conflict fails the upload.
	Resolver *conflict.Resolver

	// Batch controls how downloads and staged uploads are spooled
	Batch batch.Options

	// SessionTTL expires idle sessions and their leases
	SessionTTL time.Duration

	// Store keeps sessions between requests. Defaults to a MemoryStore.
	Store SessionStore

	// Tracer records a span per protocol request (default: global tracer)
	Tracer trace.Tracer

	Logger *log.Logger
}

// Server serves the session protocol for every scope of one provider.
// It implements Remote, so an Agent can drive it in process.
type Server struct {
	provider provider.Provider
	opts     ServerOptions
	store    SessionStore
	selector *changes.Selector
	applier  *apply.Applier
	logger   *log.Logger
	tracer   trace.Tracer
	now      func() time.Time

	mu     sync.Mutex
	leases map[string]lease
}

type lease struct {
	sessionID string
	expires   time.Time
}

// NewServer creates a Server. If opts.Logger is nil, a default logger
// writing to stderr is used.
func NewServer(p provider.Provider, opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.Batch.MaxPartSizeKB == 0 && opts.Batch.Directory == "" && !opts.Batch.InMemory {
		opts.Batch = batch.DefaultOptions()
	}
	store := opts.Store
	if store == nil {
		store = NewMemoryStore(opts.SessionTTL)
	}
	return &Server{
		provider: p,
		opts:     opts,
		store:    store,
		selector: changes.NewSelector(opts.Logger),
		applier:  apply.New(p, opts.Logger),
		logger:   opts.Logger,
		tracer:   opts.Tracer,
		now:      time.Now,
		leases:   make(map[string]lease),
	}
}

// Provider returns the server's provider.
func (s *Server) Provider() provider.Provider {
	return s.provider
}

// Store returns the session store.
func (s *Server) Store() SessionStore {
	return s.store
}

// ActiveLeases returns the number of scope/client pairs with a live session.
func (s *Server) ActiveLeases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	now := s.now()
	for _, l := range s.leases {
		if now.Before(l.expires) {
			n++
		}
	}
	return n
}

func leaseKey(scopeName string, clientID uuid.UUID) string {
	return scopeName + "|" + clientID.String()
}

func (s *Server) acquire(sc *SyncContext, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := leaseKey(sc.ScopeName, sc.ClientID)
	now := s.now()
	if l, ok := s.leases[key]; ok && now.Before(l.expires) {
		return syncerr.Errorf(syncerr.ErrSessionBusy, "client %s on scope %s (session %s)", sc.ClientID, sc.ScopeName, l.sessionID)
	}
	s.leases[key] = lease{sessionID: sessionID, expires: now.Add(s.opts.SessionTTL)}
	return nil
}

func (s *Server) touch(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := leaseKey(sess.ScopeName, sess.ClientID)
	if l, ok := s.leases[key]; ok && l.sessionID == sess.ID {
		l.expires = s.now().Add(s.opts.SessionTTL)
		s.leases[key] = l
	}
}

func (s *Server) release(sc *SyncContext) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := leaseKey(sc.ScopeName, sc.ClientID)
	if l, ok := s.leases[key]; ok && l.sessionID == sc.SessionID {
		delete(s.leases, key)
	}
}

// classify attaches a kind to provider errors so the client can tell a
// transient failure from a fatal one.
func (s *Server) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *syncerr.Error
	if errors.As(err, &se) {
		return err
	}
	c := syncerr.Classify(err, s.provider.ClassifyError)
	c.Op = op
	return c
}

func (s *Server) serverScope(ctx context.Context, name string) (*scope.Scope, error) {
	sc, err := s.provider.ScopeStore().GetScope(ctx, name)
	if err != nil {
		return nil, s.classify("load scope", err)
	}
	if sc == nil || sc.Setup == nil || sc.Schema == nil {
		return nil, syncerr.Errorf(syncerr.ErrUnknownScope, "%s is not provisioned on this server", name)
	}
	return sc, nil
}

// span starts a span for one request. The returned func ends it,
// recording err.
func (s *Server) span(ctx context.Context, step Step, sc *SyncContext) (context.Context, func(err error)) {
	ctx, span := s.tracer.Start(ctx, "server."+step.String(), trace.WithAttributes(
		attribute.String("rowsync.scope", sc.ScopeName),
		attribute.String("rowsync.session", sc.SessionID),
	))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// session loads the session for sc and checks the requested step does not
// move backwards. The step is only recorded by save.
func (s *Server) session(ctx context.Context, sc *SyncContext, step Step) (*Session, error) {
	if sc.SessionID == "" {
		return nil, syncerr.Errorf(syncerr.ErrSessionNotFound, "no session id for %s", step)
	}
	sess, err := s.store.Get(ctx, sc.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.ScopeName != sc.ScopeName || sess.ClientID != sc.ClientID {
		return nil, syncerr.Errorf(syncerr.ErrSessionNotFound, "session %s belongs to another client", sc.SessionID)
	}
	if step < sess.Step {
		return nil, syncerr.Errorf(syncerr.ErrOutOfSequence, "%s requested after %s", step, sess.Step)
	}
	s.touch(sess)
	return sess, nil
}

// save records step as the last one served and stores the session.
func (s *Server) save(ctx context.Context, sess *Session, step Step) error {
	sess.Step = step
	if err := s.store.Put(ctx, sess); err != nil {
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	return nil
}

// BeginSession opens a session and takes the lease on the scope for the
// calling client.
func (s *Server) BeginSession(ctx context.Context, sc *SyncContext) (*BeginSessionResponse, error) {
	if sc.ScopeName == "" {
		return nil, syncerr.Errorf(syncerr.ErrUnknownScope, "scope name is required")
	}
	if sc.ClientID == uuid.Nil {
		return nil, syncerr.New(syncerr.KindProtocol, StepBeginSession.String(), fmt.Errorf("client id is required"))
	}
	if _, err := s.serverScope(ctx, sc.ScopeName); err != nil {
		return nil, err
	}

	sess := &Session{
		ID:         uuid.NewString(),
		ScopeName:  sc.ScopeName,
		ClientID:   sc.ClientID,
		Parameters: sc.Parameters,
		Step:       StepBeginSession,
		CreatedAt:  s.now(),
	}
	if err := s.acquire(sc, sess.ID); err != nil {
		return nil, err
	}
	if err := s.save(ctx, sess, StepBeginSession); err != nil {
		s.release(&SyncContext{ScopeName: sc.ScopeName, ClientID: sc.ClientID, SessionID: sess.ID})
		return nil, err
	}

	s.logger.Printf("Session %s started for client %s on scope %s", sess.ID, sc.ClientID, sc.ScopeName)
	return &BeginSessionResponse{SessionID: sess.ID}, nil
}

// EnsureScopes returns the server scope id and the current config id.
func (s *Server) EnsureScopes(ctx context.Context, sc *SyncContext, req *EnsureScopesRequest) (*EnsureScopesResponse, error) {
	sess, err := s.session(ctx, sc, StepEnsureScopes)
	if err != nil {
		return nil, err
	}
	srv, err := s.serverScope(ctx, sc.ScopeName)
	if err != nil {
		return nil, err
	}
	if req != nil && req.ClientConfigID != uuid.Nil && req.ClientConfigID != srv.ConfigID {
		s.logger.Printf("Client %s holds config %s, server is at %s", sc.ClientID, req.ClientConfigID, srv.ConfigID)
	}
	if err := s.save(ctx, sess, StepEnsureScopes); err != nil {
		return nil, err
	}
	return &EnsureScopesResponse{ServerScopeID: srv.ID, ConfigID: srv.ConfigID}, nil
}

// EnsureConfiguration returns the setup and schema of the scope.
func (s *Server) EnsureConfiguration(ctx context.Context, sc *SyncContext) (*EnsureConfigurationResponse, error) {
	sess, err := s.session(ctx, sc, StepEnsureConfiguration)
	if err != nil {
		return nil, err
	}
	srv, err := s.serverScope(ctx, sc.ScopeName)
	if err != nil {
		return nil, err
	}
	if err := s.save(ctx, sess, StepEnsureConfiguration); err != nil {
		return nil, err
	}
	return &EnsureConfigurationResponse{ConfigID: srv.ConfigID, Setup: srv.Setup, Schema: srv.Schema}, nil
}

// EnsureDatabase checks the client's filter parameters bind and lists the
// tracked tables.
func (s *Server) EnsureDatabase(ctx context.Context, sc *SyncContext) (*EnsureDatabaseResponse, error) {
	sess, err := s.session(ctx, sc, StepEnsureDatabase)
	if err != nil {
		return nil, err
	}
	srv, err := s.serverScope(ctx, sc.ScopeName)
	if err != nil {
		return nil, err
	}
	for i := range srv.Setup.Filters {
		if _, err := srv.Setup.Filters[i].Bind(sess.Parameters); err != nil {
			return nil, err
		}
	}

	resp := &EnsureDatabaseResponse{}
	for _, t := range srv.Schema.Tables {
		resp.Provisioned = append(resp.Provisioned, t.FullName())
	}
	if err := s.save(ctx, sess, StepEnsureDatabase); err != nil {
		return nil, err
	}
	return resp, nil
}

// ApplyChanges stages one upload part. When the last part arrives the
// whole upload is applied, the server timestamp is captured and the
// download is selected and spooled. Re-sending the last part returns the
// same response without applying anything twice.
func (s *Server) ApplyChanges(ctx context.Context, sc *SyncContext, req *ApplyChangesRequest) (_ *ApplyChangesResponse, err error) {
	ctx, end := s.span(ctx, StepApplyChanges, sc)
	defer func() { end(err) }()
	if req == nil {
		return nil, syncerr.Errorf(syncerr.ErrMissingPayload, "apply changes request is empty")
	}
	sess, err := s.session(ctx, sc, StepApplyChanges)
	if err != nil {
		return nil, err
	}
	if sess.Applied != nil {
		if req.IsLastBatch && req.BatchIndex == sess.Applied.BatchIndex {
			return sess.Applied, nil
		}
		return nil, syncerr.Errorf(syncerr.ErrOutOfSequence, "upload already applied, got part %d", req.BatchIndex)
	}

	srv, err := s.serverScope(ctx, sc.ScopeName)
	if err != nil {
		return nil, err
	}

	if sess.UploadApplied != nil {
		// The upload is in; an earlier attempt failed selecting the download.
		if !req.IsLastBatch || req.BatchIndex != sess.UploadLast {
			return nil, syncerr.Errorf(syncerr.ErrOutOfSequence, "upload already applied, got part %d", req.BatchIndex)
		}
	} else {
		if sess.Upload == nil {
			sess.Upload = batch.NewBatchInfo(s.opts.Batch)
			sess.LastServerSyncTimestamp = req.LastServerSyncTimestamp
			sess.IsNew = req.IsNew
		}
		if _, err := sess.Upload.AddPart(req.BatchIndex, req.IsLastBatch, req.Part); err != nil {
			return nil, err
		}
		if !req.IsLastBatch {
			if err := s.save(ctx, sess, StepApplyChanges); err != nil {
				return nil, err
			}
			return &ApplyChangesResponse{BatchIndex: req.BatchIndex}, nil
		}

		watermark := sess.LastServerSyncTimestamp
		if sess.IsNew {
			watermark = 0
		}
		as := s.applier.NewSession(apply.Options{
			SenderScopeID: sc.ClientID.String(),
			Watermark:     watermark,
			Resolver:      s.opts.Resolver,
			Schema:        srv.Schema,
		})
		applied, err := as.Apply(ctx, sess.Upload)
		if err != nil {
			// The staged parts stay so the client can re-send the last one.
			if perr := s.save(ctx, sess, StepApplyChanges); perr != nil {
				s.logger.Printf("Warning: %v", perr)
			}
			return nil, s.classify(StepApplyChanges.String(), err)
		}
		sess.Upload = nil
		sess.UploadApplied = applied
		sess.UploadLast = req.BatchIndex
		if err := s.save(ctx, sess, StepApplyChanges); err != nil {
			return nil, err
		}
	}

	ts, download, err := s.selectDownload(ctx, sess, srv)
	if err != nil {
		return nil, err
	}
	sess.ServerTimestamp = ts
	sess.Download = download
	sess.DownloadNext = 0
	sess.Applied = &ApplyChangesResponse{
		BatchIndex:      req.BatchIndex,
		ServerTimestamp: ts,
		Applied:         sess.UploadApplied,
		DownloadParts:   len(download.Parts),
		DownloadRows:    download.RowCount(),
	}
	sess.UploadApplied = nil
	if err := s.save(ctx, sess, StepApplyChanges); err != nil {
		return nil, err
	}

	applied := sess.Applied.Applied
	s.logger.Printf("Session %s: applied %d rows (%d conflicts, %d failed), %d rows to download in %d parts",
		sess.ID, applied.TotalApplied(), applied.TotalConflicts(), applied.TotalFailed(),
		sess.Applied.DownloadRows, sess.Applied.DownloadParts)
	return sess.Applied, nil
}

// selectDownload captures the server timestamp and spools every change the
// client has not seen, inside one selection transaction.
func (s *Server) selectDownload(ctx context.Context, sess *Session, srv *scope.Scope) (int64, *batch.BatchInfo, error) {
	op := "select download"
	tx, err := s.provider.BeginSelection(ctx)
	if err != nil {
		return 0, nil, s.classify(op, err)
	}
	defer tx.Rollback()

	ts, err := s.provider.LocalTimestamp(ctx, tx)
	if err != nil {
		return 0, nil, s.classify(op, err)
	}

	watermark := sess.LastServerSyncTimestamp
	if sess.IsNew {
		watermark = 0
	}
	sp := batch.NewSpooler(s.opts.Batch)
	_, err = s.selector.SelectChanges(ctx, tx, s.provider, changes.Request{
		ScopeID:    sess.ClientID.String(),
		Watermark:  watermark,
		IsNew:      sess.IsNew,
		Flow:       setup.Download,
		Setup:      srv.Setup,
		Schema:     srv.Schema,
		Parameters: sess.Parameters,
	}, sp)
	if err != nil {
		sp.Abort()
		return 0, nil, s.classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		sp.Abort()
		return 0, nil, s.classify(op, err)
	}
	bi, err := sp.Finish()
	if err != nil {
		return 0, nil, err
	}
	return ts, bi, nil
}

// GetChangeBatch returns one download part. The next part or a repeat of
// the previous one may be requested.
func (s *Server) GetChangeBatch(ctx context.Context, sc *SyncContext, req *GetChangeBatchRequest) (_ *GetChangeBatchResponse, err error) {
	ctx, end := s.span(ctx, StepGetChangeBatch, sc)
	defer func() { end(err) }()
	if req == nil {
		return nil, syncerr.Errorf(syncerr.ErrMissingPayload, "get change batch request is empty")
	}
	sess, err := s.session(ctx, sc, StepGetChangeBatch)
	if err != nil {
		return nil, err
	}
	if sess.Download == nil {
		return nil, syncerr.Errorf(syncerr.ErrOutOfSequence, "no download prepared for session %s", sess.ID)
	}
	idx := req.BatchIndex
	if idx < 0 || idx >= len(sess.Download.Parts) || (idx != sess.DownloadNext && idx != sess.DownloadNext-1) {
		return nil, syncerr.Errorf(syncerr.ErrOutOfSequence, "part %d requested, expected %d", idx, sess.DownloadNext)
	}

	part, err := sess.Download.LoadPart(idx)
	if err != nil {
		return nil, err
	}
	info := sess.Download.Parts[idx]
	if idx == sess.DownloadNext {
		sess.DownloadNext++
	}
	if err := s.save(ctx, sess, StepGetChangeBatch); err != nil {
		return nil, err
	}
	return &GetChangeBatchResponse{
		BatchIndex:  idx,
		IsLastBatch: info.IsLastBatch,
		RowCount:    info.RowCount,
		Part:        part,
	}, nil
}

// WriteScopes records the client's sync in the scope history. It requires
// the whole download to have been served.
func (s *Server) WriteScopes(ctx context.Context, sc *SyncContext, req *WriteScopesRequest) (_ *WriteScopesResponse, err error) {
	ctx, end := s.span(ctx, StepWriteScopes, sc)
	defer func() { end(err) }()
	sess, err := s.session(ctx, sc, StepWriteScopes)
	if err != nil {
		return nil, err
	}
	if sess.Applied == nil || sess.Download == nil || sess.DownloadNext < len(sess.Download.Parts) {
		return nil, syncerr.Errorf(syncerr.ErrOutOfSequence, "download not complete for session %s", sess.ID)
	}

	store := s.provider.ScopeStore()
	history, err := store.GetClient(ctx, sc.ScopeName, sc.ClientID)
	if err != nil {
		return nil, s.classify(StepWriteScopes.String(), err)
	}
	if history == nil {
		history = &scope.ClientHistory{ScopeName: sc.ScopeName, ClientID: sc.ClientID}
	}
	if sess.ServerTimestamp > history.LastSyncTimestamp {
		history.LastSyncTimestamp = sess.ServerTimestamp
	}
	history.LastSyncTime = s.now()
	history.Parameters = sess.Parameters
	if req != nil {
		history.UserComment = req.UserComment
	}
	if err := store.SaveClient(ctx, history); err != nil {
		return nil, s.classify(StepWriteScopes.String(), err)
	}

	s.clearBatches(sess)
	if err := s.save(ctx, sess, StepWriteScopes); err != nil {
		return nil, err
	}
	return &WriteScopesResponse{LastSyncTimestamp: history.LastSyncTimestamp}, nil
}

// EndSession releases the session and its lease. Ending an unknown or
// expired session is not an error.
func (s *Server) EndSession(ctx context.Context, sc *SyncContext) error {
	defer s.release(sc)

	sess, err := s.store.Get(ctx, sc.SessionID)
	if errors.Is(err, syncerr.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	s.clearBatches(sess)
	if err := s.store.Evict(ctx, sess.ID); err != nil {
		return fmt.Errorf("failed to evict session %s: %w", sess.ID, err)
	}
	s.logger.Printf("Session %s ended at step %s", sess.ID, sess.Step)
	return nil
}

func (s *Server) clearBatches(sess *Session) {
	for _, bi := range []*batch.BatchInfo{sess.Upload, sess.Download} {
		if bi == nil {
			continue
		}
		if err := bi.Clear(); err != nil {
			s.logger.Printf("Warning: failed to clear batch %s: %v", bi.ID, err)
		}
	}
	sess.Upload = nil
	sess.Download = nil
}

// Sweep drops expired leases, expired in-memory sessions and on-disk
// batches older than the session TTL. It returns the number of leases
// released.
func (s *Server) Sweep(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	released := 0
	for key, l := range s.leases {
		if !now.Before(l.expires) {
			delete(s.leases, key)
			released++
		}
	}
	s.mu.Unlock()

	if ms, ok := s.store.(*MemoryStore); ok {
		for _, sess := range ms.Sweep() {
			s.clearBatches(sess)
		}
	}
	if !s.opts.Batch.InMemory {
		n, err := batch.CleanupExpired(s.opts.Batch.Root(), now.Add(-s.opts.SessionTTL))
		if err != nil {
			s.logger.Printf("Warning: %v", err)
		} else if n > 0 {
			s.logger.Printf("Removed %d expired batches", n)
		}
	}
	return released
}
