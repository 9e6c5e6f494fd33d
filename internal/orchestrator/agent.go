package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
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

const tracerName = "github.com/rowsync/rowsync/internal/orchestrator"

// RetryPolicy controls how transient step failures are retried.
type RetryPolicy struct {
	// MaxAttempts includes the first attempt. Values below 1 mean 1.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy retries a step three times with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 5 * time.Second}
}

// AgentOptions configures an Agent.
type AgentOptions struct {
	// Resolver handles conflicts between downloaded rows and local rows.
	Resolver *conflict.Resolver

	// Batch controls how the upload is spooled and the download staged
	Batch batch.Options

	Retry RetryPolicy

	// UserComment is stored with the scope history on both sides
	UserComment string

	Logger *log.Logger
	Tracer trace.Tracer
}

// Agent drives sync sessions from the client side.
type Agent struct {
	provider provider.Provider
	remote   Remote
	opts     AgentOptions
	selector *changes.Selector
	applier  *apply.Applier
	logger   *log.Logger
	tracer   trace.Tracer
}

// NewAgent creates an Agent syncing the local provider with remote. If
// opts.Logger is nil, a default logger writing to stderr is used.
func NewAgent(p provider.Provider, remote Remote, opts AgentOptions) *Agent {
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[agent] ", log.LstdFlags)
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Batch.MaxPartSizeKB == 0 && opts.Batch.Directory == "" && !opts.Batch.InMemory {
		opts.Batch = batch.DefaultOptions()
	}
	return &Agent{
		provider: p,
		remote:   remote,
		opts:     opts,
		selector: changes.NewSelector(opts.Logger),
		applier:  apply.New(p, opts.Logger),
		logger:   opts.Logger,
		tracer:   opts.Tracer,
	}
}

// SyncResult summarises a session. On failure it holds whatever was
// counted before the failing step.
type SyncResult struct {
	SessionID    string
	ScopeName    string
	StartTime    time.Time
	CompleteTime time.Time

	// Uploaded is the number of rows sent to the server
	Uploaded int
	// Downloaded is the number of rows received from the server
	Downloaded int
	// Conflicts counts conflicts resolved on both sides
	Conflicts  int
	FailedRows []changes.FailedRow

	Selected      *changes.DatabaseChangesSelected
	ServerApplied *changes.DatabaseChangesApplied
	ClientApplied *changes.DatabaseChangesApplied

	// ClientTimestamp and ServerTimestamp are the watermarks recorded by
	// this session
	ClientTimestamp int64
	ServerTimestamp int64
}

// Duration returns how long the session took.
func (r *SyncResult) Duration() time.Duration {
	return r.CompleteTime.Sub(r.StartTime)
}

func (r *SyncResult) String() string {
	return fmt.Sprintf("Synchronization done. Uploaded: %d, Downloaded: %d, Conflicts: %d, Duration: %s",
		r.Uploaded, r.Downloaded, r.Conflicts, r.Duration().Round(time.Millisecond))
}

// run is the state of one Synchronize call.
type run struct {
	agent    *Agent
	sc       *SyncContext
	progress ProgressFunc
	result   *SyncResult
}

func (r *run) report(step Step, msg string, part, parts, rows int) {
	if r.progress == nil {
		return
	}
	r.progress(ProgressEvent{
		SessionID: r.sc.SessionID,
		ScopeName: r.sc.ScopeName,
		Step:      step,
		Message:   msg,
		PartIndex: part,
		PartCount: parts,
		Rows:      rows,
		Time:      time.Now(),
	})
}

// step runs fn inside a span, retrying transient failures when retry is
// set.
func (r *run) step(ctx context.Context, step Step, retry bool, fn func(ctx context.Context) error) error {
	a := r.agent
	ctx, span := a.tracer.Start(ctx, step.String())
	defer span.End()

	r.sc.Step = step
	attempts := 1
	if retry {
		attempts = max(1, a.opts.Retry.MaxAttempts)
	}
	backoff := a.opts.Retry.InitialBackoff

	var err error
loop:
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= attempts || !syncerr.IsRetryable(err) {
			break
		}
		a.logger.Printf("Warning: %s failed (attempt %d/%d), retrying in %v: %v", step, attempt, attempts, backoff, err)
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		case <-time.After(backoff):
		}
		backoff *= 2
		if a.opts.Retry.MaxBackoff > 0 && backoff > a.opts.Retry.MaxBackoff {
			backoff = a.opts.Retry.MaxBackoff
		}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return fmt.Errorf("%s: %w", step, err)
}

// Synchronize runs one full session for scopeName. params supplies filter
// parameter values; progress may be nil.
//
// The local scope only advances once the server has recorded the session,
// so a failure at any step leaves both watermarks where they were and the
// next session re-sends whatever was lost.
func (a *Agent) Synchronize(ctx context.Context, scopeName string, params map[string]interface{}, progress ProgressFunc) (result *SyncResult, err error) {
	ctx, span := a.tracer.Start(ctx, "Synchronize", trace.WithAttributes(attribute.String("rowsync.scope", scopeName)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	result = &SyncResult{ScopeName: scopeName, StartTime: time.Now()}
	defer func() { result.CompleteTime = time.Now() }()

	store := a.provider.ScopeStore()
	if err := store.EnsureTables(ctx); err != nil {
		return result, fmt.Errorf("failed to ensure scope tables: %w", err)
	}
	local, err := store.GetScope(ctx, scopeName)
	if err != nil {
		return result, fmt.Errorf("failed to load scope %s: %w", scopeName, err)
	}
	if local == nil {
		local = scope.New(scopeName)
	}

	sc := &SyncContext{ScopeName: scopeName, ClientID: local.ID, Parameters: params}
	r := &run{agent: a, sc: sc, progress: progress, result: result}

	var begin *BeginSessionResponse
	err = r.step(ctx, StepBeginSession, true, func(ctx context.Context) (err error) {
		begin, err = a.remote.BeginSession(ctx, sc)
		return err
	})
	if err != nil {
		return result, err
	}
	sc.SessionID = begin.SessionID
	result.SessionID = begin.SessionID
	span.SetAttributes(attribute.String("rowsync.session", begin.SessionID))
	r.report(StepBeginSession, "Session started", 0, 0, 0)

	defer func() {
		endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		sc.Step = StepEndSession
		if endErr := a.remote.EndSession(endCtx, sc); endErr != nil {
			a.logger.Printf("Warning: failed to end session %s: %v", sc.SessionID, endErr)
		}
		r.report(StepEndSession, "Session ended", 0, 0, 0)
	}()

	serverScopeID, err := r.ensure(ctx, local)
	if err != nil {
		return result, err
	}

	clientTS, upload, err := r.selectUpload(ctx, local, serverScopeID)
	if err != nil {
		return result, err
	}
	result.ClientTimestamp = clientTS

	applied, err := r.upload(ctx, local, upload)
	if err != nil {
		return result, err
	}
	result.ServerTimestamp = applied.ServerTimestamp
	result.ServerApplied = applied.Applied
	if applied.Applied != nil {
		result.Conflicts += applied.Applied.TotalConflicts()
		result.FailedRows = append(result.FailedRows, applied.Applied.FailedRows...)
	}

	if err := r.download(ctx, local, serverScopeID, clientTS, applied); err != nil {
		return result, err
	}

	err = r.step(ctx, StepWriteScopes, false, func(ctx context.Context) error {
		_, err := a.remote.WriteScopes(ctx, sc, &WriteScopesRequest{UserComment: a.opts.UserComment})
		return err
	})
	if err != nil {
		return result, err
	}
	local.UserComment = a.opts.UserComment
	if err := store.SaveScope(ctx, local); err != nil {
		return result, fmt.Errorf("failed to save scope %s: %w", scopeName, err)
	}
	r.report(StepWriteScopes, "Scopes written", 0, 0, 0)

	a.logger.Printf("%s: %s", scopeName, result)
	return result, nil
}

// ensure runs EnsureScopes, EnsureConfiguration when the local copy is
// missing or stale, and EnsureDatabase. It returns the server scope id.
func (r *run) ensure(ctx context.Context, local *scope.Scope) (uuid.UUID, error) {
	a, sc := r.agent, r.sc

	var scopes *EnsureScopesResponse
	err := r.step(ctx, StepEnsureScopes, true, func(ctx context.Context) (err error) {
		scopes, err = a.remote.EnsureScopes(ctx, sc, &EnsureScopesRequest{ClientConfigID: local.ConfigID})
		return err
	})
	if err != nil {
		return uuid.Nil, err
	}
	r.report(StepEnsureScopes, "Scopes loaded", 0, 0, 0)

	provision := false
	if local.Setup == nil || local.Schema == nil || local.ConfigID != scopes.ConfigID {
		var cfg *EnsureConfigurationResponse
		err := r.step(ctx, StepEnsureConfiguration, true, func(ctx context.Context) (err error) {
			cfg, err = a.remote.EnsureConfiguration(ctx, sc)
			return err
		})
		if err != nil {
			return uuid.Nil, err
		}
		if local.ConfigID != uuid.Nil {
			a.logger.Printf("Server configuration for %s changed (%s -> %s), re-provisioning", local.Name, local.ConfigID, cfg.ConfigID)
		}
		local.Setup = cfg.Setup
		local.Schema = cfg.Schema
		local.ConfigID = cfg.ConfigID
		provision = true
		r.report(StepEnsureConfiguration, "Configuration received", 0, 0, 0)
	}

	err = r.step(ctx, StepEnsureDatabase, true, func(ctx context.Context) error {
		_, err := a.remote.EnsureDatabase(ctx, sc)
		return err
	})
	if err != nil {
		return uuid.Nil, err
	}
	if provision {
		if err := a.provider.Provision(ctx, local.Schema, provider.ProvisionOptions{CreateTables: true}); err != nil {
			return uuid.Nil, fmt.Errorf("failed to provision local database: %w", err)
		}
		if err := a.provider.ScopeStore().SaveScope(ctx, local); err != nil {
			return uuid.Nil, fmt.Errorf("failed to save scope %s: %w", local.Name, err)
		}
	}
	r.report(StepEnsureDatabase, "Database ready", 0, 0, 0)
	return scopes.ServerScopeID, nil
}

// selectUpload captures the client timestamp and spools local changes the
// server has not seen.
func (r *run) selectUpload(ctx context.Context, local *scope.Scope, serverScopeID uuid.UUID) (int64, *batch.BatchInfo, error) {
	a := r.agent
	tx, err := a.provider.BeginSelection(ctx)
	if err != nil {
		return 0, nil, a.classify("select upload", err)
	}
	defer tx.Rollback()

	ts, err := a.provider.LocalTimestamp(ctx, tx)
	if err != nil {
		return 0, nil, a.classify("select upload", err)
	}

	// Filters restrict what the server sends; uploads are never filtered.
	st := *local.Setup
	st.Filters = nil

	sp := batch.NewSpooler(a.opts.Batch)
	selected, err := a.selector.SelectChanges(ctx, tx, a.provider, changes.Request{
		ScopeID:   serverScopeID.String(),
		Watermark: local.EffectiveTimestamp(),
		IsNew:     local.IsNew,
		Flow:      setup.Upload,
		Setup:     &st,
		Schema:    local.Schema,
	}, sp)
	if err != nil {
		sp.Abort()
		return 0, nil, a.classify("select upload", err)
	}
	if err := tx.Commit(); err != nil {
		sp.Abort()
		return 0, nil, a.classify("select upload", err)
	}
	bi, err := sp.Finish()
	if err != nil {
		return 0, nil, err
	}
	r.result.Selected = selected
	return ts, bi, nil
}

// upload sends every part and returns the response to the last one.
func (r *run) upload(ctx context.Context, local *scope.Scope, bi *batch.BatchInfo) (*ApplyChangesResponse, error) {
	a, sc := r.agent, r.sc
	defer func() {
		if err := bi.Clear(); err != nil {
			a.logger.Printf("Warning: failed to clear upload batch %s: %v", bi.ID, err)
		}
	}()

	var last *ApplyChangesResponse
	reader := bi.NewReader()
	for {
		info, part, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		req := &ApplyChangesRequest{
			LastServerSyncTimestamp: local.EffectiveServerTimestamp(),
			IsNew:                   local.IsNew,
			BatchIndex:              info.Index,
			IsLastBatch:             info.IsLastBatch,
			Part:                    part,
		}
		var resp *ApplyChangesResponse
		err = r.step(ctx, StepApplyChanges, true, func(ctx context.Context) (err error) {
			resp, err = a.remote.ApplyChanges(ctx, sc, req)
			return err
		})
		if err != nil {
			return nil, err
		}
		r.result.Uploaded += len(part.Rows)
		r.report(StepApplyChanges, "Uploaded part", info.Index, len(bi.Parts), len(part.Rows))
		if info.IsLastBatch {
			last = resp
		}
	}
	if last == nil {
		return nil, syncerr.New(syncerr.KindProtocol, StepApplyChanges.String(), fmt.Errorf("upload has no last part"))
	}
	return last, nil
}

// download fetches every part and applies them. The local scope advances
// in memory once the last part commits; the caller persists it.
func (r *run) download(ctx context.Context, local *scope.Scope, serverScopeID uuid.UUID, clientTS int64, applied *ApplyChangesResponse) error {
	a, sc := r.agent, r.sc

	staged := batch.NewBatchInfo(a.opts.Batch)
	defer func() {
		if err := staged.Clear(); err != nil {
			a.logger.Printf("Warning: failed to clear download batch %s: %v", staged.ID, err)
		}
	}()

	for i := 0; i < applied.DownloadParts; i++ {
		var resp *GetChangeBatchResponse
		err := r.step(ctx, StepGetChangeBatch, true, func(ctx context.Context) (err error) {
			resp, err = a.remote.GetChangeBatch(ctx, sc, &GetChangeBatchRequest{BatchIndex: i})
			return err
		})
		if err != nil {
			return err
		}
		if resp.BatchIndex != i {
			return syncerr.Errorf(syncerr.ErrOutOfSequence, "asked for part %d, got %d", i, resp.BatchIndex)
		}
		if _, err := staged.AddPart(i, resp.IsLastBatch, resp.Part); err != nil {
			return err
		}
		r.result.Downloaded += len(resp.Part.Rows)
		r.report(StepGetChangeBatch, "Downloaded part", i, applied.DownloadParts, len(resp.Part.Rows))
	}
	if !staged.IsComplete() {
		return syncerr.Errorf(syncerr.ErrOutOfSequence, "download ended without a last part")
	}

	as := a.applier.NewSession(apply.Options{
		SenderScopeID: serverScopeID.String(),
		Watermark:     clientTS,
		Resolver:      a.opts.Resolver,
		Schema:        local.Schema,
		AdvanceTo:     clientTS,
		Advance: func(ctx context.Context, ts int64) error {
			local.Advance(ts, applied.ServerTimestamp, time.Now())
			return nil
		},
	})
	stats, err := as.Apply(ctx, staged)
	r.result.ClientApplied = stats
	if stats != nil {
		r.result.Conflicts += stats.TotalConflicts()
		r.result.FailedRows = append(r.result.FailedRows, stats.FailedRows...)
	}
	if err != nil {
		return a.classify("apply download", err)
	}
	if !as.Done() {
		return syncerr.Errorf(syncerr.ErrOutOfSequence, "download applied without its last part")
	}
	r.report(StepGetChangeBatch, "Download applied", 0, 0, stats.TotalApplied())
	return nil
}

func (a *Agent) classify(op string, err error) error {
	var se *syncerr.Error
	if errors.As(err, &se) {
		return err
	}
	c := syncerr.Classify(err, a.provider.ClassifyError)
	c.Op = op
	return c
}
