package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/rowsync/rowsync/internal/batch"
	"github.com/rowsync/rowsync/internal/changes"
	"github.com/rowsync/rowsync/internal/conflict"
	"github.com/rowsync/rowsync/internal/provider"
	"github.com/rowsync/rowsync/internal/provider/sqlite"
	"github.com/rowsync/rowsync/internal/setup"
	"github.com/rowsync/rowsync/internal/syncerr"
)

func quiet() *log.Logger {
	return log.New(io.Discard, "", 0)
}

const (
	customersDDL = `CREATE TABLE customers (id INTEGER PRIMARY KEY, name TEXT NOT NULL, region TEXT)`
	ordersDDL    = `CREATE TABLE orders (id INTEGER PRIMARY KEY, customer_id INTEGER NOT NULL REFERENCES customers(id), amount REAL)`
)

func testSetup() *setup.Setup {
	return &setup.Setup{
		ScopeName: "default",
		Tables: []setup.SetupTable{
			{TableName: "customers"},
			{TableName: "orders"},
		},
	}
}

func openDB(t *testing.T, name string) *sqlite.Provider {
	t.Helper()
	p, err := sqlite.Open(filepath.Join(t.TempDir(), name), quiet())
	if err != nil {
		t.Fatalf("Open(%s) failed: %v", name, err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...interface{}) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func count(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func customerName(t *testing.T, db *sql.DB, id int64) string {
	t.Helper()
	var name string
	if err := db.QueryRow(`SELECT name FROM customers WHERE id = ?`, id).Scan(&name); err != nil {
		t.Fatalf("read customer %d: %v", id, err)
	}
	return name
}

// newServer creates the server tables, lets seed write untracked rows and
// provisions the scope.
func newServer(t *testing.T, st *setup.Setup, seed func(db *sql.DB)) (*Server, *sqlite.Provider) {
	t.Helper()
	p := openDB(t, "server.db")
	mustExec(t, p.DB(), customersDDL)
	mustExec(t, p.DB(), ordersDDL)
	if seed != nil {
		seed(p.DB())
	}
	if _, err := ProvisionServer(context.Background(), p, st, quiet()); err != nil {
		t.Fatalf("ProvisionServer() failed: %v", err)
	}
	srv := NewServer(p, ServerOptions{
		Resolver: conflict.NewResolver(conflict.SideServer, conflict.ServerWins),
		Logger:   quiet(),
	})
	return srv, p
}

func newAgent(t *testing.T, remote Remote, name string) (*Agent, *sqlite.Provider) {
	t.Helper()
	p := openDB(t, name)
	a := NewAgent(p, remote, AgentOptions{
		Resolver: conflict.NewResolver(conflict.SideClient, conflict.ServerWins),
		Retry:    RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
		Logger:   quiet(),
	})
	return a, p
}

func mustSync(t *testing.T, a *Agent, params map[string]interface{}) *SyncResult {
	t.Helper()
	res, err := a.Synchronize(context.Background(), "default", params, nil)
	if err != nil {
		t.Fatalf("Synchronize() failed: %v", err)
	}
	return res
}

func expect(t *testing.T, res *SyncResult, uploaded, downloaded, conflicts int) {
	t.Helper()
	if res.Uploaded != uploaded || res.Downloaded != downloaded || res.Conflicts != conflicts {
		t.Fatalf("got uploaded=%d downloaded=%d conflicts=%d, want %d/%d/%d",
			res.Uploaded, res.Downloaded, res.Conflicts, uploaded, downloaded, conflicts)
	}
}

func TestSync_NewClientDownloadsEverything(t *testing.T) {
	srv, sp := newServer(t, testSetup(), func(db *sql.DB) {
		for i := 1; i <= 3; i++ {
			mustExec(t, db, `INSERT INTO customers (id, name) VALUES (?, ?)`, i, "existing")
		}
	})
	mustExec(t, sp.DB(), `INSERT INTO customers (id, name) VALUES (4, 'tracked')`)
	mustExec(t, sp.DB(), `INSERT INTO customers (id, name) VALUES (5, 'tracked')`)

	agent, cp := newAgent(t, srv, "client.db")
	res := mustSync(t, agent, nil)
	expect(t, res, 0, 5, 0)
	if n := count(t, cp.DB(), "customers"); n != 5 {
		t.Fatalf("client has %d customers, want 5", n)
	}

	local, err := cp.ScopeStore().GetScope(context.Background(), "default")
	if err != nil || local == nil {
		t.Fatalf("GetScope() = %v, %v", local, err)
	}
	if local.IsNew {
		t.Error("scope should no longer be new")
	}
	if local.LastServerSyncTimestamp != res.ServerTimestamp {
		t.Errorf("server watermark = %d, want %d", local.LastServerSyncTimestamp, res.ServerTimestamp)
	}

	// Downloaded rows are tagged with the server's id and never echo back.
	res = mustSync(t, agent, nil)
	expect(t, res, 0, 0, 0)
}

func TestSync_UploadsLocalInsert(t *testing.T) {
	srv, sp := newServer(t, testSetup(), nil)
	agent, cp := newAgent(t, srv, "client.db")
	mustSync(t, agent, nil)

	mustExec(t, cp.DB(), `INSERT INTO customers (id, name) VALUES (1, 'k1')`)
	res := mustSync(t, agent, nil)
	expect(t, res, 1, 0, 0)
	if got := customerName(t, sp.DB(), 1); got != "k1" {
		t.Fatalf("server row = %q, want k1", got)
	}

	res = mustSync(t, agent, nil)
	expect(t, res, 0, 0, 0)
}

func TestSync_InsertInsertServerWins(t *testing.T) {
	srv, sp := newServer(t, testSetup(), nil)
	mustExec(t, sp.DB(), `INSERT INTO customers (id, name) VALUES (2, 'server')`)

	agent, cp := newAgent(t, srv, "client.db")
	mustExec(t, cp.DB(), customersDDL)
	mustExec(t, cp.DB(), ordersDDL)
	mustExec(t, cp.DB(), `INSERT INTO customers (id, name) VALUES (2, 'client')`)

	res := mustSync(t, agent, nil)
	expect(t, res, 1, 1, 1)
	if got := customerName(t, sp.DB(), 2); got != "server" {
		t.Errorf("server row = %q, want server", got)
	}
	if got := customerName(t, cp.DB(), 2); got != "server" {
		t.Errorf("client row = %q, want server", got)
	}
	if res.ServerApplied.TotalConflicts() != 1 {
		t.Errorf("server conflicts = %d, want 1", res.ServerApplied.TotalConflicts())
	}
}

func TestSync_PropagatesBetweenClients(t *testing.T) {
	srv, _ := newServer(t, testSetup(), nil)
	a1, c1 := newAgent(t, srv, "one.db")
	a2, c2 := newAgent(t, srv, "two.db")
	mustSync(t, a1, nil)
	mustSync(t, a2, nil)

	mustExec(t, c1.DB(), `INSERT INTO customers (id, name) VALUES (100, 'Ada')`)
	mustExec(t, c1.DB(), `INSERT INTO orders (id, customer_id, amount) VALUES (7, 100, 12.5)`)
	expect(t, mustSync(t, a1, nil), 2, 0, 0)
	expect(t, mustSync(t, a2, nil), 0, 2, 0)
	if got := customerName(t, c2.DB(), 100); got != "Ada" {
		t.Fatalf("client two row = %q, want Ada", got)
	}

	mustExec(t, c1.DB(), `DELETE FROM orders WHERE id = 7`)
	mustExec(t, c1.DB(), `UPDATE customers SET name = 'Ada L.' WHERE id = 100`)
	expect(t, mustSync(t, a1, nil), 2, 0, 0)
	expect(t, mustSync(t, a2, nil), 0, 2, 0)
	if n := count(t, c2.DB(), "orders"); n != 0 {
		t.Errorf("client two has %d orders, want 0", n)
	}
	if got := customerName(t, c2.DB(), 100); got != "Ada L." {
		t.Errorf("client two row = %q, want Ada L.", got)
	}

	// Nothing travels back to the originating client.
	expect(t, mustSync(t, a1, nil), 0, 0, 0)
}

func TestSync_WatermarkIsCapturedBeforePass(t *testing.T) {
	srv, _ := newServer(t, testSetup(), nil)
	agent, cp := newAgent(t, srv, "client.db")
	mustSync(t, agent, nil)
	mustExec(t, cp.DB(), `INSERT INTO customers (id, name) VALUES (1, 'before')`)

	wrote := false
	res, err := agent.Synchronize(context.Background(), "default", nil, func(ev ProgressEvent) {
		if ev.Step == StepApplyChanges && !wrote {
			wrote = true
			mustExec(t, cp.DB(), `INSERT INTO customers (id, name) VALUES (2, 'during')`)
		}
	})
	if err != nil {
		t.Fatalf("Synchronize() failed: %v", err)
	}
	if !wrote {
		t.Fatal("progress callback never saw the upload")
	}
	expect(t, res, 1, 0, 0)

	local, err := cp.ScopeStore().GetScope(context.Background(), "default")
	if err != nil {
		t.Fatal(err)
	}
	if local.LastTimestamp != res.ClientTimestamp {
		t.Fatalf("last timestamp = %d, want captured %d", local.LastTimestamp, res.ClientTimestamp)
	}
	current, err := cp.LocalTimestamp(context.Background(), cp.DB())
	if err != nil {
		t.Fatal(err)
	}
	if current <= local.LastTimestamp {
		t.Fatalf("counter %d should be past the watermark %d", current, local.LastTimestamp)
	}

	// The write made during the pass goes up with the next session.
	expect(t, mustSync(t, agent, nil), 1, 0, 0)
}

func TestSync_Filter(t *testing.T) {
	st := testSetup()
	st.Filters = []setup.SetupFilter{{
		TableName:  "orders",
		Parameters: []setup.SetupFilterParameter{{Name: "region", TableName: "customers"}},
		Joins: []setup.SetupFilterJoin{{
			Kind: setup.InnerJoin, TableName: "customers",
			LeftTableName: "orders", LeftColumnName: "customer_id",
			RightTableName: "customers", RightColumnName: "id",
		}},
		Wheres: []setup.SetupFilterWhere{{TableName: "customers", ColumnName: "region", ParameterName: "region"}},
	}}
	srv, sp := newServer(t, st, nil)
	mustExec(t, sp.DB(), `INSERT INTO customers (id, name, region) VALUES (1, 'Ada', 'east')`)
	mustExec(t, sp.DB(), `INSERT INTO customers (id, name, region) VALUES (2, 'Bob', 'west')`)
	mustExec(t, sp.DB(), `INSERT INTO orders (id, customer_id, amount) VALUES (10, 1, 5)`)
	mustExec(t, sp.DB(), `INSERT INTO orders (id, customer_id, amount) VALUES (11, 2, 6)`)

	agent, cp := newAgent(t, srv, "client.db")
	if _, err := agent.Synchronize(context.Background(), "default", nil, nil); !errors.Is(err, syncerr.ErrMissingFilterParameter) {
		t.Fatalf("sync without parameters: err = %v, want missing filter parameter", err)
	}
	if n := srv.ActiveLeases(); n != 0 {
		t.Fatalf("failed session left %d leases", n)
	}

	res := mustSync(t, agent, map[string]interface{}{"region": "west"})
	expect(t, res, 0, 3, 0)
	if n := count(t, cp.DB(), "orders"); n != 1 {
		t.Fatalf("client has %d orders, want 1", n)
	}
	if n := count(t, cp.DB(), "customers"); n != 2 {
		t.Fatalf("client has %d customers, want 2", n)
	}
}

// flakyRemote injects failures in front of a real server.
type flakyRemote struct {
	Remote
	applyFailures int
	failDownload  bool
	applyCalls    int
}

func (f *flakyRemote) ApplyChanges(ctx context.Context, sc *SyncContext, req *ApplyChangesRequest) (*ApplyChangesResponse, error) {
	f.applyCalls++
	if f.applyFailures > 0 {
		f.applyFailures--
		return nil, syncerr.New(syncerr.KindTransient, "apply_changes", errors.New("connection reset"))
	}
	return f.Remote.ApplyChanges(ctx, sc, req)
}

func (f *flakyRemote) GetChangeBatch(ctx context.Context, sc *SyncContext, req *GetChangeBatchRequest) (*GetChangeBatchResponse, error) {
	if f.failDownload {
		return nil, syncerr.New(syncerr.KindProtocol, "get_change_batch", errors.New("corrupt part"))
	}
	return f.Remote.GetChangeBatch(ctx, sc, req)
}

func TestSync_RetriesTransientFailures(t *testing.T) {
	srv, sp := newServer(t, testSetup(), nil)
	remote := &flakyRemote{Remote: srv}
	agent, cp := newAgent(t, remote, "client.db")
	mustSync(t, agent, nil)

	mustExec(t, cp.DB(), `INSERT INTO customers (id, name) VALUES (1, 'retry')`)
	remote.applyFailures = 2
	remote.applyCalls = 0
	res := mustSync(t, agent, nil)
	expect(t, res, 1, 0, 0)
	if remote.applyCalls != 3 {
		t.Errorf("ApplyChanges called %d times, want 3", remote.applyCalls)
	}
	if got := customerName(t, sp.DB(), 1); got != "retry" {
		t.Errorf("server row = %q", got)
	}

	remote.applyFailures = 5
	_, err := agent.Synchronize(context.Background(), "default", nil, nil)
	if !syncerr.IsRetryable(err) {
		t.Fatalf("exhausted retries: err = %v, want transient", err)
	}
	if n := srv.ActiveLeases(); n != 0 {
		t.Fatalf("failed session left %d leases", n)
	}
}

func TestSync_FailureKeepsWatermarks(t *testing.T) {
	srv, sp := newServer(t, testSetup(), nil)
	mustExec(t, sp.DB(), `INSERT INTO customers (id, name) VALUES (1, 'one')`)
	remote := &flakyRemote{Remote: srv, failDownload: true}
	agent, cp := newAgent(t, remote, "client.db")

	_, err := agent.Synchronize(context.Background(), "default", nil, nil)
	var se *syncerr.Error
	if !errors.As(err, &se) || se.Kind != syncerr.KindProtocol {
		t.Fatalf("err = %v, want protocol error", err)
	}
	if n := srv.ActiveLeases(); n != 0 {
		t.Fatalf("failed session left %d leases", n)
	}
	local, err := cp.ScopeStore().GetScope(context.Background(), "default")
	if err != nil || local == nil {
		t.Fatalf("GetScope() = %v, %v", local, err)
	}
	if !local.IsNew || local.LastTimestamp != 0 {
		t.Fatalf("scope advanced after a failed session: %+v", local)
	}

	remote.failDownload = false
	expect(t, mustSync(t, agent, nil), 0, 1, 0)
}

// busySelection fails the next selection transactions with a transient
// error, as a locked database would.
type busySelection struct {
	provider.Provider
	failures int
}

func (b *busySelection) BeginSelection(ctx context.Context) (*sql.Tx, error) {
	if b.failures > 0 {
		b.failures--
		return nil, syncerr.New(syncerr.KindTransient, "begin selection", errors.New("database is locked"))
	}
	return b.Provider.BeginSelection(ctx)
}

func TestSync_RetryAfterDownloadSelectionFails(t *testing.T) {
	ctx := context.Background()
	sp := openDB(t, "server.db")
	mustExec(t, sp.DB(), customersDDL)
	mustExec(t, sp.DB(), ordersDDL)
	if _, err := ProvisionServer(ctx, sp, testSetup(), quiet()); err != nil {
		t.Fatalf("ProvisionServer() failed: %v", err)
	}
	busy := &busySelection{Provider: sp}
	srv := NewServer(busy, ServerOptions{
		Resolver: conflict.NewResolver(conflict.SideServer, conflict.ServerWins),
		Logger:   quiet(),
	})

	cp := openDB(t, "client.db")
	agent := NewAgent(cp, srv, AgentOptions{
		Resolver: conflict.NewResolver(conflict.SideClient, conflict.ServerWins),
		Batch:    batch.Options{MaxPartSizeKB: 1, InMemory: true},
		Retry:    RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
		Logger:   quiet(),
	})
	mustSync(t, agent, nil)

	const rows = 40
	for i := 1; i <= rows; i++ {
		mustExec(t, cp.DB(), `INSERT INTO customers (id, name) VALUES (?, ?)`, i, "a customer name long enough to fill a part")
	}
	busy.failures = 1
	res := mustSync(t, agent, nil)
	if busy.failures != 0 {
		t.Fatal("selection failure was never hit")
	}
	expect(t, res, rows, 0, 0)
	if n := count(t, sp.DB(), "customers"); n != rows {
		t.Fatalf("server has %d customers, want %d", n, rows)
	}
	if n := srv.ActiveLeases(); n != 0 {
		t.Fatalf("session left %d leases", n)
	}

	expect(t, mustSync(t, agent, nil), 0, 0, 0)
}

// spanNames records the names of started spans.
type spanNames struct {
	noop.Tracer
	mu    sync.Mutex
	names []string
}

func (r *spanNames) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()
	return r.Tracer.Start(ctx, name, opts...)
}

func TestServer_TracesRequests(t *testing.T) {
	sp := openDB(t, "server.db")
	mustExec(t, sp.DB(), customersDDL)
	mustExec(t, sp.DB(), ordersDDL)
	if _, err := ProvisionServer(context.Background(), sp, testSetup(), quiet()); err != nil {
		t.Fatalf("ProvisionServer() failed: %v", err)
	}
	mustExec(t, sp.DB(), `INSERT INTO customers (id, name) VALUES (1, 'one')`)
	tracer := &spanNames{}
	srv := NewServer(sp, ServerOptions{Tracer: tracer, Logger: quiet()})
	agent, _ := newAgent(t, srv, "client.db")
	mustSync(t, agent, nil)

	seen := map[string]int{}
	for _, name := range tracer.names {
		seen[name]++
	}
	for _, want := range []string{"server.apply_changes", "server.get_change_batch", "server.write_scopes"} {
		if seen[want] == 0 {
			t.Errorf("no %s span in %v", want, tracer.names)
		}
	}
}

func TestServer_SessionLease(t *testing.T) {
	ctx := context.Background()
	srv, _ := newServer(t, testSetup(), nil)
	sc := &SyncContext{ScopeName: "default", ClientID: uuid.New()}

	first, err := srv.BeginSession(ctx, sc)
	if err != nil {
		t.Fatalf("BeginSession() failed: %v", err)
	}
	if _, err := srv.BeginSession(ctx, sc); !errors.Is(err, syncerr.ErrSessionBusy) {
		t.Fatalf("second BeginSession() err = %v, want busy", err)
	}
	other := &SyncContext{ScopeName: "default", ClientID: uuid.New()}
	if _, err := srv.BeginSession(ctx, other); err != nil {
		t.Fatalf("another client should not be blocked: %v", err)
	}

	sc.SessionID = first.SessionID
	if err := srv.EndSession(ctx, sc); err != nil {
		t.Fatalf("EndSession() failed: %v", err)
	}
	if _, err := srv.BeginSession(ctx, &SyncContext{ScopeName: "default", ClientID: sc.ClientID}); err != nil {
		t.Fatalf("BeginSession() after release failed: %v", err)
	}

	if _, err := srv.BeginSession(ctx, &SyncContext{ScopeName: "nope", ClientID: uuid.New()}); !errors.Is(err, syncerr.ErrUnknownScope) {
		t.Fatalf("unknown scope err = %v", err)
	}
}

func TestServer_LeaseExpires(t *testing.T) {
	ctx := context.Background()
	srv, _ := newServer(t, testSetup(), nil)
	now := time.Now()
	srv.now = func() time.Time { return now }

	sc := &SyncContext{ScopeName: "default", ClientID: uuid.New()}
	if _, err := srv.BeginSession(ctx, sc); err != nil {
		t.Fatal(err)
	}
	now = now.Add(DefaultSessionTTL + time.Second)
	if n := srv.Sweep(ctx); n != 1 {
		t.Fatalf("Sweep() released %d leases, want 1", n)
	}
	if _, err := srv.BeginSession(ctx, sc); err != nil {
		t.Fatalf("BeginSession() after expiry failed: %v", err)
	}
}

func TestServer_StepSequence(t *testing.T) {
	ctx := context.Background()
	srv, sp := newServer(t, testSetup(), nil)
	sc := &SyncContext{ScopeName: "default", ClientID: uuid.New()}
	begin, err := srv.BeginSession(ctx, sc)
	if err != nil {
		t.Fatal(err)
	}
	sc.SessionID = begin.SessionID

	if _, err := srv.GetChangeBatch(ctx, sc, &GetChangeBatchRequest{}); !errors.Is(err, syncerr.ErrOutOfSequence) {
		t.Fatalf("download before upload: err = %v", err)
	}
	if _, err := srv.WriteScopes(ctx, sc, &WriteScopesRequest{}); !errors.Is(err, syncerr.ErrOutOfSequence) {
		t.Fatalf("write scopes before download: err = %v", err)
	}

	srvScope, err := sp.ScopeStore().GetScope(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	part := batch.NewPart(srvScope.Schema.Table("customers", ""), false)
	part.Rows = append(part.Rows, &changes.Row{
		State:           changes.StateInserted,
		Values:          []interface{}{int64(50), "Zed", "north"},
		UpdateTimestamp: 1,
	})
	req := &ApplyChangesRequest{IsNew: true, BatchIndex: 0, IsLastBatch: true, Part: part}

	first, err := srv.ApplyChanges(ctx, sc, req)
	if err != nil {
		t.Fatalf("ApplyChanges() failed: %v", err)
	}
	again, err := srv.ApplyChanges(ctx, sc, req)
	if err != nil {
		t.Fatalf("re-sent ApplyChanges() failed: %v", err)
	}
	if again.ServerTimestamp != first.ServerTimestamp || again.Applied.TotalApplied() != 1 {
		t.Fatalf("re-sent part was not replayed: %+v", again)
	}
	if n := count(t, sp.DB(), "customers"); n != 1 {
		t.Fatalf("server has %d customers, want 1", n)
	}
	if _, err := srv.EnsureScopes(ctx, sc, &EnsureScopesRequest{}); !errors.Is(err, syncerr.ErrOutOfSequence) {
		t.Fatalf("step moved backwards: err = %v", err)
	}

	if _, err := srv.GetChangeBatch(ctx, sc, &GetChangeBatchRequest{BatchIndex: 1}); !errors.Is(err, syncerr.ErrOutOfSequence) {
		t.Fatalf("skipping a part: err = %v", err)
	}
	for i := 0; i < 2; i++ {
		resp, err := srv.GetChangeBatch(ctx, sc, &GetChangeBatchRequest{BatchIndex: 0})
		if err != nil {
			t.Fatalf("GetChangeBatch(0) #%d failed: %v", i, err)
		}
		if !resp.IsLastBatch || resp.RowCount != 0 {
			t.Fatalf("download part = %+v, want one empty last part", resp)
		}
	}

	ws, err := srv.WriteScopes(ctx, sc, &WriteScopesRequest{UserComment: "test"})
	if err != nil {
		t.Fatalf("WriteScopes() failed: %v", err)
	}
	if ws.LastSyncTimestamp != first.ServerTimestamp {
		t.Errorf("history timestamp = %d, want %d", ws.LastSyncTimestamp, first.ServerTimestamp)
	}
	history, err := sp.ScopeStore().GetClient(ctx, "default", sc.ClientID)
	if err != nil || history == nil || history.UserComment != "test" {
		t.Fatalf("GetClient() = %+v, %v", history, err)
	}
	if err := srv.EndSession(ctx, sc); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Store().Get(ctx, sc.SessionID); !errors.Is(err, syncerr.ErrSessionNotFound) {
		t.Fatalf("session still cached after EndSession: %v", err)
	}
}

func TestMemoryStore_Expires(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(time.Minute)
	now := time.Now()
	m.now = func() time.Time { return now }

	if err := m.Put(ctx, &Session{ID: "a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(ctx, "a"); err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if swept := m.Sweep(); len(swept) != 1 || swept[0].ID != "a" {
		t.Fatalf("Sweep() = %v", swept)
	}
	if _, err := m.Get(ctx, "a"); !errors.Is(err, syncerr.ErrSessionNotFound) {
		t.Fatalf("Get() after expiry err = %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("Len() = %d", m.Len())
	}
}

func TestStep_Text(t *testing.T) {
	for s := StepBeginSession; s <= StepEndSession; s++ {
		text, err := s.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%d) failed: %v", s, err)
		}
		var back Step
		if err := back.UnmarshalText(text); err != nil || back != s {
			t.Fatalf("round trip of %s = %v, %v", text, back, err)
		}
	}
	if _, ok := ParseStep("bogus"); ok {
		t.Fatal("ParseStep accepted an unknown name")
	}
}
