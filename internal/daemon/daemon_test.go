package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rowsync/rowsync/internal/orchestrator"
)

type fakeSyncer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSyncer) Synchronize(ctx context.Context, scopeName string, params map[string]interface{}, progress orchestrator.ProgressFunc) (*orchestrator.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return &orchestrator.SyncResult{ScopeName: scopeName}, f.err
	}
	return &orchestrator.SyncResult{ScopeName: scopeName}, nil
}

func (f *fakeSyncer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() *Config {
	return &Config{
		ScopeName:        "default",
		DebounceInterval: 20 * time.Millisecond,
		Logger:           log.New(io.Discard, "", 0),
	}
}

// run starts the daemon and stops it when the test ends.
func run(t *testing.T, d *Daemon) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Start() returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		syncer  Syncer
		config  *Config
		wantErr bool
	}{
		{"valid", &fakeSyncer{}, testConfig(), false},
		{"default config", &fakeSyncer{}, nil, false},
		{"nil syncer", nil, testConfig(), true},
		{"empty scope", &fakeSyncer{}, &Config{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.syncer, tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSyncsOnStart(t *testing.T) {
	f := &fakeSyncer{}
	d, err := New(f, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	run(t, d)
	waitFor(t, "initial sync", func() bool { return f.Calls() >= 1 })
}

func TestIntervalTriggersSync(t *testing.T) {
	f := &fakeSyncer{}
	cfg := testConfig()
	cfg.Interval = 10 * time.Millisecond
	d, err := New(f, cfg)
	if err != nil {
		t.Fatal(err)
	}
	run(t, d)
	waitFor(t, "timed syncs", func() bool { return f.Calls() >= 3 })
}

func TestDatabaseWriteTriggersSync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.db")
	if err := os.WriteFile(path, []byte("v1"), 0644); err != nil {
		t.Fatal(err)
	}

	f := &fakeSyncer{}
	cfg := testConfig()
	cfg.WatchPath = path
	d, err := New(f, cfg)
	if err != nil {
		t.Fatal(err)
	}
	run(t, d)
	waitFor(t, "initial sync", func() bool { return f.Calls() >= 1 })

	// Past the quiet window that follows a sync.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path+"-wal", []byte("change"), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "sync after write", func() bool { return f.Calls() >= 2 })
}

func TestUnrelatedFilesAreIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.db")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}

	f := &fakeSyncer{}
	cfg := testConfig()
	cfg.WatchPath = path
	d, err := New(f, cfg)
	if err != nil {
		t.Fatal(err)
	}
	run(t, d)
	waitFor(t, "initial sync", func() bool { return f.Calls() >= 1 })

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if n := f.Calls(); n != 1 {
		t.Errorf("got %d syncs, want 1", n)
	}
}

func TestFailuresAreCounted(t *testing.T) {
	f := &fakeSyncer{err: errors.New("server down")}
	results := make(chan error, 10)
	cfg := testConfig()
	cfg.OnResult = func(_ *orchestrator.SyncResult, err error) {
		results <- err
	}
	d, err := New(f, cfg)
	if err != nil {
		t.Fatal(err)
	}
	run(t, d)

	select {
	case err := <-results:
		if err == nil {
			t.Fatal("OnResult got no error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnResult was not called")
	}
	waitFor(t, "stats", func() bool {
		runs, failures := d.Stats()
		return runs == 1 && failures == 1
	})
}

func TestSyncNowCoalesces(t *testing.T) {
	f := &fakeSyncer{}
	d, err := New(f, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		d.SyncNow()
	}
	if len(d.trigger) != 1 {
		t.Errorf("pending triggers = %d, want 1", len(d.trigger))
	}
}
