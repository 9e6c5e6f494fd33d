// Package daemon keeps a client database in sync in the background.
//
// The daemon:
// 1. Syncs once on start
// 2. Watches the database file and its journal for writes
// 3. Syncs again once writes have settled for the debounce interval
// 4. Syncs on a fixed interval to pick up server changes
// 5. Handles graceful shutdown
//
// Syncs never overlap. Writes made by a sync itself are ignored, so are
// writes landing while a sync runs; the interval timer picks those up.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rowsync/rowsync/internal/orchestrator"
)

// Syncer runs one sync session. *orchestrator.Agent implements it.
type Syncer interface {
	Synchronize(ctx context.Context, scopeName string, params map[string]interface{}, progress orchestrator.ProgressFunc) (*orchestrator.SyncResult, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// ScopeName is the scope to sync
	ScopeName string

	// Parameters are the filter values sent with every session
	Parameters map[string]interface{}

	// WatchPath is the database file to watch. Empty disables watching.
	WatchPath string

	// Interval is the period of timed syncs. Zero disables the timer.
	Interval time.Duration

	// DebounceInterval is how long writes must settle before a sync
	DebounceInterval time.Duration

	// Progress receives the progress of every session
	Progress orchestrator.ProgressFunc

	// OnResult is called after every sync attempt
	OnResult func(*orchestrator.SyncResult, error)

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ScopeName:        "default",
		Interval:         5 * time.Minute,
		DebounceInterval: 2 * time.Second,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon triggers syncs from file events and a timer.
type Daemon struct {
	syncer Syncer
	config *Config

	watcher *fsnotify.Watcher
	watched map[string]bool

	trigger chan struct{}

	mu         sync.Mutex
	lastEvent  time.Time
	syncing    bool
	quietUntil time.Time
	runs       int
	failures   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon. Use Start to run it.
func New(syncer Syncer, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.ScopeName == "" {
		return nil, fmt.Errorf("scope name cannot be empty")
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		syncer:  syncer,
		config:  config,
		watched: make(map[string]bool),
		trigger: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}

	if config.WatchPath != "" {
		abs, err := filepath.Abs(config.WatchPath)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to resolve %s: %w", config.WatchPath, err)
		}
		for _, suffix := range []string{"", "-wal", "-journal"} {
			d.watched[abs+suffix] = true
		}
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		d.watcher = watcher
	}
	return d, nil
}

// Start runs the daemon. It blocks until ctx is cancelled or Stop is
// called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Printf("Starting daemon for scope %s", d.config.ScopeName)

	if d.watcher != nil {
		// SQLite creates and removes its journal next to the database,
		// so the directory is watched rather than the file.
		dir := filepath.Dir(d.config.WatchPath)
		if err := d.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		d.config.Logger.Printf("Watching: %s", d.config.WatchPath)

		d.wg.Add(2)
		go d.watchFileEvents()
		go d.processChangeQueue()
	}
	if d.config.Interval > 0 {
		d.wg.Add(1)
		go d.tick()
	}
	d.wg.Add(1)
	go d.syncLoop()

	d.SyncNow()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon, waiting for a running sync.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")
	d.cancel()

	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}
	}
	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// SyncNow requests a sync. Requests made while one is pending coalesce.
func (d *Daemon) SyncNow() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Stats returns the number of sync attempts and how many failed.
func (d *Daemon) Stats() (runs, failures int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runs, d.failures
}

func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.trigger:
			d.runSync()
		}
	}
}

func (d *Daemon) runSync() {
	d.mu.Lock()
	d.syncing = true
	d.mu.Unlock()

	result, err := d.syncer.Synchronize(d.ctx, d.config.ScopeName, d.config.Parameters, d.config.Progress)

	d.mu.Lock()
	d.syncing = false
	d.quietUntil = time.Now().Add(d.config.DebounceInterval)
	d.lastEvent = time.Time{}
	d.runs++
	if err != nil {
		d.failures++
	}
	d.mu.Unlock()

	switch {
	case err != nil:
		d.config.Logger.Printf("Sync failed: %v", err)
	case result != nil:
		d.config.Logger.Println(result.String())
	}
	if d.config.OnResult != nil {
		d.config.OnResult(result, err)
	}
}

func (d *Daemon) tick() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.SyncNow()
		}
	}
}

// watchFileEvents records writes to the database file.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil || !d.watched[abs] {
				continue
			}
			d.queueChange()

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (d *Daemon) queueChange() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if d.syncing || now.Before(d.quietUntil) {
		return
	}
	d.lastEvent = now
}

// processChangeQueue triggers a sync once writes have settled.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.mu.Lock()
			ready := !d.lastEvent.IsZero() && time.Since(d.lastEvent) >= d.config.DebounceInterval
			if ready {
				d.lastEvent = time.Time{}
			}
			d.mu.Unlock()

			if ready {
				d.config.Logger.Println("Database changed, syncing")
				d.SyncNow()
			}
		}
	}
}
