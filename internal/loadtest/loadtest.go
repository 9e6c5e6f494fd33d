// Package loadtest measures sync sessions under concurrent clients.
//
// An Environment holds one SQLite server database with a provisioned
// items table and any number of SQLite client databases. Clients write
// rows and sync concurrently against an in-process server; every session
// duration is recorded, and Verify checks that every client converged on
// the server's rows.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rowsync/rowsync/internal/batch"
	"github.com/rowsync/rowsync/internal/conflict"
	"github.com/rowsync/rowsync/internal/orchestrator"
	"github.com/rowsync/rowsync/internal/provider/sqlite"
	"github.com/rowsync/rowsync/internal/setup"
)

// ScopeName is the scope provisioned on the server.
const ScopeName = "loadtest"

// clientIDStride separates the primary keys written by each client.
const clientIDStride = 1_000_000

// Environment is a populated server and its clients.
type Environment struct {
	Dir        string
	Server     *sqlite.Provider
	SyncServer *orchestrator.Server
	SeedRows   int

	clients []*client
	logger  *log.Logger
}

type client struct {
	index    int
	provider *sqlite.Provider
	agent    *orchestrator.Agent
	written  int
}

// LatencyStats captures session durations.
type LatencyStats struct {
	Min         time.Duration
	Max         time.Duration
	Mean        time.Duration
	P50         time.Duration // Median
	P95         time.Duration
	P99         time.Duration
	TotalSyncs  int
	Errors      int
	RowsWritten int
	Elapsed     time.Duration
	Durations   []time.Duration
}

// Options controls a run.
type Options struct {
	// Clients is the number of concurrent client databases
	Clients int
	// Syncs is the number of write-then-sync rounds per client
	Syncs int
	// WritesPerSync is the number of rows each client inserts per round
	WritesPerSync int
}

// CreateEnvironment creates dir/server.db with seedRows items and
// provisions it. A nil logger discards log output.
func CreateEnvironment(ctx context.Context, dir string, seedRows int, logger *log.Logger) (*Environment, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	server, err := sqlite.Open(filepath.Join(dir, "server.db"), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open server database: %w", err)
	}

	if _, err := server.DB().ExecContext(ctx, `CREATE TABLE IF NOT EXISTS items (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		qty INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		_ = server.Close()
		return nil, fmt.Errorf("failed to create items table: %w", err)
	}
	if err := seed(ctx, server, seedRows); err != nil {
		_ = server.Close()
		return nil, err
	}

	st := &setup.Setup{ScopeName: ScopeName, Tables: []setup.SetupTable{{TableName: "items"}}}
	if _, err := orchestrator.ProvisionServer(ctx, server, st, logger); err != nil {
		_ = server.Close()
		return nil, fmt.Errorf("failed to provision server: %w", err)
	}

	return &Environment{
		Dir:    dir,
		Server: server,
		SyncServer: orchestrator.NewServer(server, orchestrator.ServerOptions{
			Resolver: conflict.NewResolver(conflict.SideServer, conflict.ServerWins),
			Batch:    batch.Options{MaxPartSizeKB: 64, InMemory: true},
			Logger:   logger,
		}),
		SeedRows: seedRows,
		logger:   logger,
	}, nil
}

func seed(ctx context.Context, p *sqlite.Provider, n int) error {
	tx, err := p.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin seed transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := 1; i <= n; i++ {
		if _, err := tx.ExecContext(ctx, `INSERT INTO items (id, name, qty) VALUES (?, ?, ?)`,
			i, fmt.Sprintf("item-%05d", i), i%17); err != nil {
			return fmt.Errorf("failed to seed item %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit seed rows: %w", err)
	}
	return nil
}

// Close closes every database of the environment.
func (e *Environment) Close() error {
	var firstErr error
	for _, c := range e.clients {
		if err := c.provider.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.clients = nil
	if e.Server != nil {
		if err := e.Server.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Environment) addClients(n int) error {
	for i := len(e.clients); i < n; i++ {
		p, err := sqlite.Open(filepath.Join(e.Dir, fmt.Sprintf("client-%03d.db", i)), e.logger)
		if err != nil {
			return fmt.Errorf("failed to open client %d: %w", i, err)
		}
		e.clients = append(e.clients, &client{
			index:    i,
			provider: p,
			agent: orchestrator.NewAgent(p, e.SyncServer, orchestrator.AgentOptions{
				Resolver: conflict.NewResolver(conflict.SideClient, conflict.ServerWins),
				Batch:    batch.Options{MaxPartSizeKB: 64, InMemory: true},
				Retry:    orchestrator.RetryPolicy{MaxAttempts: 5, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 200 * time.Millisecond},
				Logger:   e.logger,
			}),
		})
	}
	return nil
}

// RunConcurrentClients provisions opts.Clients clients with a first sync,
// then has every client run opts.Syncs rounds of writing rows and syncing,
// all clients at once.
func (e *Environment) RunConcurrentClients(ctx context.Context, opts Options) (*LatencyStats, error) {
	if opts.Clients < 1 || opts.Syncs < 1 {
		return nil, fmt.Errorf("need at least one client and one sync, got %d/%d", opts.Clients, opts.Syncs)
	}
	if err := e.addClients(opts.Clients); err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, opts.Clients)
	errorsChan := make(chan error, opts.Clients)
	start := time.Now()

	for _, c := range e.clients[:opts.Clients] {
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()

			durations := make([]time.Duration, 0, opts.Syncs+1)
			run := func() error {
				begin := time.Now()
				_, err := c.agent.Synchronize(ctx, ScopeName, nil, nil)
				durations = append(durations, time.Since(begin))
				return err
			}

			// The first session creates the client tables.
			if err := run(); err != nil {
				errorsChan <- fmt.Errorf("client %d initial sync failed: %w", c.index, err)
				resultsChan <- durations
				return
			}
			for round := 0; round < opts.Syncs; round++ {
				if err := c.write(ctx, opts.WritesPerSync); err != nil {
					errorsChan <- fmt.Errorf("client %d round %d: %w", c.index, round, err)
					break
				}
				if err := run(); err != nil {
					errorsChan <- fmt.Errorf("client %d round %d sync failed: %w", c.index, round, err)
					break
				}
			}
			resultsChan <- durations
		}(c)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	var all []time.Duration
	for durations := range resultsChan {
		all = append(all, durations...)
	}
	errorCount := 0
	for err := range errorsChan {
		errorCount++
		e.logger.Printf("Error: %v", err)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no sync session completed")
	}

	stats := computeLatencyStats(all)
	stats.Errors = errorCount
	stats.Elapsed = time.Since(start)
	for _, c := range e.clients[:opts.Clients] {
		stats.RowsWritten += c.written
	}
	return stats, nil
}

func (c *client) write(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		c.written++
		id := (c.index+1)*clientIDStride + c.written
		if _, err := c.provider.DB().ExecContext(ctx, `INSERT INTO items (id, name, qty) VALUES (?, ?, ?)`,
			id, fmt.Sprintf("client-%d-%d", c.index, c.written), c.written); err != nil {
			return fmt.Errorf("failed to insert item %d: %w", id, err)
		}
	}
	return nil
}

// Verify syncs every client once more, one after the other, and checks
// that the server and every client hold the same number of items.
func (e *Environment) Verify(ctx context.Context) error {
	want := e.SeedRows
	for _, c := range e.clients {
		want += c.written
	}
	if got, err := countItems(ctx, e.Server); err != nil {
		return err
	} else if got != want {
		return fmt.Errorf("server has %d items, want %d", got, want)
	}

	for _, c := range e.clients {
		if _, err := c.agent.Synchronize(ctx, ScopeName, nil, nil); err != nil {
			return fmt.Errorf("client %d final sync failed: %w", c.index, err)
		}
		got, err := countItems(ctx, c.provider)
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("client %d has %d items, want %d", c.index, got, want)
		}
	}
	return nil
}

func countItems(ctx context.Context, p *sqlite.Provider) (int, error) {
	var n int
	if err := p.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return n, nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(durations)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		TotalSyncs: len(durations),
		Durations:  sorted,
	}
}

// Print formats the statistics.
func (s *LatencyStats) Print(w io.Writer) {
	fmt.Fprintf(w, "Sync Latency:\n")
	fmt.Fprintf(w, "  Sessions:      %d\n", s.TotalSyncs)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Rows written:  %d\n", s.RowsWritten)
	fmt.Fprintf(w, "  Elapsed:       %v\n", s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
