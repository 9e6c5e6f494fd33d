package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rowsync/rowsync/internal/conflict"
	"github.com/rowsync/rowsync/internal/orchestrator"
	"github.com/rowsync/rowsync/internal/ui"
	"github.com/rowsync/rowsync/internal/web"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Serve the sync protocol over HTTP",
	Long: `Expose the configured database as a sync server.

Clients POST every session step to /sync. Prometheus metrics are served on
/metrics and a health check on /health.

Sessions are kept in memory unless server.redis_url is set, in which case
any number of serve processes sharing the Redis instance can serve the
same clients.

Examples:
  rowsync serve --listen :8080
  rowsync serve --redis redis://cache:6379/0 --compress`,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetString("listen"); cmd.Flags().Changed("listen") {
			cfg.Server.Listen = v
		}
		if v, _ := cmd.Flags().GetString("redis"); cmd.Flags().Changed("redis") {
			cfg.Server.RedisURL = v
		}
		if v, _ := cmd.Flags().GetBool("compress"); cmd.Flags().Changed("compress") {
			cfg.Server.Compress = v
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := runServe(ctx); err != nil {
			fatalf("%v", err)
		}
		fmt.Println("Server stopped")
	},
}

func runServe(ctx context.Context) error {
	logger := newLogger("server")

	p, err := openProvider()
	if err != nil {
		return err
	}
	defer p.Close()

	resolver, err := cfg.Resolver(conflict.SideServer)
	if err != nil {
		return err
	}

	opts := orchestrator.ServerOptions{
		Resolver:   resolver,
		Batch:      cfg.BatchOptions(),
		SessionTTL: cfg.Server.SessionTTL,
		Logger:     logger,
	}
	if cfg.Server.RedisURL != "" {
		store, err := web.OpenRedisSessionStore(ctx, cfg.Server.RedisURL, cfg.Server.SessionTTL)
		if err != nil {
			return err
		}
		defer store.Close()
		opts.Store = store
		logger.Printf("Sessions stored in Redis at %s", cfg.Server.RedisURL)
	}
	server := orchestrator.NewServer(p, opts)

	handler := web.NewHandler(server, web.HandlerOptions{
		MaxBodyBytes: cfg.Server.MaxBodyMB << 20,
		Compress:     cfg.Server.Compress,
		Logger:       newLogger("web"),
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	fmt.Printf("%s Serving %s database on %s\n", ui.RenderAccent("→"), cfg.Provider, cfg.Server.Listen)
	fmt.Printf("   Sync endpoint: http://%s%s\n", displayAddr(cfg.Server.Listen), web.SyncPath)
	fmt.Printf("   Metrics:       http://%s/metrics\n", displayAddr(cfg.Server.Listen))
	fmt.Println("\nPress Ctrl+C to stop...")

	interval := cfg.Server.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	sweep := time.NewTicker(interval)
	defer sweep.Stop()

	for {
		select {
		case err, ok := <-errCh:
			if ok {
				return fmt.Errorf("server error: %w", err)
			}
			return nil

		case <-sweep.C:
			if n := server.Sweep(ctx); n > 0 {
				logger.Printf("Released %d expired session leases", n)
			}

		case <-ctx.Done():
			fmt.Println("\nShutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			return nil
		}
	}
}

// displayAddr turns a listen address such as ":8080" into one a user can
// paste into a browser.
func displayAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}

func init() {
	serveCmd.Flags().String("listen", "", "Address to listen on (default: server.listen)")
	serveCmd.Flags().String("redis", "", "Redis URL for the session store (default: in memory)")
	serveCmd.Flags().Bool("compress", false, "Answer with snappy-compressed bodies when clients accept them")

	rootCmd.AddCommand(serveCmd)
}
