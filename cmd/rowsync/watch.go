package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rowsync/rowsync/internal/daemon"
	"github.com/rowsync/rowsync/internal/orchestrator"
	"github.com/rowsync/rowsync/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:     "watch [scope]",
	GroupID: "sync",
	Short:   "Keep the client database in sync in the background",
	Long: `Run a sync daemon for the client database.

The daemon syncs on start, again whenever the database file settles after
a write (sqlite only) and every client.interval to pick up server changes.
Sessions never overlap.

Examples:
  rowsync watch --url http://sync.local:8080
  rowsync watch --interval 30s --dashboard :8081`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		applyClientFlags(cmd)
		if v, _ := cmd.Flags().GetDuration("interval"); cmd.Flags().Changed("interval") {
			cfg.Client.Interval = v
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		agent, closeAgent, err := newAgent(cmd)
		if err != nil {
			fatalf("%v", err)
		}
		defer closeAgent()

		config := &daemon.Config{
			ScopeName:        scopeName(args),
			Parameters:       cfg.Client.Parameters,
			Interval:         cfg.Client.Interval,
			DebounceInterval: cfg.Client.Debounce,
			Logger:           newLogger("daemon"),
		}
		if cfg.Provider == "sqlite" {
			config.WatchPath = cfg.DSN
		}

		dashAddr, _ := cmd.Flags().GetString("dashboard")
		if dashAddr != "" {
			server, handler, err := startDashboard(dashAddr)
			if err != nil {
				fatalf("%v", err)
			}
			defer server.Stop()
			config.Progress = handler.OnProgress
			config.OnResult = handler.OnResult
		}

		d, err := daemon.New(agent, config)
		if err != nil {
			fatalf("%v", err)
		}

		fmt.Printf("%s Watching scope %s\n", ui.RenderAccent("👁"), config.ScopeName)
		if config.WatchPath != "" {
			fmt.Printf("   Database: %s\n", config.WatchPath)
		}
		if config.Interval > 0 {
			fmt.Printf("   Interval: %s\n", config.Interval)
		}
		fmt.Println("\nPress Ctrl+C to stop...")

		if err := d.Start(ctx); err != nil {
			fatalf("%v", err)
		}
		runs, failures := d.Stats()
		fmt.Printf("Daemon stopped after %d syncs (%d failed)\n", runs, failures)
	},
}

var _ daemon.Syncer = (*orchestrator.Agent)(nil)

func init() {
	addClientFlags(watchCmd)
	watchCmd.Flags().Duration("interval", 0, "Period of timed syncs (default: client.interval)")

	rootCmd.AddCommand(watchCmd)
}
