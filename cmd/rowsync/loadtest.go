package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rowsync/rowsync/internal/loadtest"
	"github.com/rowsync/rowsync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "admin",
	Short:   "Measure sync latency with concurrent SQLite clients",
	Long: `Create a seeded SQLite server and a set of SQLite clients in a scratch
directory, then have every client write rows and sync concurrently.

Session latency percentiles are printed, followed by a convergence check
that every client holds every row.

Examples:
  rowsync loadtest
  rowsync loadtest --clients 50 --rows 10000 --syncs 5 --writes 20`,
	Run: func(cmd *cobra.Command, args []string) {
		clients, _ := cmd.Flags().GetInt("clients")
		rows, _ := cmd.Flags().GetInt("rows")
		syncs, _ := cmd.Flags().GetInt("syncs")
		writes, _ := cmd.Flags().GetInt("writes")
		dir, _ := cmd.Flags().GetString("dir")
		keep := dir != ""

		if dir == "" {
			tmp, err := os.MkdirTemp("", "rowsync-loadtest-")
			if err != nil {
				fatalf("%v", err)
			}
			dir = tmp
		}
		if !keep {
			defer os.RemoveAll(dir)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		fmt.Printf("%s Seeding %d rows in %s\n", ui.RenderAccent("→"), rows, dir)
		env, err := loadtest.CreateEnvironment(ctx, dir, rows, newLogger("loadtest"))
		if err != nil {
			fatalf("%v", err)
		}
		defer env.Close()

		fmt.Printf("%s Running %d clients x %d rounds of %d writes\n\n", ui.RenderAccent("→"), clients, syncs, writes)
		stats, err := env.RunConcurrentClients(ctx, loadtest.Options{Clients: clients, Syncs: syncs, WritesPerSync: writes})
		if err != nil {
			fatalf("%v", err)
		}
		stats.Print(os.Stdout)
		fmt.Println()

		if err := env.Verify(ctx); err != nil {
			fatalf("convergence check failed: %v", err)
		}
		fmt.Printf("%s All %d clients converged\n", ui.RenderPass("✓"), clients)
		if stats.Errors > 0 {
			fmt.Printf("%s %d sessions failed\n", ui.RenderWarn("⚠"), stats.Errors)
			os.Exit(1)
		}
	},
}

func init() {
	loadtestCmd.Flags().Int("clients", 10, "Number of concurrent clients")
	loadtestCmd.Flags().Int("rows", 1000, "Rows seeded on the server")
	loadtestCmd.Flags().Int("syncs", 3, "Write-then-sync rounds per client")
	loadtestCmd.Flags().Int("writes", 10, "Rows each client writes per round")
	loadtestCmd.Flags().String("dir", "", "Keep the databases in this directory (default: a removed temp dir)")

	rootCmd.AddCommand(loadtestCmd)
}
