package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rowsync/rowsync/internal/conflict"
	"github.com/rowsync/rowsync/internal/dashboard"
	"github.com/rowsync/rowsync/internal/orchestrator"
	"github.com/rowsync/rowsync/internal/provider"
	"github.com/rowsync/rowsync/internal/ui"
	"github.com/rowsync/rowsync/internal/web"
)

var syncCmd = &cobra.Command{
	Use:     "sync [scope]",
	GroupID: "sync",
	Short:   "Run one sync session against the server",
	Long: `Synchronize the configured client database with a server.

The client uploads its local changes, downloads the server's changes and
records the new watermarks. The first session of a scope provisions the
client database from the server's configuration.

The server is reached over HTTP (--url or client.url). With --server-dsn
the server database is opened directly and the session runs in process.

Examples:
  rowsync sync --url http://sync.local:8080
  rowsync sync orders --param region=west
  rowsync sync --server-provider mysql --server-dsn "sync:pw@tcp(db)/shop"`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		applyClientFlags(cmd)
		quiet, _ := cmd.Flags().GetBool("quiet")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		agent, closeAgent, err := newAgent(cmd)
		if err != nil {
			fatalf("%v", err)
		}
		defer closeAgent()

		var progress orchestrator.ProgressFunc
		if !quiet {
			progress = printProgress
		}

		dashAddr, _ := cmd.Flags().GetString("dashboard")
		var dash *dashboard.Handler
		if dashAddr != "" {
			server, handler, err := startDashboard(dashAddr)
			if err != nil {
				fatalf("%v", err)
			}
			defer server.Stop()
			dash = handler
			progress = chainProgress(progress, handler.OnProgress)
		}

		name := scopeName(args)
		fmt.Printf("%s Syncing scope %s...\n", ui.RenderAccent("🔄"), name)

		result, err := agent.Synchronize(ctx, name, cfg.Client.Parameters, progress)
		if dash != nil {
			dash.OnResult(result, err)
		}
		if err != nil {
			fatalf("sync failed: %v", err)
		}
		printResult(result)
	},
}

// applyClientFlags lets command line flags override the client section.
func applyClientFlags(cmd *cobra.Command) {
	if v, _ := cmd.Flags().GetString("url"); cmd.Flags().Changed("url") {
		cfg.Client.URL = v
	}
	if v, _ := cmd.Flags().GetBool("compress"); cmd.Flags().Changed("compress") {
		cfg.Client.Compress = v
	}
	if v, _ := cmd.Flags().GetString("policy"); cmd.Flags().Changed("policy") {
		cfg.Conflict.Policy = v
	}
	params, _ := cmd.Flags().GetStringToString("param")
	if len(params) > 0 && cfg.Client.Parameters == nil {
		cfg.Client.Parameters = make(map[string]interface{}, len(params))
	}
	for k, v := range params {
		cfg.Client.Parameters[k] = v
	}
}

// newAgent builds the client agent and its remote. The returned func
// closes every database it opened.
func newAgent(cmd *cobra.Command) (*orchestrator.Agent, func(), error) {
	local, err := openProvider()
	if err != nil {
		return nil, nil, err
	}
	closers := []func(){func() { _ = local.Close() }}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	resolver, err := cfg.Resolver(conflict.SideClient)
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	var remote orchestrator.Remote
	serverDSN, _ := cmd.Flags().GetString("server-dsn")
	switch {
	case serverDSN != "":
		serverProvider, _ := cmd.Flags().GetString("server-provider")
		if serverProvider == "" {
			serverProvider = cfg.Provider
		}
		sp, err := provider.Open(serverProvider, serverDSN, newLogger(serverProvider))
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to open server database: %w", err)
		}
		closers = append(closers, func() { _ = sp.Close() })
		serverResolver, err := cfg.Resolver(conflict.SideServer)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		remote = orchestrator.NewServer(sp, orchestrator.ServerOptions{
			Resolver:   serverResolver,
			Batch:      cfg.BatchOptions(),
			SessionTTL: cfg.Server.SessionTTL,
			Logger:     newLogger("server"),
		})

	case cfg.Client.URL != "":
		remote = web.NewClient(cfg.Client.URL, web.ClientOptions{
			HTTPClient: &http.Client{Timeout: cfg.Client.Timeout},
			Compress:   cfg.Client.Compress,
			Logger:     newLogger("web"),
		})

	default:
		closeAll()
		return nil, nil, fmt.Errorf("no server: set client.url, --url or --server-dsn")
	}

	agent := orchestrator.NewAgent(local, remote, orchestrator.AgentOptions{
		Resolver: resolver,
		Batch:    cfg.BatchOptions(),
		Retry:    cfg.RetryPolicy(),
		Logger:   newLogger("agent"),
	})
	return agent, closeAll, nil
}

func startDashboard(addr string) (*dashboard.Server, *dashboard.Handler, error) {
	server := dashboard.NewServer(&dashboard.Config{Addr: addr, Logger: newLogger("dashboard")})
	handler := dashboard.NewHandler(server)
	if err := server.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start dashboard: %w", err)
	}
	fmt.Printf("   Dashboard: ws://%s/ws\n", displayAddr(server.Addr()))
	return server, handler, nil
}

func chainProgress(fns ...orchestrator.ProgressFunc) orchestrator.ProgressFunc {
	return func(ev orchestrator.ProgressEvent) {
		for _, fn := range fns {
			if fn != nil {
				fn(ev)
			}
		}
	}
}

func printProgress(ev orchestrator.ProgressEvent) {
	line := fmt.Sprintf("   %s %s", ui.RenderMuted(ev.Step.String()), ev.Message)
	if ev.PartCount > 0 {
		line += fmt.Sprintf(" (part %d/%d)", ev.PartIndex+1, ev.PartCount)
	}
	if ev.Rows > 0 {
		line += fmt.Sprintf(", %d rows", ev.Rows)
	}
	fmt.Println(line)
}

func printResult(r *orchestrator.SyncResult) {
	fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), r.Duration().Round(time.Millisecond))
	fmt.Printf("   Uploaded:   %d\n", r.Uploaded)
	fmt.Printf("   Downloaded: %d\n", r.Downloaded)
	fmt.Printf("   Conflicts:  %d\n", r.Conflicts)
	if n := len(r.FailedRows); n > 0 {
		fmt.Printf("%s %d rows failed to apply\n", ui.RenderWarn("⚠"), n)
		for _, f := range r.FailedRows {
			fmt.Printf("   %s\n", ui.RenderMuted(fmt.Sprintf("%s %v: %s", f.TableName, f.PrimaryKey, f.Error)))
		}
	}
}

// addClientFlags registers the flags shared by sync and watch.
func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("url", "", "Server base URL (default: client.url)")
	cmd.Flags().Bool("compress", false, "Send snappy-compressed requests")
	cmd.Flags().String("policy", "", "Conflict policy: server_wins, client_wins or merge")
	cmd.Flags().StringToString("param", nil, "Filter parameter as key=value (repeatable)")
	cmd.Flags().String("server-dsn", "", "Open the server database directly instead of using HTTP")
	cmd.Flags().String("server-provider", "", "Provider of --server-dsn (default: the client provider)")
	cmd.Flags().String("dashboard", "", "Serve a WebSocket progress dashboard on this address")
}

func init() {
	addClientFlags(syncCmd)
	syncCmd.Flags().BoolP("quiet", "q", false, "Do not print progress")

	rootCmd.AddCommand(syncCmd)
}
