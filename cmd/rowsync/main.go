package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"sync"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rowsync/rowsync/internal/config"
	"github.com/rowsync/rowsync/internal/provider"
	"github.com/rowsync/rowsync/internal/ui"

	// Providers register themselves.
	_ "github.com/rowsync/rowsync/internal/provider/mssql"
	_ "github.com/rowsync/rowsync/internal/provider/mysql"
	_ "github.com/rowsync/rowsync/internal/provider/sqlite"
)

var (
	// Build information, set with -ldflags
	Version   = "dev"
	GitCommit = "unknown"

	configFile string
	noColor    bool
	cfg        *config.Config

	logOutput     io.Writer = os.Stderr
	logOutputOnce sync.Once
)

var rootCmd = &cobra.Command{
	Use:   "rowsync",
	Short: "Bidirectional row-level sync for SQLite, MySQL and SQL Server",
	Long: `rowsync keeps client databases in sync with a server database.

Changes are tracked per row by triggers, exchanged in batches over HTTP
and applied with conflict resolution on both sides.

Typical setup:
  rowsync provision --setup scope.yaml   # on the server database
  rowsync serve                          # expose the server over HTTP
  rowsync sync --url http://server:8080  # on each client`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			ui.DisableColor()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rowsync %s (commit %s)\n", Version, GitCommit)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("Providers: %v\n", provider.Registered())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (default: ./rowsync.yaml or ~/.rowsync/rowsync.yaml)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().String("provider", "", "Database provider: sqlite, mysql or mssql")
	rootCmd.PersistentFlags().String("dsn", "", "Database connection string")
	rootCmd.PersistentFlags().String("scope", "", "Scope name")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "admin", Title: "Administration Commands:"},
	)

	cobra.OnInitialize(func() {
		v := config.New(configFile)
		for _, name := range []string{"provider", "dsn", "scope"} {
			if err := v.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
				fmt.Fprintf(os.Stderr, "Error binding flag %s: %v\n", name, err)
				os.Exit(1)
			}
		}
		loaded, err := config.Decode(v, configFile != "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	})

	rootCmd.AddCommand(versionCmd)
}

// newLogger returns a logger writing to the configured log file, rotated
// by lumberjack, or to stderr.
func newLogger(prefix string) *log.Logger {
	logOutputOnce.Do(func() {
		if cfg != nil && cfg.Log.File != "" {
			logOutput = &lumberjack.Logger{
				Filename:   cfg.Log.File,
				MaxSize:    cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAge:     cfg.Log.MaxAgeDays,
				Compress:   cfg.Log.Compress,
			}
		}
	})
	return log.New(logOutput, "["+prefix+"] ", log.LstdFlags)
}

// openProvider opens the configured database.
func openProvider() (provider.Provider, error) {
	p, err := provider.Open(cfg.Provider, cfg.DSN, newLogger(cfg.Provider))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Provider, err)
	}
	return p, nil
}

// scopeName returns the scope given as the first argument or the
// configured one.
func scopeName(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return cfg.Scope
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "%s "+format+"\n", append([]interface{}{ui.RenderFail("Error:")}, args...)...)
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
