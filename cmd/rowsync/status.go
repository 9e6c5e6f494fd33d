package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/rowsync/rowsync/internal/orchestrator"
	"github.com/rowsync/rowsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status [scope]",
	GroupID: "admin",
	Short:   "Show the watermarks of a scope and its known clients",
	Args:    cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := scopeName(args)
		ctx := context.Background()

		p, err := openProvider()
		if err != nil {
			fatalf("%v", err)
		}
		defer p.Close()

		store := p.ScopeStore()
		s, err := store.GetScope(ctx, name)
		if err != nil {
			fatalf("%v", err)
		}
		if s == nil {
			fmt.Printf("\n%s Scope %s not found in %s\n", ui.RenderWarn("⚠"), name, cfg.DSN)
			fmt.Printf("   Run 'rowsync provision' on a server or 'rowsync sync' on a client\n\n")
			return
		}

		local, err := p.LocalTimestamp(ctx, p.DB())
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s could not read the change counter: %v\n", ui.RenderWarn("Warning:"), err)
		}

		fmt.Printf("\n%s Scope %s\n\n", ui.RenderAccent("📊"), s.Name)
		fmt.Printf("   Provider:         %s\n", p.Name())
		fmt.Printf("   Scope id:         %s\n", s.ID)
		fmt.Printf("   Config id:        %s\n", s.ConfigID)
		fmt.Printf("   Local timestamp:  %d\n", local)
		fmt.Printf("   Last upload mark: %d\n", s.LastTimestamp)
		fmt.Printf("   Last server mark: %d\n", s.LastServerSyncTimestamp)
		if !s.LastSyncTime.IsZero() {
			fmt.Printf("   Last sync:        %s\n", s.LastSyncTime.Local().Format(time.RFC3339))
		} else {
			fmt.Printf("   Last sync:        %s\n", ui.RenderMuted("never"))
		}
		if s.Schema != nil {
			fmt.Printf("   Tables:           %d\n", len(s.Schema.Tables))
		}

		clients, err := store.ListClients(ctx, name)
		if err != nil {
			fatalf("%v", err)
		}
		if len(clients) == 0 {
			fmt.Println()
			return
		}
		fmt.Printf("\n   Clients:\n\n")
		rows := make([][]string, 0, len(clients))
		for _, c := range clients {
			rows = append(rows, []string{
				c.ClientID.String(),
				strconv.FormatInt(c.LastSyncTimestamp, 10),
				c.LastSyncTime.Local().Format(time.RFC3339),
			})
		}
		ui.PrintTable(os.Stdout, []string{"CLIENT", "TIMESTAMP", "LAST SYNC"}, rows)
		fmt.Println()
	},
}

var cleanupCmd = &cobra.Command{
	Use:     "cleanup [scope]",
	GroupID: "admin",
	Short:   "Delete tombstones every client has downloaded",
	Args:    cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := scopeName(args)

		p, err := openProvider()
		if err != nil {
			fatalf("%v", err)
		}
		defer p.Close()

		n, err := orchestrator.CleanupTombstones(context.Background(), p, name)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Removed %d tombstones from scope %s\n", ui.RenderPass("✓"), n, name)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, cleanupCmd)
}
