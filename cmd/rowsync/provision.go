package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/rowsync/rowsync/internal/orchestrator"
	"github.com/rowsync/rowsync/internal/setup"
	"github.com/rowsync/rowsync/internal/ui"
)

var provisionCmd = &cobra.Command{
	Use:     "provision",
	GroupID: "admin",
	Short:   "Install change tracking on the server database",
	Long: `Provision a scope on the server database from a setup file.

The setup file names the scope, its tables, the columns to sync and any
row filters. Provisioning creates the scope tables, a tracking table and
triggers per synced table, and records the scope configuration clients
download on their first session. Running it again is safe; a changed
setup makes clients refresh their configuration.

Example setup (scope.yaml):
  scope_name: orders
  tables:
    - table: customers
    - table: orders
      columns: [id, customer_id, total]`,
	Run: func(cmd *cobra.Command, args []string) {
		path, _ := cmd.Flags().GetString("setup")
		if path == "" {
			path = cfg.Setup
		}
		if path == "" {
			fatalf("a setup file is required (--setup or setup in the config)")
		}

		st, err := setup.Load(path)
		if err != nil {
			fatalf("%v", err)
		}

		p, err := openProvider()
		if err != nil {
			fatalf("%v", err)
		}
		defer p.Close()

		s, err := orchestrator.ProvisionServer(context.Background(), p, st, newLogger("provision"))
		if err != nil {
			fatalf("provisioning failed: %v", err)
		}

		fmt.Printf("%s Provisioned scope %s\n", ui.RenderPass("✓"), s.Name)
		fmt.Printf("   Scope id:  %s\n", s.ID)
		fmt.Printf("   Config id: %s\n", s.ConfigID)
		for _, t := range s.Schema.Tables {
			fmt.Printf("   Table:     %s (%d columns)\n", t.Name, len(t.Columns))
		}
	},
}

var deprovisionCmd = &cobra.Command{
	Use:     "deprovision [scope]",
	GroupID: "admin",
	Short:   "Remove change tracking for a scope",
	Long: `Drop the triggers and tracking tables of a scope and forget it.

Data tables are never dropped. With --all the scope tables and the change
counter are dropped too; only use it when no other scope remains.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := scopeName(args)
		dropAll, _ := cmd.Flags().GetBool("all")
		yes, _ := cmd.Flags().GetBool("yes")

		if !yes {
			if !ui.IsInteractive() {
				fatalf("refusing to deprovision without --yes in a non-interactive session")
			}
			confirmed := false
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Deprovision scope %s on %s?", name, cfg.Provider)).
				Description("Clients of this scope will have to be provisioned again.").
				Affirmative("Deprovision").
				Negative("Cancel").
				Value(&confirmed).
				Run()
			if err != nil {
				fatalf("%v", err)
			}
			if !confirmed {
				fmt.Println("Cancelled")
				return
			}
		}

		p, err := openProvider()
		if err != nil {
			fatalf("%v", err)
		}
		defer p.Close()

		if err := orchestrator.DeprovisionScope(context.Background(), p, name, dropAll); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Deprovisioned scope %s\n", ui.RenderPass("✓"), name)
	},
}

func init() {
	provisionCmd.Flags().String("setup", "", "Setup file (.yaml, .toml or .json)")
	deprovisionCmd.Flags().Bool("all", false, "Also drop the scope tables and the change counter")
	deprovisionCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	rootCmd.AddCommand(provisionCmd, deprovisionCmd)
}
