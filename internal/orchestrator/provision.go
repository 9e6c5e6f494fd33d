package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"

	"github.com/rowsync/rowsync/internal/provider"
	"github.com/rowsync/rowsync/internal/schema"
	"github.com/rowsync/rowsync/internal/scope"
	"github.com/rowsync/rowsync/internal/setup"
)

// ProvisionServer describes the tables named by st, installs change
// tracking on them and records the server scope. Running it again after
// the setup changed yields a new config id, which makes clients fetch the
// configuration again on their next session.
func ProvisionServer(ctx context.Context, p provider.Provider, st *setup.Setup, logger *log.Logger) (*scope.Scope, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[provision] ", log.LstdFlags)
	}
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("invalid setup: %w", err)
	}
	caps := p.Capabilities()
	if !caps.CanBeServer {
		return nil, fmt.Errorf("provider %s cannot act as a server", p.Name())
	}

	sch := &schema.Schema{}
	for _, tbl := range st.Tables {
		t, err := p.DescribeTable(ctx, tbl.TableName, tbl.SchemaName)
		if err != nil {
			return nil, fmt.Errorf("failed to describe %s: %w", tbl.TableName, err)
		}
		if t, err = t.Project(tbl.Columns); err != nil {
			return nil, err
		}
		sch.Tables = append(sch.Tables, t)
	}
	if err := sch.Validate(); err != nil {
		return nil, err
	}

	if err := p.Provision(ctx, sch, provider.ProvisionOptions{}); err != nil {
		return nil, err
	}

	store := p.ScopeStore()
	s, err := store.GetScope(ctx, st.ScopeName)
	if err != nil {
		return nil, fmt.Errorf("failed to load scope %s: %w", st.ScopeName, err)
	}
	if s == nil {
		s = scope.New(st.ScopeName)
	}
	s.Setup = st
	s.Schema = sch
	s.IsNew = false

	configID, err := configIDOf(st, sch)
	if err != nil {
		return nil, err
	}
	if s.ConfigID != configID && s.ConfigID != uuid.Nil {
		logger.Printf("Scope %s configuration changed: %s -> %s", st.ScopeName, s.ConfigID, configID)
	}
	s.ConfigID = configID

	if err := store.SaveScope(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to save scope %s: %w", st.ScopeName, err)
	}
	logger.Printf("Scope %s provisioned with %d tables (config %s)", s.Name, len(sch.Tables), s.ConfigID)
	return s, nil
}

func configIDOf(st *setup.Setup, sch *schema.Schema) (uuid.UUID, error) {
	data, err := json.Marshal(struct {
		Setup  *setup.Setup   `json:"setup"`
		Schema *schema.Schema `json:"schema"`
	}{st, sch})
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to encode configuration: %w", err)
	}
	return scope.ConfigIDFor(data), nil
}

// DeprovisionScope removes change tracking for the tables of a scope and
// forgets the scope. With dropAll the scope tables and the change counter
// go too, which must only be done once no other scope is left.
func DeprovisionScope(ctx context.Context, p provider.Provider, scopeName string, dropAll bool) error {
	store := p.ScopeStore()
	s, err := store.GetScope(ctx, scopeName)
	if err != nil {
		return fmt.Errorf("failed to load scope %s: %w", scopeName, err)
	}
	if s == nil || s.Schema == nil {
		return fmt.Errorf("scope %s is not provisioned", scopeName)
	}
	if err := store.DeleteScope(ctx, scopeName); err != nil {
		return fmt.Errorf("failed to delete scope %s: %w", scopeName, err)
	}
	return p.Deprovision(ctx, s.Schema, provider.DeprovisionOptions{DropScopeTables: dropAll})
}

// CleanupTombstones deletes tombstones every known client of the scope has
// already downloaded. It returns the number of rows removed.
func CleanupTombstones(ctx context.Context, p provider.Provider, scopeName string) (int64, error) {
	store := p.ScopeStore()
	s, err := store.GetScope(ctx, scopeName)
	if err != nil {
		return 0, fmt.Errorf("failed to load scope %s: %w", scopeName, err)
	}
	if s == nil || s.Schema == nil {
		return 0, fmt.Errorf("scope %s is not provisioned", scopeName)
	}
	clients, err := store.ListClients(ctx, scopeName)
	if err != nil {
		return 0, fmt.Errorf("failed to list clients of %s: %w", scopeName, err)
	}
	if len(clients) == 0 {
		return 0, nil
	}
	before := clients[0].LastSyncTimestamp
	for _, c := range clients[1:] {
		if c.LastSyncTimestamp < before {
			before = c.LastSyncTimestamp
		}
	}
	return p.CleanupTombstones(ctx, s.Schema, before)
}
