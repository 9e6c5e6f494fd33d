package provider

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rowsync/rowsync/internal/schema"
	"github.com/rowsync/rowsync/internal/scope"
	"github.com/rowsync/rowsync/internal/setup"
)

// ScopeStore persists scopes and client history in two tables of the
// synced database, so watermarks commit with the data they describe.
type ScopeStore struct {
	db *sql.DB
	d  Dialect
}

// NewScopeStore creates a scope store on db.
func NewScopeStore(db *sql.DB, d Dialect) *ScopeStore {
	return &ScopeStore{db: db, d: d}
}

var scopeInfoColumns = []schema.Column{
	{Name: "scope_name", Type: schema.TypeString, MaxLength: 100},
	{Name: "scope_id", Type: schema.TypeString, MaxLength: 36},
	{Name: "config_id", Type: schema.TypeString, MaxLength: 36, Nullable: true},
	{Name: "setup", Type: schema.TypeString, Nullable: true},
	{Name: "schema_def", Type: schema.TypeString, Nullable: true},
	{Name: "last_timestamp", Type: schema.TypeInt64},
	{Name: "last_server_sync_timestamp", Type: schema.TypeInt64},
	{Name: "is_new", Type: schema.TypeInt64},
	{Name: "last_sync_datetime", Type: schema.TypeString, MaxLength: 40, Nullable: true},
	{Name: "user_comment", Type: schema.TypeString, Nullable: true},
}

var scopeClientColumns = []schema.Column{
	{Name: "scope_name", Type: schema.TypeString, MaxLength: 100},
	{Name: "client_id", Type: schema.TypeString, MaxLength: 36},
	{Name: "last_sync_timestamp", Type: schema.TypeInt64},
	{Name: "last_sync_datetime", Type: schema.TypeString, MaxLength: 40, Nullable: true},
	{Name: "parameters", Type: schema.TypeString, Nullable: true},
	{Name: "user_comment", Type: schema.TypeString, Nullable: true},
}

func (s *ScopeStore) EnsureTables(ctx context.Context) error {
	for _, t := range []struct {
		name string
		cols []schema.Column
		pk   []string
	}{
		{ScopeInfoTable, scopeInfoColumns, []string{"scope_name"}},
		{ScopeClientTable, scopeClientColumns, []string{"scope_name", "client_id"}},
	} {
		defs := make([]string, len(t.cols))
		for i, c := range t.cols {
			defs[i] = ColumnDefinition(s.d, c)
		}
		stmt := s.d.CreateTableIfNotExists(s.d.QualifiedName("", t.name), defs, t.pk)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create %s: %w", t.name, err)
		}
	}
	return nil
}

func (s *ScopeStore) columnList(cols []schema.Column) string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return QuoteAll(s.d, names)
}

func (s *ScopeStore) GetScope(ctx context.Context, name string) (*scope.Scope, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
		s.columnList(scopeInfoColumns), s.d.QualifiedName("", ScopeInfoTable), s.d.Quote("scope_name"), s.d.Placeholder(1))

	var (
		sc         scope.Scope
		scopeID    string
		configID   sql.NullString
		setupJSON  sql.NullString
		schemaJSON sql.NullString
		isNew      int64
		lastSync   sql.NullString
		comment    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, name).Scan(
		&sc.Name, &scopeID, &configID, &setupJSON, &schemaJSON,
		&sc.LastTimestamp, &sc.LastServerSyncTimestamp, &isNew, &lastSync, &comment)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read scope %s: %w", name, err)
	}

	if sc.ID, err = uuid.Parse(scopeID); err != nil {
		return nil, fmt.Errorf("scope %s has invalid id %q: %w", name, scopeID, err)
	}
	if configID.Valid && configID.String != "" {
		if sc.ConfigID, err = uuid.Parse(configID.String); err != nil {
			return nil, fmt.Errorf("scope %s has invalid config id %q: %w", name, configID.String, err)
		}
	}
	if setupJSON.Valid && setupJSON.String != "" {
		sc.Setup = &setup.Setup{}
		if err := json.Unmarshal([]byte(setupJSON.String), sc.Setup); err != nil {
			return nil, fmt.Errorf("failed to decode setup of scope %s: %w", name, err)
		}
	}
	if schemaJSON.Valid && schemaJSON.String != "" {
		sc.Schema = &schema.Schema{}
		if err := json.Unmarshal([]byte(schemaJSON.String), sc.Schema); err != nil {
			return nil, fmt.Errorf("failed to decode schema of scope %s: %w", name, err)
		}
	}
	sc.IsNew = isNew != 0
	sc.LastSyncTime = parseStoredTime(lastSync)
	sc.UserComment = comment.String
	return &sc, nil
}

func (s *ScopeStore) SaveScope(ctx context.Context, sc *scope.Scope) error {
	setupJSON, err := marshalNullable(sc.Setup != nil, sc.Setup)
	if err != nil {
		return fmt.Errorf("failed to encode setup: %w", err)
	}
	schemaJSON, err := marshalNullable(sc.Schema != nil, sc.Schema)
	if err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	var configID interface{}
	if sc.ConfigID != uuid.Nil {
		configID = sc.ConfigID.String()
	}
	isNew := int64(0)
	if sc.IsNew {
		isNew = 1
	}

	values := []interface{}{
		sc.Name, sc.ID.String(), configID, setupJSON, schemaJSON,
		sc.LastTimestamp, sc.LastServerSyncTimestamp, isNew,
		formatStoredTime(sc.LastSyncTime), nullString(sc.UserComment),
	}
	return s.upsert(ctx, ScopeInfoTable, scopeInfoColumns, 1, values)
}

func (s *ScopeStore) DeleteScope(ctx context.Context, name string) error {
	for _, table := range []string{ScopeClientTable, ScopeInfoTable} {
		query := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", s.d.QualifiedName("", table), s.d.Quote("scope_name"), s.d.Placeholder(1))
		if _, err := s.db.ExecContext(ctx, query, name); err != nil {
			return fmt.Errorf("failed to delete scope %s: %w", name, err)
		}
	}
	return nil
}

func (s *ScopeStore) GetClient(ctx context.Context, scopeName string, clientID uuid.UUID) (*scope.ClientHistory, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s AND %s = %s",
		s.columnList(scopeClientColumns), s.d.QualifiedName("", ScopeClientTable),
		s.d.Quote("scope_name"), s.d.Placeholder(1), s.d.Quote("client_id"), s.d.Placeholder(2))
	rows, err := s.db.QueryContext(ctx, query, scopeName, clientID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to read client %s: %w", clientID, err)
	}
	defer rows.Close()

	clients, err := scanClients(rows)
	if err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, nil
	}
	return clients[0], nil
}

func (s *ScopeStore) SaveClient(ctx context.Context, h *scope.ClientHistory) error {
	params, err := marshalNullable(len(h.Parameters) > 0, h.Parameters)
	if err != nil {
		return fmt.Errorf("failed to encode client parameters: %w", err)
	}
	values := []interface{}{
		h.ScopeName, h.ClientID.String(), h.LastSyncTimestamp,
		formatStoredTime(h.LastSyncTime), params, nullString(h.UserComment),
	}
	return s.upsert(ctx, ScopeClientTable, scopeClientColumns, 2, values)
}

func (s *ScopeStore) ListClients(ctx context.Context, scopeName string) ([]*scope.ClientHistory, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s ORDER BY %s",
		s.columnList(scopeClientColumns), s.d.QualifiedName("", ScopeClientTable),
		s.d.Quote("scope_name"), s.d.Placeholder(1), s.d.Quote("client_id"))
	rows, err := s.db.QueryContext(ctx, query, scopeName)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients of %s: %w", scopeName, err)
	}
	defer rows.Close()
	return scanClients(rows)
}

func scanClients(rows *sql.Rows) ([]*scope.ClientHistory, error) {
	var clients []*scope.ClientHistory
	for rows.Next() {
		var (
			h        scope.ClientHistory
			clientID string
			lastSync sql.NullString
			params   sql.NullString
			comment  sql.NullString
		)
		if err := rows.Scan(&h.ScopeName, &clientID, &h.LastSyncTimestamp, &lastSync, &params, &comment); err != nil {
			return nil, fmt.Errorf("failed to scan client history: %w", err)
		}
		id, err := uuid.Parse(clientID)
		if err != nil {
			return nil, fmt.Errorf("client history has invalid id %q: %w", clientID, err)
		}
		h.ClientID = id
		if params.Valid && params.String != "" {
			if err := json.Unmarshal([]byte(params.String), &h.Parameters); err != nil {
				return nil, fmt.Errorf("failed to decode parameters of client %s: %w", clientID, err)
			}
		}
		h.LastSyncTime = parseStoredTime(lastSync)
		h.UserComment = comment.String
		clients = append(clients, &h)
	}
	return clients, rows.Err()
}

// upsert writes a row keyed by its first keyCount columns. It runs the
// existence check and the write in one transaction so it stays portable
// across engines without native upserts.
func (s *ScopeStore) upsert(ctx context.Context, table string, cols []schema.Column, keyCount int, values []interface{}) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	name := s.d.QualifiedName("", table)
	b := &queryBuilder{d: s.d}
	keys := make([]string, keyCount)
	for i := 0; i < keyCount; i++ {
		keys[i] = s.d.Quote(cols[i].Name) + " = " + b.bind(values[i])
	}
	where := strings.Join(keys, " AND ")
	keyArgs := b.args

	var n int
	if err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", name, where), keyArgs...).Scan(&n); err != nil {
		return fmt.Errorf("failed to read %s: %w", table, err)
	}

	b = &queryBuilder{d: s.d}
	var query string
	if n == 0 {
		marks := make([]string, len(values))
		for i, v := range values {
			marks[i] = b.bind(v)
		}
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", name, s.columnList(cols), strings.Join(marks, ", "))
	} else {
		sets := make([]string, 0, len(cols)-keyCount)
		for i := keyCount; i < len(cols); i++ {
			sets = append(sets, s.d.Quote(cols[i].Name)+" = "+b.bind(values[i]))
		}
		for i := 0; i < keyCount; i++ {
			keys[i] = s.d.Quote(cols[i].Name) + " = " + b.bind(values[i])
		}
		query = fmt.Sprintf("UPDATE %s SET %s WHERE %s", name, strings.Join(sets, ", "), strings.Join(keys, " AND "))
	}
	if _, err := tx.ExecContext(ctx, query, b.args...); err != nil {
		return fmt.Errorf("failed to write %s: %w", table, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s: %w", table, err)
	}
	return nil
}

func marshalNullable(present bool, v interface{}) (interface{}, error) {
	if !present {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func formatStoredTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseStoredTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
