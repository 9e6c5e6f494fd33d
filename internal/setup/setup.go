// Package setup holds the user-declared description of a sync scope: which
// tables take part, which columns of each table, in which direction, and
// how rows are filtered per client.
package setup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/rowsync/rowsync/internal/schema"
)

// Direction restricts which way a table's changes travel.
type Direction string

const (
	Bidirectional Direction = "bidirectional"
	DownloadOnly  Direction = "download_only"
	UploadOnly    Direction = "upload_only"
)

// Flow is the direction of one selection pass.
type Flow int

const (
	// Upload is a client sending its changes to the server.
	Upload Flow = iota
	// Download is the server sending changes to a client.
	Download
)

func (f Flow) String() string {
	if f == Upload {
		return "upload"
	}
	return "download"
}

// Setup describes a scope.
type Setup struct {
	ScopeName string        `json:"scope_name" yaml:"scope_name" toml:"scope_name"`
	Tables    []SetupTable  `json:"tables" yaml:"tables" toml:"tables"`
	Filters   []SetupFilter `json:"filters,omitempty" yaml:"filters,omitempty" toml:"filters,omitempty"`
}

// SetupTable selects one table. No columns means every column.
type SetupTable struct {
	TableName  string    `json:"table" yaml:"table" toml:"table"`
	SchemaName string    `json:"schema,omitempty" yaml:"schema,omitempty" toml:"schema,omitempty"`
	Columns    []string  `json:"columns,omitempty" yaml:"columns,omitempty" toml:"columns,omitempty"`
	Direction  Direction `json:"direction,omitempty" yaml:"direction,omitempty" toml:"direction,omitempty"`
}

// Is reports whether the table is identified by name and schemaName.
func (t SetupTable) Is(name, schemaName string) bool {
	if !schema.EqualNames(t.TableName, name) {
		return false
	}
	return schemaName == "" || t.SchemaName == "" || schema.EqualNames(t.SchemaName, schemaName)
}

// Allows reports whether changes of this table travel in flow f.
func (t SetupTable) Allows(f Flow) bool {
	switch t.Direction {
	case DownloadOnly:
		return f == Download
	case UploadOnly:
		return f == Upload
	default:
		return true
	}
}

// Table returns the setup entry for a table, or nil.
func (s *Setup) Table(name, schemaName string) *SetupTable {
	for i := range s.Tables {
		if s.Tables[i].Is(name, schemaName) {
			return &s.Tables[i]
		}
	}
	return nil
}

// Filter returns the filter attached to a table, or nil.
func (s *Setup) Filter(name, schemaName string) *SetupFilter {
	for i := range s.Filters {
		f := &s.Filters[i]
		if !schema.EqualNames(f.TableName, name) {
			continue
		}
		if schemaName == "" || f.SchemaName == "" || schema.EqualNames(f.SchemaName, schemaName) {
			return f
		}
	}
	return nil
}

// Validate checks the setup is internally consistent.
func (s *Setup) Validate() error {
	if s.ScopeName == "" {
		return fmt.Errorf("scope name is required")
	}
	if len(s.Tables) == 0 {
		return fmt.Errorf("scope %s has no tables", s.ScopeName)
	}

	for i, t := range s.Tables {
		if t.TableName == "" {
			return fmt.Errorf("table #%d has no name", i)
		}
		for _, other := range s.Tables[:i] {
			if other.Is(t.TableName, t.SchemaName) && schema.EqualNames(other.SchemaName, t.SchemaName) {
				return fmt.Errorf("table %s is declared twice", t.TableName)
			}
		}
		switch t.Direction {
		case "", Bidirectional, DownloadOnly, UploadOnly:
		default:
			return fmt.Errorf("table %s has invalid direction %q", t.TableName, t.Direction)
		}
		seen := make(map[string]bool, len(t.Columns))
		for _, c := range t.Columns {
			key := strings.ToLower(c)
			if seen[key] {
				return fmt.Errorf("table %s declares column %s twice", t.TableName, c)
			}
			seen[key] = true
		}
	}

	for _, f := range s.Filters {
		if s.Table(f.TableName, f.SchemaName) == nil {
			return fmt.Errorf("filter references unknown table %s", f.TableName)
		}
		if err := f.Validate(); err != nil {
			return fmt.Errorf("filter on %s: %w", f.TableName, err)
		}
	}
	return nil
}

// Load reads a setup from a .yaml, .yml, .toml or .json file.
func Load(path string) (*Setup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read setup file: %w", err)
	}

	var s Setup
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &s)
	case ".toml":
		_, err = toml.Decode(string(data), &s)
	case ".json":
		err = json.Unmarshal(data, &s)
	default:
		return nil, fmt.Errorf("unsupported setup file extension: %s", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse setup file %s: %w", path, err)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid setup file %s: %w", path, err)
	}
	return &s, nil
}
