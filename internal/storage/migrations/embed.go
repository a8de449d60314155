// Package migrations holds the embedded sink schema for each SQL backend.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"text/template"
)

//go:embed postgres/*.sql clickhouse/*.sql
var files embed.FS

// Dialect selects a migration set.
type Dialect string

// Supported dialects.
const (
	Postgres   Dialect = "postgres"
	Clickhouse Dialect = "clickhouse"
)

// Migration is one embedded SQL file rendered for a table.
type Migration struct {
	Name string
	SQL  string
}

// Load renders the migrations of d in file name order, with {{.Table}} set to table.
func Load(d Dialect, table string) ([]Migration, error) {
	if !isIdentifier(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	entries, err := fs.ReadDir(files, string(d))
	if err != nil {
		return nil, fmt.Errorf("read embedded %s migrations: %w", d, err)
	}

	var out []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		data, err := fs.ReadFile(files, path.Join(string(d), entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		tmpl, err := template.New(entry.Name()).Parse(string(data))
		if err != nil {
			return nil, fmt.Errorf("parse migration %s: %w", entry.Name(), err)
		}
		var sql strings.Builder
		if err := tmpl.Execute(&sql, struct{ Table string }{table}); err != nil {
			return nil, fmt.Errorf("render migration %s: %w", entry.Name(), err)
		}

		if s := strings.TrimSpace(sql.String()); s != "" {
			out = append(out, Migration{Name: entry.Name(), SQL: s})
		}
	}

	return out, nil
}

// isIdentifier reports whether s is a plain unquoted SQL identifier.
func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
