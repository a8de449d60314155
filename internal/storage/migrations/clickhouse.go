package migrations

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// chExecer is satisfied by the clickhouse-go driver.Conn.
type chExecer interface {
	Exec(ctx context.Context, query string, args ...any) error
}

// RunClickhouse applies the clickhouse schema for table. The native driver runs
// one statement per Exec, so each file holds exactly one statement.
func RunClickhouse(ctx context.Context, db chExecer, table string) error {
	migrations, err := Load(Clickhouse, table)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		stmt, err := singleStatement(m.SQL)
		if err != nil {
			return fmt.Errorf("migration %s: %w", m.Name, err)
		}
		if err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.Name, err)
		}
	}
	return nil
}

// singleStatement drops comment lines and the trailing semicolon.
func singleStatement(sql string) (string, error) {
	var lines []string
	for _, line := range strings.Split(sql, "\n") {
		if t := strings.TrimSpace(line); t == "" || strings.HasPrefix(t, "--") {
			continue
		}
		lines = append(lines, line)
	}

	stmt := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(strings.Join(lines, "\n")), ";"))
	switch {
	case stmt == "":
		return "", errors.New("empty migration")
	case strings.Contains(stmt, ";"):
		return "", errors.New("more than one statement")
	}
	return stmt, nil
}
