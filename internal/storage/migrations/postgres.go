package migrations

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// pgExecer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type pgExecer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// RunPostgres applies the postgres schema for table. Migrations are idempotent.
func RunPostgres(ctx context.Context, db pgExecer, table string) error {
	migrations, err := Load(Postgres, table)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		// Without arguments pgx uses the simple protocol, so a file may hold several statements.
		if _, err := db.Exec(ctx, m.SQL); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.Name, err)
		}
	}
	return nil
}
