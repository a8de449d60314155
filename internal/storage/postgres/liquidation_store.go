package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"liquidation-watch/internal/domain"
	"liquidation-watch/internal/storage"
	"liquidation-watch/internal/storage/migrations"
)

// LiquidationStore implements storage.LiquidationStore using PostgreSQL.
type LiquidationStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewLiquidationStore creates a store over an existing pool.
func NewLiquidationStore(pool *pgxpool.Pool) *LiquidationStore {
	return &LiquidationStore{pool: pool, table: domain.LiquidationMeasurement}
}

// Open connects to dsn and verifies the connection. With migrate set, the
// liquidations schema is applied first.
func Open(ctx context.Context, dsn string, migrate bool) (*LiquidationStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if migrate {
		if err := migrations.RunPostgres(ctx, pool, domain.LiquidationMeasurement); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return NewLiquidationStore(pool), nil
}

// Close closes the connection pool.
func (s *LiquidationStore) Close() {
	s.pool.Close()
}

// Compile-time interface check.
var _ storage.LiquidationStore = (*LiquidationStore)(nil)

// InsertBulk adds records. A single record is written with one statement;
// larger batches are sent as a pgx batch inside a transaction.
func (s *LiquidationStore) InsertBulk(ctx context.Context, records []*domain.LiquidationRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := storage.ValidateRecords(records); err != nil {
		return err
	}

	if len(records) == 1 {
		query, args := insertStatement(records[0])
		if _, err := s.pool.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("insert liquidation: %w", err)
		}
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, r := range records {
		query, args := insertStatement(r)
		batch.Queue(query, args...)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert liquidations in bulk: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// insertStatement maps a record onto its measurement table: time and time_ns
// first, then tags and fields as columns.
func insertStatement(r *domain.LiquidationRecord) (string, []any) {
	columns, values := storage.Columns(r)
	return insertQuery(r.Measurement(), columns), append([]any{observedAt(r), int64(r.TimeNanos)}, values...)
}

func insertQuery(table string, columns []string) string {
	names := append([]string{"time", "time_ns"}, columns...)
	idents := make([]string, len(names))
	params := make([]string, len(names))
	for i, name := range names {
		idents[i] = pgx.Identifier{name}.Sanitize()
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pgx.Identifier{table}.Sanitize(), strings.Join(idents, ", "), strings.Join(params, ", "))
}

// GetByTimeRange retrieves records within [start, end] (inclusive), ordered by time ASC.
func (s *LiquidationStore) GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.LiquidationRecord, error) {
	query := fmt.Sprintf(`
		SELECT time_ns, signer, signature
		FROM %s
		WHERE time_ns >= $1 AND time_ns <= $2
		ORDER BY time_ns ASC, id ASC
	`, pgx.Identifier{s.table}.Sanitize())

	rows, err := s.pool.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("get liquidations by time range: %w", err)
	}
	defer rows.Close()

	return scanLiquidations(rows)
}

// GetBySigner retrieves all records for a signer, ordered by time ASC.
func (s *LiquidationStore) GetBySigner(ctx context.Context, signer string) ([]*domain.LiquidationRecord, error) {
	query := fmt.Sprintf(`
		SELECT time_ns, signer, signature
		FROM %s
		WHERE signer = $1
		ORDER BY time_ns ASC, id ASC
	`, pgx.Identifier{s.table}.Sanitize())

	rows, err := s.pool.Query(ctx, query, signer)
	if err != nil {
		return nil, fmt.Errorf("get liquidations by signer: %w", err)
	}
	defer rows.Close()

	return scanLiquidations(rows)
}

// scanLiquidations scans multiple rows into a slice of LiquidationRecord.
func scanLiquidations(rows pgx.Rows) ([]*domain.LiquidationRecord, error) {
	var records []*domain.LiquidationRecord

	for rows.Next() {
		var (
			r      domain.LiquidationRecord
			timeNs int64
		)
		if err := rows.Scan(&timeNs, &r.Signer, &r.Signature); err != nil {
			return nil, fmt.Errorf("scan liquidation row: %w", err)
		}
		r.TimeNanos = uint64(timeNs)
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate liquidation rows: %w", err)
	}

	return records, nil
}

// observedAt is the TIMESTAMPTZ column value; Postgres keeps microseconds only,
// so time_ns carries the exact observation time.
func observedAt(r *domain.LiquidationRecord) time.Time {
	return r.Time().Truncate(time.Microsecond)
}
