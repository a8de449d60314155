package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"liquidation-watch/internal/domain"
	"liquidation-watch/internal/storage"
	"liquidation-watch/internal/storage/migrations"
)

// LiquidationStore implements storage.LiquidationStore using ClickHouse.
type LiquidationStore struct {
	conn  *Conn
	table string
}

// NewLiquidationStore creates a new LiquidationStore.
func NewLiquidationStore(conn *Conn) *LiquidationStore {
	return &LiquidationStore{conn: conn, table: domain.LiquidationMeasurement}
}

// Open connects to the database named in dsn. With migrate set, the database
// is created if missing and the liquidations schema is applied first.
func Open(ctx context.Context, dsn string, migrate bool) (*LiquidationStore, error) {
	if migrate {
		if err := createDatabase(ctx, dsn); err != nil {
			return nil, err
		}
	}

	conn, err := NewConn(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if migrate {
		if err := migrations.RunClickhouse(ctx, conn, domain.LiquidationMeasurement); err != nil {
			conn.Close()
			return nil, err
		}
	}

	return NewLiquidationStore(conn), nil
}

// Close closes the underlying connection.
func (s *LiquidationStore) Close() error {
	return s.conn.Close()
}

// Compile-time interface check.
var _ storage.LiquidationStore = (*LiquidationStore)(nil)

// InsertBulk adds records in one native batch per measurement. Duplicates are accepted.
func (s *LiquidationStore) InsertBulk(ctx context.Context, records []*domain.LiquidationRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := storage.ValidateRecords(records); err != nil {
		return err
	}

	batches := make(map[string]driver.Batch)
	var order []string
	abort := func() {
		for _, q := range order {
			_ = batches[q].Abort()
		}
	}

	for _, r := range records {
		columns, values := storage.Columns(r)
		query := insertQuery(r.Measurement(), columns)

		batch, ok := batches[query]
		if !ok {
			var err error
			batch, err = s.conn.PrepareBatch(ctx, query)
			if err != nil {
				abort()
				return fmt.Errorf("prepare batch: %w", err)
			}
			batches[query] = batch
			order = append(order, query)
		}

		if err := batch.Append(append([]any{r.Time()}, values...)...); err != nil {
			abort()
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	for _, q := range order {
		if err := batches[q].Send(); err != nil {
			return fmt.Errorf("send batch: %w", err)
		}
	}

	return nil
}

// insertQuery builds the batch INSERT for a measurement; time is always the first column.
func insertQuery(table string, columns []string) string {
	return fmt.Sprintf("INSERT INTO %s (time, %s)", table, strings.Join(columns, ", "))
}

// GetByTimeRange retrieves records within [start, end] (inclusive), ordered by time ASC.
func (s *LiquidationStore) GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.LiquidationRecord, error) {
	query := fmt.Sprintf(`
		SELECT time, signer, signature
		FROM %s
		WHERE time >= fromUnixTimestamp64Nano(?) AND time <= fromUnixTimestamp64Nano(?)
		ORDER BY time ASC
	`, s.table)

	rows, err := s.conn.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("query by time range: %w", err)
	}
	defer rows.Close()

	return scanLiquidations(rows)
}

// GetBySigner retrieves all records for a signer, ordered by time ASC.
func (s *LiquidationStore) GetBySigner(ctx context.Context, signer string) ([]*domain.LiquidationRecord, error) {
	query := fmt.Sprintf(`
		SELECT time, signer, signature
		FROM %s
		WHERE signer = ?
		ORDER BY time ASC
	`, s.table)

	rows, err := s.conn.Query(ctx, query, signer)
	if err != nil {
		return nil, fmt.Errorf("query by signer: %w", err)
	}
	defer rows.Close()

	return scanLiquidations(rows)
}

// scanLiquidations scans multiple rows.
func scanLiquidations(rows chRows) ([]*domain.LiquidationRecord, error) {
	var records []*domain.LiquidationRecord

	for rows.Next() {
		var (
			ts time.Time
			r  domain.LiquidationRecord
		)
		if err := rows.Scan(&ts, &r.Signer, &r.Signature); err != nil {
			return nil, fmt.Errorf("scan liquidation row: %w", err)
		}
		r.TimeNanos = uint64(ts.UnixNano())
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate liquidation rows: %w", err)
	}

	return records, nil
}
