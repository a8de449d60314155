package storage

import (
	"context"

	"liquidation-watch/internal/domain"
)

// LiquidationStore provides access to liquidations storage.
// Append-only; duplicates are accepted and no uniqueness is enforced.
type LiquidationStore interface {
	// InsertBulk adds records in one batch. Returns ErrInvalidInput if any record is incomplete.
	InsertBulk(ctx context.Context, records []*domain.LiquidationRecord) error

	// GetByTimeRange retrieves records observed within [start, end] (Unix nanoseconds, inclusive),
	// ordered by time ASC.
	GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.LiquidationRecord, error)

	// GetBySigner retrieves all records for a signer, ordered by time ASC.
	GetBySigner(ctx context.Context, signer string) ([]*domain.LiquidationRecord, error)
}

// ValidateRecords returns ErrInvalidInput if any record is nil or has an empty field.
func ValidateRecords(records []*domain.LiquidationRecord) error {
	for _, r := range records {
		if !r.Valid() {
			return ErrInvalidInput
		}
	}
	return nil
}
