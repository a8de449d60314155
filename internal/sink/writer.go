// Package sink writes liquidation records to the configured time-series store.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"liquidation-watch/internal/domain"
	"liquidation-watch/internal/observability"
	"liquidation-watch/internal/storage"
)

// Writer persists one record per call. It holds no per-call state and is
// safe for sequential reuse.
type Writer struct {
	store   storage.LiquidationStore
	timeout time.Duration
	metrics *observability.Metrics
}

// WriterOptions configures a Writer.
type WriterOptions struct {
	Store storage.LiquidationStore
	// Timeout bounds each write. Zero disables it.
	Timeout time.Duration
	Metrics *observability.Metrics
}

// NewWriter creates a new Writer.
func NewWriter(opts WriterOptions) *Writer {
	return &Writer{
		store:   opts.Store,
		timeout: opts.Timeout,
		metrics: opts.Metrics,
	}
}

// Write sends rec to the store as a single-record batch. It does not retry.
func (w *Writer) Write(ctx context.Context, rec *domain.LiquidationRecord) error {
	if !rec.Valid() {
		return fmt.Errorf("write liquidation: %w", storage.ErrInvalidInput)
	}

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	start := time.Now()
	err := w.store.InsertBulk(ctx, []*domain.LiquidationRecord{rec})
	w.metrics.RecordSinkWrite(time.Since(start), err)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && w.timeout > 0 {
			return fmt.Errorf("write liquidation: timed out after %v: %w", w.timeout, err)
		}
		return fmt.Errorf("write liquidation: %w", err)
	}
	return nil
}
