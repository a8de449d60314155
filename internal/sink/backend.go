package sink

import (
	"context"
	"fmt"
	"strings"

	"liquidation-watch/internal/storage"
	chstore "liquidation-watch/internal/storage/clickhouse"
	"liquidation-watch/internal/storage/memory"
	"liquidation-watch/internal/storage/postgres"
)

// Backend names a storage backend.
type Backend string

// Supported backends.
const (
	BackendClickhouse Backend = "clickhouse"
	BackendPostgres   Backend = "postgres"
	BackendMemory     Backend = "memory"
)

// ParseBackend parses a backend name, case-insensitively.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case BackendClickhouse, BackendPostgres, BackendMemory:
		return b, nil
	default:
		return "", fmt.Errorf("%w: %q", storage.ErrUnknownBackend, s)
	}
}

// Store is an opened backend.
type Store struct {
	storage.LiquidationStore
	closeFn func() error
}

// Close releases the backend connection.
func (s *Store) Close() error {
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// Open connects to the backend at dsn. With migrate set, embedded schema
// migrations are applied first.
func Open(ctx context.Context, backend Backend, dsn string, migrate bool) (*Store, error) {
	switch backend {
	case BackendMemory:
		return &Store{LiquidationStore: memory.NewLiquidationStore()}, nil

	case BackendClickhouse:
		store, err := chstore.Open(ctx, dsn, migrate)
		if err != nil {
			return nil, err
		}
		return &Store{LiquidationStore: store, closeFn: store.Close}, nil

	case BackendPostgres:
		store, err := postgres.Open(ctx, dsn, migrate)
		if err != nil {
			return nil, err
		}
		return &Store{
			LiquidationStore: store,
			closeFn: func() error {
				store.Close()
				return nil
			},
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", storage.ErrUnknownBackend, backend)
	}
}
