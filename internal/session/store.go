package session

import "context"

// Store is the interface for session hint storage backends.
// Implementations: SQLiteStore (persistent, default), MemoryStore (tests,
// single-process deployments that don't need hints to survive a restart).
type Store interface {
	Get(ctx context.Context, id string) (*Hints, error) // nil, nil if not found
	Save(ctx context.Context, h *Hints) error
	Delete(ctx context.Context, id string) error

	// EvictExpired removes sessions whose UpdatedAt is older than ttl and
	// returns the number evicted. Called periodically by the manager.
	EvictExpired(ctx context.Context, ttl int64) (int, error)

	Close() error
}

// NewStore creates a storage backend based on config.
func NewStore(cfg StoreConfig) (Store, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		return NewSQLiteStore(cfg)
	default:
		return NewSQLiteStore(cfg)
	}
}
