package store

import (
	"context"
	"strings"

	"github.com/antoniostano/taskforge/internal/guard"
	"github.com/antoniostano/taskforge/internal/task"
)

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (task.Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

// NewLedger picks the usage-ledger backend: Redis when configured, then the
// task store itself when it can hold a ledger, then process-local memory.
func NewLedger(ctx context.Context, redisAddr string, taskStore task.Store) (guard.Ledger, error) {
	if strings.TrimSpace(redisAddr) != "" {
		return NewRedisLedger(ctx, redisAddr)
	}
	if l, ok := taskStore.(guard.Ledger); ok {
		return l, nil
	}
	return NewMemoryStore(), nil
}
