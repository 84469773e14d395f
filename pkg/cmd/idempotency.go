package cmd

import (
	"context"
	"log/slog"

	"github.com/dukex/homeledger/pkg/idempotency"
	"github.com/dukex/homeledger/pkg/idempotency/redis"
	"github.com/dukex/homeledger/pkg/persistence"
)

// NewIdempotencyStore returns the redis store when redisURL is set and the
// persistence backend's own store otherwise. The returned func releases the
// store's connections.
func NewIdempotencyStore(
	ctx context.Context,
	logger *slog.Logger,
	redisURL string,
	fallback persistence.Persistence,
) (idempotency.Store, func() error, error) {
	if redisURL == "" {
		return fallback.Idempotency(), func() error { return nil }, nil
	}

	store, err := redis.NewStoreFromURL(ctx, redisURL, logger)
	if err != nil {
		return nil, nil, err
	}

	logger.InfoContext(ctx, "Using redis idempotency store")

	return store, store.Close, nil
}
