// Package redis implements idempotency.Store on Redis using SET NX PX for the
// atomic reserve.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/homeledger/pkg/idempotency"
	"github.com/dukex/homeledger/pkg/models"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultPrefix = "homeledger:idem:"

	inFlightMarker = "in_flight|"
)

// releaseScript deletes the key only while it still holds the caller's
// in-flight marker.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and string.sub(v, 1, string.len(ARGV[1])) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// completeScript stores the completed record only while the key is absent or
// still holds the caller's in-flight marker.
var completeScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if (not v) or string.sub(v, 1, string.len(ARGV[1])) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0
`)

type Store struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

func NewStore(client redis.UniversalClient, prefix string, logger *slog.Logger) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger.With("module", "idempotency_redis"),
	}
}

// NewStoreFromURL parses a redis:// URL and returns a Store with its own client.
func NewStoreFromURL(ctx context.Context, url string, logger *slog.Logger) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return NewStore(client, DefaultPrefix, logger), nil
}

func (s *Store) Reserve(ctx context.Context, key, owner string, lease time.Duration) (*models.IdempotencyRecord, bool, error) {
	fullKey := s.prefix + key

	for range 3 {
		now := time.Now().UTC()
		marker := encodeMarker(owner, now, now.Add(lease))

		ok, err := s.client.SetNX(ctx, fullKey, marker, lease).Result()
		if err != nil {
			return nil, false, fmt.Errorf("failed to reserve idempotency key: %w", err)
		}

		if ok {
			record, _ := decode(key, marker)

			return record, true, nil
		}

		raw, err := s.client.Get(ctx, fullKey).Result()
		if errors.Is(err, redis.Nil) {
			// expired between SETNX and GET
			continue
		}

		if err != nil {
			return nil, false, fmt.Errorf("failed to read idempotency key: %w", err)
		}

		record, err := decode(key, raw)
		if err != nil {
			return nil, false, err
		}

		if record.State == models.IdempotencyStateInFlight && record.Owner == owner {
			if err := s.client.Set(ctx, fullKey, marker, lease).Err(); err != nil {
				return nil, false, fmt.Errorf("failed to reclaim idempotency key: %w", err)
			}

			reclaimed, _ := decode(key, marker)

			return reclaimed, true, nil
		}

		return record, false, nil
	}

	return nil, false, fmt.Errorf("failed to reserve idempotency key %s: %w", key, idempotency.ErrInFlight)
}

func (s *Store) Complete(ctx context.Context, key, owner string, result []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	record := models.IdempotencyRecord{
		Key:       key,
		State:     models.IdempotencyStateCompleted,
		Owner:     owner,
		Result:    result,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal idempotency record: %w", err)
	}

	stored, err := completeScript.Run(ctx, s.client, []string{s.prefix + key},
		inFlightMarker+owner+"|", payload, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}

	if stored == 0 {
		return fmt.Errorf("%s: %w", key, idempotency.ErrNotOwner)
	}

	return nil
}

func (s *Store) Release(ctx context.Context, key, owner string) error {
	err := releaseScript.Run(ctx, s.client, []string{s.prefix + key}, inFlightMarker+owner+"|").Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}

	return nil
}

func (s *Store) Forget(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to forget idempotency key: %w", err)
	}

	return nil
}

func (s *Store) Get(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, idempotency.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency key: %w", err)
	}

	return decode(key, raw)
}

func (s *Store) Close() error {
	return s.client.Close()
}

func encodeMarker(owner string, createdAt, expiresAt time.Time) string {
	return inFlightMarker + owner + "|" +
		strconv.FormatInt(createdAt.UnixMilli(), 10) + "|" +
		strconv.FormatInt(expiresAt.UnixMilli(), 10)
}

func decode(key, raw string) (*models.IdempotencyRecord, error) {
	if !strings.HasPrefix(raw, inFlightMarker) {
		var record models.IdempotencyRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, fmt.Errorf("failed to decode idempotency record %s: %w", key, err)
		}

		return &record, nil
	}

	fields := strings.Split(strings.TrimPrefix(raw, inFlightMarker), "|")
	if len(fields) < 3 {
		return nil, fmt.Errorf("malformed in-flight marker for %s", key)
	}

	created, _ := strconv.ParseInt(fields[len(fields)-2], 10, 64)
	expires, _ := strconv.ParseInt(fields[len(fields)-1], 10, 64)

	return &models.IdempotencyRecord{
		Key:       key,
		State:     models.IdempotencyStateInFlight,
		Owner:     strings.Join(fields[:len(fields)-2], "|"),
		CreatedAt: time.UnixMilli(created).UTC(),
		ExpiresAt: time.UnixMilli(expires).UTC(),
	}, nil
}
