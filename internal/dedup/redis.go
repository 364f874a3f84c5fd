package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-backed Store for multi-node deployments where dedup
// decisions must be shared across instances. Records are stored as JSON under
// prefix+identity; a zero TTL keeps them until explicitly overwritten.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore initialises a Redis-backed dedup store.
func NewRedisStore(addr, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
		ttl:    ttl,
	}
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Get reads the record for identity from Redis.
func (s *RedisStore) Get(ctx context.Context, identity string) (*Record, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+identity).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var rec Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

// Upsert writes the record to Redis, replacing any previous value.
func (s *RedisStore) Upsert(ctx context.Context, rec *Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+rec.Identity, payload, s.ttl).Err()
}

// ListStale scans stored records and returns those last processed before
// cutoff or stored under an older schema version, oldest first. The scan is
// cursor-based so large keyspaces do not block the server.
func (s *RedisStore) ListStale(ctx context.Context, cutoff time.Time, currentVersion int, limit int) ([]Record, error) {
	var stale []Record
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 256).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			val, err := s.client.Get(ctx, key).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				return nil, err
			}
			var rec Record
			if err := json.Unmarshal([]byte(val), &rec); err != nil {
				continue
			}
			if rec.LastProcessed.Before(cutoff) || rec.SchemaVersion < currentVersion {
				stale = append(stale, rec)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].LastProcessed.Before(stale[j].LastProcessed)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}
