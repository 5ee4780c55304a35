package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	nostr "nostr-sdk"
)

// RedisStore persists events in Redis: each event as JSON under a
// prefixed key, with a set of known IDs for querying.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
// URL format: redis://[:password@]host:port/db
func NewRedisStore(redisURL, prefix string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	// Connection pool settings
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client, prefix: prefix, ttl: ttl}, nil
}

// NewRedisStoreWithClient wraps an existing client (used by tests).
func NewRedisStoreWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) eventKey(id string) string {
	return s.prefix + "event:" + id
}

func (s *RedisStore) idsKey() string {
	return s.prefix + "ids"
}

func (s *RedisStore) SaveEvent(ctx context.Context, evt *nostr.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.eventKey(evt.ID), data, s.ttl)
	pipe.SAdd(ctx, s.idsKey(), evt.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Query(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.eventKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var matched []*nostr.Event
	var expired []interface{}
	for i, v := range values {
		if v == nil {
			// Event TTL-expired but its ID lingered in the set
			expired = append(expired, ids[i])
			continue
		}
		str, ok := v.(string)
		if !ok {
			continue
		}
		evt := &nostr.Event{}
		if err := json.Unmarshal([]byte(str), evt); err != nil {
			continue
		}
		if filter.Match(evt) {
			matched = append(matched, evt)
		}
	}

	if len(expired) > 0 {
		s.client.SRem(ctx, s.idsKey(), expired...)
	}

	sortNewestFirst(matched)
	return applyLimit(matched, filter.Limit), nil
}

func (s *RedisStore) HasEvent(ctx context.Context, id string) (bool, error) {
	err := s.client.Get(ctx, s.eventKey(id)).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisStore) Wipe(ctx context.Context) error {
	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	for _, id := range ids {
		pipe.Del(ctx, s.eventKey(id))
	}
	pipe.Del(ctx, s.idsKey())
	_, err = pipe.Exec(ctx)
	return err
}

// Close releases the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
