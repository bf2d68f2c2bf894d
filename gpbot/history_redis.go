package gpbot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisHistory is a ConversationStore backed by one Redis list per
// ConversationKey, so history can outlive the process and be shared
// between instances.
type RedisHistory struct {
	client     redis.UniversalClient
	maxEntries int
	ttl        time.Duration
	keyPrefix  string
}

// NewRedisHistory returns a RedisHistory using the given client. If ttl
// is above 0, a key expires after ttl without appends.
func NewRedisHistory(
	client redis.UniversalClient,
	maxEntries int,
	ttl time.Duration,
	keyPrefix string,
) *RedisHistory {
	return &RedisHistory{
		client:     client,
		maxEntries: maxEntries,
		ttl:        ttl,
		keyPrefix:  keyPrefix,
	}
}

// newRedisClient connects to redis and verifies the connection
func newRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(
		&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		},
	)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func (r *RedisHistory) redisKey(key ConversationKey) string {
	return fmt.Sprintf("%s:%s:%s", r.keyPrefix, key.ChannelID, key.UserID)
}

// Append pushes the entries and trims the list to the most recent
// maxEntries in a single transaction
func (r *RedisHistory) Append(
	ctx context.Context,
	key ConversationKey,
	entries ...HistoryEntry,
) error {
	if len(entries) == 0 {
		return nil
	}
	values := make([]any, 0, len(entries))
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("error encoding history entry: %w", err)
		}
		values = append(values, data)
	}

	rkey := r.redisKey(key)
	_, err := r.client.TxPipelined(
		ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, rkey, values...)
			pipe.LTrim(ctx, rkey, int64(-r.maxEntries), -1)
			if r.ttl > 0 {
				pipe.Expire(ctx, rkey, r.ttl)
			}
			return nil
		},
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHistoryUnavailable, err)
	}
	return nil
}

func (r *RedisHistory) Get(
	ctx context.Context,
	key ConversationKey,
) ([]HistoryEntry, error) {
	items, err := r.client.LRange(ctx, r.redisKey(key), 0, -1).Result()
	if err != nil {
		return []HistoryEntry{}, fmt.Errorf("%w: %w", ErrHistoryUnavailable, err)
	}

	entries := make([]HistoryEntry, 0, len(items))
	for _, item := range items {
		var entry HistoryEntry
		if e := json.Unmarshal([]byte(item), &entry); e != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (r *RedisHistory) Reset(ctx context.Context, key ConversationKey) error {
	if err := r.client.Del(ctx, r.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrHistoryUnavailable, err)
	}
	return nil
}
