package deadletter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisKey = "eventrelay:dead_letters"

// ListPusher is the subset of redis.Cmdable the Redis sink uses.
type ListPusher interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
}

// Redis pushes entries as JSON onto the head of a list, newest first. When
// maxLen is positive the list is trimmed to that many entries.
type Redis struct {
	client ListPusher
	key    string
	maxLen int64
}

func NewRedis(client ListPusher, key string, maxLen int64) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{client: client, key: key, maxLen: maxLen}
}

func (r *Redis) Record(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := r.client.LPush(ctx, r.key, data).Err(); err != nil {
		return fmt.Errorf("redis dead letter: %w", err)
	}
	if r.maxLen > 0 {
		if err := r.client.LTrim(ctx, r.key, 0, r.maxLen-1).Err(); err != nil {
			return fmt.Errorf("redis dead letter trim: %w", err)
		}
	}
	return nil
}
