package orchestration

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/itsneelabh/callrelay/core"
)

// RedisProgressSink publishes progress events with Redis PUBLISH on
// <prefix>progress:<batch_id>, one channel per batch.
type RedisProgressSink struct {
	client *redis.Client
	prefix string
}

// NewRedisProgressSink creates a sink; an empty prefix uses core.DefaultKeyPrefix.
func NewRedisProgressSink(client *redis.Client, prefix string) *RedisProgressSink {
	if prefix == "" {
		prefix = core.DefaultKeyPrefix
	}
	return &RedisProgressSink{client: client, prefix: prefix}
}

// Channel returns the pub/sub channel carrying events for batchID.
func (s *RedisProgressSink) Channel(batchID string) string {
	return fmt.Sprintf("%sprogress:%s", s.prefix, batchID)
}

func (s *RedisProgressSink) Publish(ctx context.Context, event ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal progress event: %w", err)
	}
	if err := s.client.Publish(ctx, s.Channel(event.BatchID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish progress event: %w", err)
	}
	return nil
}
