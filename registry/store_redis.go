package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/itsneelabh/callrelay/core"
)

// RedisStore keeps definitions as JSON in the hash <prefix>callables
// (field = callable id) and each agent's links in the set
// <prefix>agent:<agent_id>:callables.
type RedisStore struct {
	client *redis.Client
	prefix string
	owned  bool
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL, prefix string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", core.ErrInvalidConfiguration)
	}
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 100 * time.Millisecond
	opt.MaxRetryBackoff = time.Second
	opt.DialTimeout = 5 * time.Second

	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s := NewRedisStoreWithClient(client, prefix)
	s.owned = true
	return s, nil
}

// NewRedisStoreWithClient uses an existing client, which Close leaves open.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = core.DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) callablesKey() string {
	return s.prefix + "callables"
}

func (s *RedisStore) agentKey(agentID string) string {
	return fmt.Sprintf("%sagent:%s:callables", s.prefix, agentID)
}

func (s *RedisStore) UpsertCallables(ctx context.Context, defs []core.CallableDefinition) error {
	if len(defs) == 0 {
		return nil
	}
	values := make(map[string]interface{}, len(defs))
	for _, def := range defs {
		data, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("failed to marshal callable %s: %w", def.ID, err)
		}
		values[def.ID] = data
	}
	if err := s.client.HSet(ctx, s.callablesKey(), values).Err(); err != nil {
		return fmt.Errorf("failed to upsert callables: %w", err)
	}
	return nil
}

func (s *RedisStore) ListCallables(ctx context.Context) ([]core.CallableDefinition, error) {
	raw, err := s.client.HGetAll(ctx, s.callablesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list callables: %w", err)
	}
	out := make([]core.CallableDefinition, 0, len(raw))
	for id, data := range raw {
		var def core.CallableDefinition
		if err := json.Unmarshal([]byte(data), &def); err != nil {
			return nil, fmt.Errorf("corrupt callable %s: %w", id, err)
		}
		out = append(out, def)
	}
	sortByName(out)
	return out, nil
}

func (s *RedisStore) GetCallable(ctx context.Context, id string) (*core.CallableDefinition, error) {
	data, err := s.client.HGet(ctx, s.callablesKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrCallableNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get callable %s: %w", id, err)
	}
	var def core.CallableDefinition
	if err := json.Unmarshal([]byte(data), &def); err != nil {
		return nil, fmt.Errorf("corrupt callable %s: %w", id, err)
	}
	return &def, nil
}

func (s *RedisStore) InsertLink(ctx context.Context, link core.AgentCallableLink) error {
	added, err := s.client.SAdd(ctx, s.agentKey(link.AgentID), link.CallableID).Result()
	if err != nil {
		return fmt.Errorf("failed to link callable: %w", err)
	}
	if added == 0 {
		return core.ErrDuplicateLink
	}
	return nil
}

func (s *RedisStore) DeleteLink(ctx context.Context, agentID, callableID string) error {
	if err := s.client.SRem(ctx, s.agentKey(agentID), callableID).Err(); err != nil {
		return fmt.Errorf("failed to unlink callable: %w", err)
	}
	return nil
}

func (s *RedisStore) ListCallablesForAgent(ctx context.Context, agentID string) ([]core.CallableDefinition, error) {
	ids, err := s.client.SMembers(ctx, s.agentKey(agentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list agent links: %w", err)
	}
	if len(ids) == 0 {
		return []core.CallableDefinition{}, nil
	}

	values, err := s.client.HMGet(ctx, s.callablesKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load linked callables: %w", err)
	}
	out := make([]core.CallableDefinition, 0, len(values))
	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			// linked callable no longer in the catalog
			continue
		}
		var def core.CallableDefinition
		if err := json.Unmarshal([]byte(data), &def); err != nil {
			return nil, fmt.Errorf("corrupt callable %s: %w", ids[i], err)
		}
		out = append(out, def)
	}
	sortByName(out)
	return out, nil
}

// Close closes the client when the store created it.
func (s *RedisStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
