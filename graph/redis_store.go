package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps checkpoints in Redis, suitable for sharing workflow
// progress across processes.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisConfig holds Redis connection settings for the checkpoint store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Prefix namespaces checkpoint keys (default "agentgrid:checkpoint:").
	Prefix string

	// TTL expires checkpoints (0 = never).
	TTL time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("graph: redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("graph: redis ping failed: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisStoreFromClient wraps an existing client; used in tests with
// miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "agentgrid:checkpoint:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(workflowID string) string {
	return s.prefix + workflowID
}

// Save persists the checkpoint under its workflow key.
func (s *RedisStore) Save(cp *Checkpoint) error {
	if err := validateWorkflowID(cp.WorkflowID); err != nil {
		return err
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	ctx := context.Background()
	if err := s.client.Set(ctx, s.key(cp.WorkflowID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load reads a checkpoint; a missing key yields (nil, nil).
func (s *RedisStore) Load(workflowID string) (*Checkpoint, error) {
	data, err := s.client.Get(context.Background(), s.key(workflowID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// List scans the checkpoint namespace and returns the workflow ids.
func (s *RedisStore) List() ([]string, error) {
	ctx := context.Background()

	var ids []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes a workflow's checkpoint.
func (s *RedisStore) Delete(workflowID string) error {
	if err := s.client.Del(context.Background(), s.key(workflowID)).Err(); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// Close releases the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
