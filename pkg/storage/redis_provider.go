package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tcmartin/stepflow/pkg/models"
)

// RedisArtifactStore keeps artifacts as JSON strings with a sorted-set index
// per flow and one across all flows
type RedisArtifactStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisStoreConfig configures a RedisArtifactStore
type RedisStoreConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// NewRedisArtifactStore connects to redis
func NewRedisArtifactStore(cfg RedisStoreConfig) *RedisArtifactStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisArtifactStoreWithClient(client, cfg.KeyPrefix, cfg.TTL)
}

// NewRedisArtifactStoreWithClient wraps an existing client
func NewRedisArtifactStoreWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisArtifactStore {
	if prefix == "" {
		prefix = "stepflow:artifact:"
	}
	return &RedisArtifactStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisArtifactStore) key(sessionID string) string {
	return s.prefix + sessionID
}

func (s *RedisArtifactStore) index(flowID string) string {
	if flowID == "" {
		return s.prefix + "index"
	}
	return s.prefix + "index:" + flowID
}

// Initialize checks connectivity
func (s *RedisArtifactStore) Initialize(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	return nil
}

func (s *RedisArtifactStore) Close() error {
	return s.client.Close()
}

func (s *RedisArtifactStore) Save(ctx context.Context, a models.Artifact) error {
	if err := validateArtifact(a); err != nil {
		return err
	}
	data, err := encodeArtifact(a)
	if err != nil {
		return err
	}
	score := float64(a.CreatedAt.UnixNano())
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(a.SessionID), data, s.ttl)
		pipe.ZAdd(ctx, s.index(""), &redis.Z{Score: score, Member: a.SessionID})
		pipe.ZAdd(ctx, s.index(a.FlowID), &redis.Z{Score: score, Member: a.SessionID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save artifact for session %s: %w", a.SessionID, err)
	}
	return nil
}

func (s *RedisArtifactStore) Get(ctx context.Context, sessionID string) (models.Artifact, error) {
	data, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Artifact{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, sessionID)
	}
	if err != nil {
		return models.Artifact{}, fmt.Errorf("failed to get artifact for session %s: %w", sessionID, err)
	}
	return decodeArtifact(data)
}

// List reads the index newest first. Index entries whose artifact expired
// are dropped from the index as they are found.
func (s *RedisArtifactStore) List(ctx context.Context, flowID string, limit int) ([]models.Artifact, error) {
	index := s.index(flowID)
	ids, err := s.client.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact index: %w", err)
	}
	if len(ids) == 0 {
		return []models.Artifact{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read artifacts: %w", err)
	}

	out := make([]models.Artifact, 0, len(values))
	var stale []interface{}
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		a, err := decodeArtifact([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if len(stale) > 0 {
		s.client.ZRem(ctx, index, stale...)
	}
	return newestFirst(out, limit), nil
}
