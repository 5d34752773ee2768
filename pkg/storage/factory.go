package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/tcmartin/stepflow/pkg/config"
)

// StoreType represents the type of artifact store
type StoreType string

const (
	MemoryStoreType   StoreType = "memory"
	RedisStoreType    StoreType = "redis"
	PostgresStoreType StoreType = "postgres"
	DynamoDBStoreType StoreType = "dynamodb"
)

// NewArtifactStore creates and initializes the store selected by cfg
func NewArtifactStore(ctx context.Context, cfg config.ArtifactsConfig) (ArtifactStore, error) {
	var (
		store ArtifactStore
		err   error
	)

	switch StoreType(cfg.Type) {
	case "", MemoryStoreType:
		store = NewMemoryArtifactStore()

	case RedisStoreType:
		if cfg.Redis.Addr == "" {
			return nil, fmt.Errorf("redis address is required for the redis artifact store")
		}
		store = NewRedisArtifactStore(RedisStoreConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       time.Duration(cfg.Redis.TTL),
		})

	case PostgresStoreType:
		store, err = OpenPostgresArtifactStore(ctx, cfg.Postgres.ConnectionString())
		if err != nil {
			return nil, err
		}

	case DynamoDBStoreType:
		store, err = NewDynamoDBArtifactStore(DynamoDBStoreConfig{
			Region:      cfg.DynamoDB.Region,
			Endpoint:    cfg.DynamoDB.Endpoint,
			TablePrefix: cfg.DynamoDB.TablePrefix,
		})
		if err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unknown artifact store type: %s", cfg.Type)
	}

	if err := store.Initialize(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize %s artifact store: %w", storeName(cfg.Type), err)
	}
	return store, nil
}

func storeName(t string) string {
	if t == "" {
		return string(MemoryStoreType)
	}
	return t
}
