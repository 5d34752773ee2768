package storage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/stepflow/pkg/config"
)

func TestNewArtifactStore(t *testing.T) {
	ctx := context.Background()

	store, err := NewArtifactStore(ctx, config.ArtifactsConfig{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryArtifactStore{}, store)

	store, err = NewArtifactStore(ctx, config.ArtifactsConfig{Type: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryArtifactStore{}, store)

	_, err = NewArtifactStore(ctx, config.ArtifactsConfig{Type: "redis"})
	assert.Error(t, err)

	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()
	store, err = NewArtifactStore(ctx, config.ArtifactsConfig{
		Type:  "redis",
		Redis: config.RedisConfig{Addr: s.Addr()},
	})
	require.NoError(t, err)
	assert.IsType(t, &RedisArtifactStore{}, store)
	store.Close()

	_, err = NewArtifactStore(ctx, config.ArtifactsConfig{Type: "cassandra"})
	assert.Error(t, err)
}
