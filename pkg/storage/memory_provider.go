package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/tcmartin/stepflow/pkg/models"
)

// MemoryArtifactStore keeps artifacts in process memory
type MemoryArtifactStore struct {
	mu        sync.RWMutex
	artifacts map[string][]byte
}

// NewMemoryArtifactStore creates an empty in-memory store
func NewMemoryArtifactStore() *MemoryArtifactStore {
	return &MemoryArtifactStore{artifacts: make(map[string][]byte)}
}

func (s *MemoryArtifactStore) Initialize(context.Context) error { return nil }

func (s *MemoryArtifactStore) Close() error { return nil }

// Save stores an encoded copy so later mutation of the caller's maps is not observed
func (s *MemoryArtifactStore) Save(_ context.Context, a models.Artifact) error {
	if err := validateArtifact(a); err != nil {
		return err
	}
	data, err := encodeArtifact(a)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[a.SessionID] = data
	return nil
}

func (s *MemoryArtifactStore) Get(_ context.Context, sessionID string) (models.Artifact, error) {
	s.mu.RLock()
	data, ok := s.artifacts[sessionID]
	s.mu.RUnlock()
	if !ok {
		return models.Artifact{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, sessionID)
	}
	return decodeArtifact(data)
}

func (s *MemoryArtifactStore) List(_ context.Context, flowID string, limit int) ([]models.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Artifact, 0, len(s.artifacts))
	for _, data := range s.artifacts {
		a, err := decodeArtifact(data)
		if err != nil {
			return nil, err
		}
		if flowID != "" && a.FlowID != flowID {
			continue
		}
		out = append(out, a)
	}
	return newestFirst(out, limit), nil
}
