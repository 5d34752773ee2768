// Package storage provides the stores receiving the final outputs of
// completed flows.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/tcmartin/stepflow/pkg/models"
)

// ErrArtifactNotFound is returned when no artifact exists for a session
var ErrArtifactNotFound = errors.New("artifact not found")

// ArtifactStore persists completed flow outputs keyed by session id
type ArtifactStore interface {
	// Initialize prepares the backend (tables, connectivity)
	Initialize(ctx context.Context) error

	// Save stores an artifact, replacing one saved for the same session
	Save(ctx context.Context, artifact models.Artifact) error

	// Get returns the artifact of a session
	Get(ctx context.Context, sessionID string) (models.Artifact, error)

	// List returns artifacts newest first, optionally for a single flow.
	// A limit of zero or less returns everything.
	List(ctx context.Context, flowID string, limit int) ([]models.Artifact, error)

	// Close releases backend resources
	Close() error
}

func encodeArtifact(a models.Artifact) ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to encode artifact for session %s: %w", a.SessionID, err)
	}
	return data, nil
}

func decodeArtifact(data []byte) (models.Artifact, error) {
	var a models.Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return models.Artifact{}, fmt.Errorf("failed to decode artifact: %w", err)
	}
	return a, nil
}

func validateArtifact(a models.Artifact) error {
	if a.SessionID == "" {
		return fmt.Errorf("artifact requires a session id")
	}
	if a.FlowID == "" {
		return fmt.Errorf("artifact for session %s requires a flow id", a.SessionID)
	}
	return nil
}

// newestFirst sorts artifacts by creation time, newest first, and applies limit
func newestFirst(list []models.Artifact, limit int) []models.Artifact {
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}
