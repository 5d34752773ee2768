package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/tcmartin/stepflow/pkg/models"
)

// PostgresArtifactStore keeps artifacts in a PostgreSQL table
type PostgresArtifactStore struct {
	db *sql.DB
}

// OpenPostgresArtifactStore connects with a lib/pq connection string
func OpenPostgresArtifactStore(ctx context.Context, dsn string) (*PostgresArtifactStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	return NewPostgresArtifactStore(db), nil
}

// NewPostgresArtifactStore wraps an open database
func NewPostgresArtifactStore(db *sql.DB) *PostgresArtifactStore {
	return &PostgresArtifactStore{db: db}
}

// Initialize creates the artifacts table if it doesn't exist
func (s *PostgresArtifactStore) Initialize(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS artifacts (
			session_id TEXT PRIMARY KEY,
			flow_id TEXT NOT NULL,
			output JSONB,
			target_language TEXT,
			source_language TEXT,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS artifacts_flow_id_idx ON artifacts (flow_id, created_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("failed to create artifacts table: %w", err)
	}
	return nil
}

func (s *PostgresArtifactStore) Close() error {
	return s.db.Close()
}

func (s *PostgresArtifactStore) Save(ctx context.Context, a models.Artifact) error {
	if err := validateArtifact(a); err != nil {
		return err
	}
	output, err := json.Marshal(a.Output)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	metadata, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artifacts (session_id, flow_id, output, target_language, source_language, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO UPDATE SET
			flow_id = EXCLUDED.flow_id,
			output = EXCLUDED.output,
			target_language = EXCLUDED.target_language,
			source_language = EXCLUDED.source_language,
			metadata = EXCLUDED.metadata,
			created_at = EXCLUDED.created_at
	`, a.SessionID, a.FlowID, output, a.TargetLanguage, a.SourceLanguage, metadata, a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save artifact for session %s: %w", a.SessionID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanArtifact(row rowScanner) (models.Artifact, error) {
	var (
		a              models.Artifact
		output, meta   []byte
		target, source sql.NullString
	)
	if err := row.Scan(&a.SessionID, &a.FlowID, &output, &target, &source, &meta, &a.CreatedAt); err != nil {
		return models.Artifact{}, err
	}
	a.TargetLanguage = target.String
	a.SourceLanguage = source.String
	if len(output) > 0 {
		if err := json.Unmarshal(output, &a.Output); err != nil {
			return models.Artifact{}, fmt.Errorf("failed to decode output: %w", err)
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return models.Artifact{}, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return a, nil
}

const artifactColumns = `session_id, flow_id, output, target_language, source_language, metadata, created_at`

func (s *PostgresArtifactStore) Get(ctx context.Context, sessionID string) (models.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE session_id = $1`, sessionID)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Artifact{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, sessionID)
	}
	if err != nil {
		return models.Artifact{}, fmt.Errorf("failed to get artifact for session %s: %w", sessionID, err)
	}
	return a, nil
}

func (s *PostgresArtifactStore) List(ctx context.Context, flowID string, limit int) ([]models.Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE ($1 = '' OR flow_id = $1) ORDER BY created_at DESC`
	args := []interface{}{flowID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	out := []models.Artifact{}
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
