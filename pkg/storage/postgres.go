package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/heliosml/helios/pkg/models"
)

//go:embed migrations/*.sql
var postgresFS embed.FS

// PostgresStore implements ArtifactStore on PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool and runs migrations
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) migrate() error {
	schema, err := postgresFS.ReadFile("migrations/001_artifacts.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// Put upserts an artifact; the newest write for a (key, version) wins
func (s *PostgresStore) Put(ctx context.Context, tm models.TrainedModel) error {
	evaluation, err := json.Marshal(tm.Meta.Evaluation)
	if err != nil {
		return fmt.Errorf("failed to marshal evaluation metrics: %w", err)
	}

	query := `
		INSERT INTO model_artifacts (
			workload, model_kind, target_metric, version,
			trained_at, training_window_seconds, evaluation, artifact
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (workload, model_kind, target_metric, version)
		DO UPDATE SET
			trained_at = EXCLUDED.trained_at,
			training_window_seconds = EXCLUDED.training_window_seconds,
			evaluation = EXCLUDED.evaluation,
			artifact = EXCLUDED.artifact
	`
	_, err = s.db.ExecContext(ctx, query,
		tm.Meta.Workload, string(tm.Meta.Kind), tm.Meta.TargetMetric, tm.Meta.Version,
		tm.Meta.TrainedAt, int64(tm.Meta.TrainingWindow.Seconds()), evaluation, tm.Artifact,
	)
	return err
}

// Get fetches a specific version
func (s *PostgresStore) Get(ctx context.Context, key models.ModelKey, version string) (models.TrainedModel, error) {
	query := `
		SELECT workload, model_kind, target_metric, version,
			trained_at, training_window_seconds, evaluation, artifact
		FROM model_artifacts
		WHERE workload = $1 AND model_kind = $2 AND target_metric = $3 AND version = $4
	`
	row := s.db.QueryRowContext(ctx, query, key.Workload, string(key.Kind), key.TargetMetric, version)
	return scanArtifact(row)
}

// Latest fetches the most recently trained version for a key
func (s *PostgresStore) Latest(ctx context.Context, key models.ModelKey) (models.TrainedModel, error) {
	query := `
		SELECT workload, model_kind, target_metric, version,
			trained_at, training_window_seconds, evaluation, artifact
		FROM model_artifacts
		WHERE workload = $1 AND model_kind = $2 AND target_metric = $3
		ORDER BY trained_at DESC
		LIMIT 1
	`
	row := s.db.QueryRowContext(ctx, query, key.Workload, string(key.Kind), key.TargetMetric)
	return scanArtifact(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (models.TrainedModel, error) {
	var tm models.TrainedModel
	var kind string
	var windowSeconds int64
	var evaluation []byte

	err := row.Scan(&tm.Meta.Workload, &kind, &tm.Meta.TargetMetric, &tm.Meta.Version,
		&tm.Meta.TrainedAt, &windowSeconds, &evaluation, &tm.Artifact)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TrainedModel{}, ErrNotFound
	}
	if err != nil {
		return models.TrainedModel{}, fmt.Errorf("failed to scan artifact row: %w", err)
	}

	tm.Meta.Kind = models.ModelKind(kind)
	tm.Meta.TrainingWindow = time.Duration(windowSeconds) * time.Second
	if len(evaluation) > 0 {
		if err := json.Unmarshal(evaluation, &tm.Meta.Evaluation); err != nil {
			return models.TrainedModel{}, fmt.Errorf("failed to unmarshal evaluation metrics: %w", err)
		}
	}
	return tm, nil
}

// ListVersions returns stored metadata, newest first
func (s *PostgresStore) ListVersions(ctx context.Context, key models.ModelKey, limit int) ([]models.ModelMetadata, error) {
	query := `
		SELECT workload, model_kind, target_metric, version,
			trained_at, training_window_seconds, evaluation
		FROM model_artifacts
		WHERE workload = $1 AND model_kind = $2 AND target_metric = $3
		ORDER BY trained_at DESC
		LIMIT $4
	`
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, query, key.Workload, string(key.Kind), key.TargetMetric, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var metas []models.ModelMetadata
	for rows.Next() {
		var meta models.ModelMetadata
		var kind string
		var windowSeconds int64
		var evaluation []byte
		if err := rows.Scan(&meta.Workload, &kind, &meta.TargetMetric, &meta.Version,
			&meta.TrainedAt, &windowSeconds, &evaluation); err != nil {
			return nil, fmt.Errorf("failed to scan version row: %w", err)
		}
		meta.Kind = models.ModelKind(kind)
		meta.TrainingWindow = time.Duration(windowSeconds) * time.Second
		if len(evaluation) > 0 {
			if err := json.Unmarshal(evaluation, &meta.Evaluation); err != nil {
				return nil, fmt.Errorf("failed to unmarshal evaluation metrics: %w", err)
			}
		}
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

// Prune drops all but the newest keep versions for a key
func (s *PostgresStore) Prune(ctx context.Context, key models.ModelKey, keep int) error {
	query := `
		DELETE FROM model_artifacts
		WHERE workload = $1 AND model_kind = $2 AND target_metric = $3
		AND version NOT IN (
			SELECT version FROM model_artifacts
			WHERE workload = $1 AND model_kind = $2 AND target_metric = $3
			ORDER BY trained_at DESC
			LIMIT $4
		)
	`
	_, err := s.db.ExecContext(ctx, query, key.Workload, string(key.Kind), key.TargetMetric, keep)
	return err
}

// Ping checks database connectivity
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
