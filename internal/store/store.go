// Package store is the TimescaleDB-backed datastore: the sessions relation
// plus the two append-only, time-partitioned streams (predictions,
// raw_samples).
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/zanderlabs/ingest/internal/payload"
)

// Store wraps a pgx connection pool. All methods are safe for concurrent use.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New connects to the datastore and verifies the connection with a ping.
func New(ctx context.Context, databaseURL string, logger zerolog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{
		pool:   pool,
		logger: logger.With().Str("component", "store").Logger(),
	}, nil
}

var schemaStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS timescaledb CASCADE`,

	`CREATE TABLE IF NOT EXISTS sessions (
		session_id UUID PRIMARY KEY,
		user_id VARCHAR(100) NOT NULL,
		start_time TIMESTAMPTZ NOT NULL DEFAULT now(),
		end_time TIMESTAMPTZ,
		device_info JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions (user_id)`,

	`CREATE TABLE IF NOT EXISTS predictions (
		timestamp TIMESTAMPTZ NOT NULL,
		id BIGINT GENERATED BY DEFAULT AS IDENTITY,
		session_id UUID NOT NULL REFERENCES sessions (session_id),
		user_id VARCHAR(100) NOT NULL,
		prediction_type VARCHAR(50) NOT NULL,
		classifier_name VARCHAR(100) NOT NULL,
		data JSONB NOT NULL,
		confidence DOUBLE PRECISION,
		classifier_version VARCHAR(50),
		processing_time_ms DOUBLE PRECISION,
		PRIMARY KEY (timestamp, id)
	)`,

	`CREATE TABLE IF NOT EXISTS raw_samples (
		timestamp TIMESTAMPTZ NOT NULL,
		id BIGINT GENERATED BY DEFAULT AS IDENTITY,
		session_id UUID NOT NULL REFERENCES sessions (session_id),
		user_id VARCHAR(100) NOT NULL,
		data JSONB NOT NULL,
		PRIMARY KEY (timestamp, id)
	)`,

	`SELECT create_hypertable('predictions', by_range('timestamp'), if_not_exists => TRUE)`,
	`SELECT create_hypertable('raw_samples', by_range('timestamp'), if_not_exists => TRUE)`,

	`CREATE INDEX IF NOT EXISTS idx_predictions_session_time ON predictions (session_id, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_predictions_user_time ON predictions (user_id, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_raw_samples_session_time ON raw_samples (session_id, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_raw_samples_user_time ON raw_samples (user_id, timestamp DESC)`,
}

// Initialize creates the schema, hypertables and indexes. Every statement is
// idempotent; "already exists" conditions are not errors.
func (s *Store) Initialize(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema init: %w", err)
		}
	}
	s.logger.Info().Msg("Database schema initialized")
	return nil
}

// CreateSession inserts a session row with start_time set and end_time null.
func (s *Store) CreateSession(ctx context.Context, userID string, deviceInfo payload.Map) (uuid.UUID, error) {
	sessionID := uuid.New()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (session_id, user_id, start_time, device_info) VALUES ($1, $2, now(), $3)`,
		sessionID, userID, deviceInfo)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create session: %w", err)
	}
	return sessionID, nil
}

// EndSession sets end_time on a session row. The nullable-to-set transition
// happens at most once; a second call is a no-op.
func (s *Store) EndSession(ctx context.Context, sessionID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET end_time = now() WHERE session_id = $1 AND end_time IS NULL`,
		sessionID)
	if err != nil {
		return fmt.Errorf("end session %s: %w", sessionID, err)
	}
	return nil
}

// InsertPredictions writes a batch inside one transaction: all rows commit or
// none do, so a failed flush can be retried without partial writes.
func (s *Store) InsertPredictions(ctx context.Context, records []PredictionRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(
			`INSERT INTO predictions
				(timestamp, session_id, user_id, prediction_type, classifier_name, data,
				 confidence, classifier_version, processing_time_ms)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			r.Timestamp, r.SessionID, r.UserID, r.PredictionType, r.ClassifierName, r.Data,
			r.Confidence, r.ClassifierVersion, r.ProcessingTimeMS)
	}
	return s.sendBatch(ctx, batch)
}

// InsertRawSamples writes a batch of raw samples inside one transaction.
func (s *Store) InsertRawSamples(ctx context.Context, records []RawSampleRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(
			`INSERT INTO raw_samples (timestamp, session_id, user_id, data) VALUES ($1, $2, $3, $4)`,
			r.Timestamp, r.SessionID, r.UserID, r.Data)
	}
	return s.sendBatch(ctx, batch)
}

func (s *Store) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("batch insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Ping checks datastore reachability (readiness probe).
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
	s.logger.Info().Msg("Database connection pool closed")
}
