package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/andresmejia3/watchlist/internal/types"
)

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Store manages the PostgreSQL connection. It is not safe for concurrent use;
// the pipeline only writes from its single aggregator goroutine.
type Store struct {
	conn *pgx.Conn
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the tables and the vector extension if they don't exist.
// Probe embeddings use an unsized vector column since the model dimension is not fixed here.
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS video_metadata (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			indexed_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS runs (
			id UUID PRIMARY KEY,
			video_id TEXT NOT NULL REFERENCES video_metadata(id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			verification_threshold DOUBLE PRECISION NOT NULL,
			detection_threshold DOUBLE PRECISION NOT NULL,
			clip_percent DOUBLE PRECISION NOT NULL,
			engines INT NOT NULL,
			frames INT NOT NULL DEFAULT 0,
			detected_people INT NOT NULL DEFAULT 0,
			identified_people INT NOT NULL DEFAULT 0,
			avg_extraction_time DOUBLE PRECISION NOT NULL DEFAULT 0,
			avg_detection_time DOUBLE PRECISION NOT NULL DEFAULT 0,
			avg_identification_time DOUBLE PRECISION NOT NULL DEFAULT 0,
			avg_overall_time DOUBLE PRECISION NOT NULL DEFAULT 0,
			id_timestamps JSONB,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finished_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS frame_results (
			run_id UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			frame_number INT NOT NULL,
			ts DOUBLE PRECISION NOT NULL,
			extraction_time DOUBLE PRECISION NOT NULL,
			detection_time DOUBLE PRECISION NOT NULL,
			identification_time DOUBLE PRECISION NOT NULL,
			overall_time DOUBLE PRECISION NOT NULL,
			detected_people INT NOT NULL,
			identified_people INT NOT NULL,
			PRIMARY KEY (run_id, frame_number)
		);
		CREATE TABLE IF NOT EXISTS face_verifications (
			id BIGSERIAL PRIMARY KEY,
			run_id UUID NOT NULL,
			frame_number INT NOT NULL,
			verified BOOLEAN NOT NULL,
			identity TEXT,
			distance DOUBLE PRECISION NOT NULL,
			box_top INT NOT NULL,
			box_right INT NOT NULL,
			box_bottom INT NOT NULL,
			box_left INT NOT NULL,
			embedding VECTOR,
			FOREIGN KEY (run_id, frame_number) REFERENCES frame_results(run_id, frame_number) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS face_verifications_identity_idx ON face_verifications (run_id, identity);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// EnsureVideoMetadata registers the video in the database. If it exists, it updates the timestamp.
func (s *Store) EnsureVideoMetadata(ctx context.Context, videoID, path string) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO video_metadata (id, path, indexed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET indexed_at = NOW(), path = EXCLUDED.path
	`, videoID, path)
	return err
}

// RunParams are the settings recorded with a run.
type RunParams struct {
	VerificationThreshold float64
	DetectionThreshold    float64
	ClipPercent           float64
	Engines               int
}

// CreateRun opens a run in the running state and returns its ID.
func (s *Store) CreateRun(ctx context.Context, videoID string, p RunParams) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.conn.Exec(ctx, `
		INSERT INTO runs (id, video_id, status, verification_threshold, detection_threshold, clip_percent, engines)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id, videoID, StatusRunning, p.VerificationThreshold, p.DetectionThreshold, p.ClipPercent, p.Engines)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// InsertFrame saves one frame and its verification results atomically.
func (s *Store) InsertFrame(ctx context.Context, runID uuid.UUID, f types.FrameResult) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO frame_results (run_id, frame_number, ts, extraction_time, detection_time,
			identification_time, overall_time, detected_people, identified_people)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, runID, f.FrameNumber, f.Timestamp, f.ExtractionTime, f.DetectionTime,
		f.IdentificationTime, f.OverallTime, f.DetectedPeople, f.IdentifiedPeople)
	if err != nil {
		return err
	}

	for _, r := range f.Results {
		var identity *string
		if r.Verified {
			identity = &r.Identity
		}
		var vec any
		if len(r.Embedding) > 0 {
			vec = pgvector.NewVector(toFloat32(r.Embedding))
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO face_verifications (run_id, frame_number, verified, identity, distance,
				box_top, box_right, box_bottom, box_left, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, runID, f.FrameNumber, r.Verified, identity, r.Distance,
			r.Coordinates.Top, r.Coordinates.Right, r.Coordinates.Bottom, r.Coordinates.Left, vec)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// FrameSink returns a function that persists frames into runID.
func (s *Store) FrameSink(runID uuid.UUID) func(ctx context.Context, f types.FrameResult) error {
	return func(ctx context.Context, f types.FrameResult) error {
		return s.InsertFrame(ctx, runID, f)
	}
}

// FinishRun stores the summary and final status of a run.
func (s *Store) FinishRun(ctx context.Context, runID uuid.UUID, sum types.RunSummary, status string) error {
	ts, err := json.Marshal(sum.IDTimestamps)
	if err != nil {
		return err
	}
	tag, err := s.conn.Exec(ctx, `
		UPDATE runs SET status = $2, frames = $3, detected_people = $4, identified_people = $5,
			avg_extraction_time = $6, avg_detection_time = $7, avg_identification_time = $8,
			avg_overall_time = $9, id_timestamps = $10, finished_at = NOW()
		WHERE id = $1
	`, runID, status, sum.Frames, sum.DetectedPeople, sum.IdentifiedPeople,
		sum.ExtractionTime, sum.DetectionTime, sum.IdentificationTime, sum.OverallTime, ts)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// Run is a stored run as shown by the list command.
type Run struct {
	ID               uuid.UUID
	VideoID          string
	Path             string
	Status           string
	Threshold        float64
	Frames           int
	DetectedPeople   int
	IdentifiedPeople int
	AvgOverallTime   float64
	StartedAt        time.Time
	FinishedAt       *time.Time
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT r.id, r.video_id, v.path, r.status, r.verification_threshold, r.frames,
			r.detected_people, r.identified_people, r.avg_overall_time, r.started_at, r.finished_at
		FROM runs r
		JOIN video_metadata v ON v.id = r.video_id
		ORDER BY r.started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.VideoID, &r.Path, &r.Status, &r.Threshold, &r.Frames,
			&r.DetectedPeople, &r.IdentifiedPeople, &r.AvgOverallTime, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Appearances rebuilds the identity -> timestamps mapping of a run from its frames.
func (s *Store) Appearances(ctx context.Context, runID uuid.UUID) (map[string][]float64, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT fv.identity, fr.ts
		FROM face_verifications fv
		JOIN frame_results fr ON fr.run_id = fv.run_id AND fr.frame_number = fv.frame_number
		WHERE fv.run_id = $1 AND fv.verified
		ORDER BY fr.frame_number, fv.id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]float64)
	for rows.Next() {
		var name string
		var ts float64
		if err := rows.Scan(&name, &ts); err != nil {
			return nil, err
		}
		out[name] = append(out[name], ts)
	}
	return out, rows.Err()
}

// ProbeEmbeddings returns the stored probe vectors of a run's verified faces for one identity.
func (s *Store) ProbeEmbeddings(ctx context.Context, runID uuid.UUID, identity string) ([][]float32, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT embedding FROM face_verifications
		WHERE run_id = $1 AND identity = $2 AND embedding IS NOT NULL
		ORDER BY frame_number, id
	`, runID, identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]float32
	for rows.Next() {
		var v pgvector.Vector
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v.Slice())
	}
	return out, rows.Err()
}

// ErrNoRuns is returned by LatestRun on an empty database.
var ErrNoRuns = errors.New("no runs recorded")

// LatestRun returns the ID of the most recently started run.
func (s *Store) LatestRun(ctx context.Context) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.conn.QueryRow(ctx, "SELECT id FROM runs ORDER BY started_at DESC LIMIT 1").Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNoRuns
	}
	return id, err
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS face_verifications CASCADE;
		DROP TABLE IF EXISTS frame_results CASCADE;
		DROP TABLE IF EXISTS runs CASCADE;
		DROP TABLE IF EXISTS video_metadata CASCADE;
	`)
	return err
}

func toFloat32(v types.Embedding) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
