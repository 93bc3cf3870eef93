package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Postgres is the server-backed registry.
type Postgres struct {
	conn *pgx.Conn
}

// NewPostgres establishes a connection to the database and ensures the schema is initialized.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Postgres{conn: conn}, nil
}

// initSchema creates the tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			stage TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finished_at TIMESTAMPTZ,
			detail TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS video_extractions (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			video_id TEXT NOT NULL,
			path TEXT NOT NULL,
			label TEXT NOT NULL,
			row_count INT NOT NULL,
			extracted_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS video_extractions_video_id_idx ON video_extractions (video_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Postgres) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

func (s *Postgres) StartRun(ctx context.Context, stage string) (string, error) {
	id := uuid.NewString()
	_, err := s.conn.Exec(ctx,
		"INSERT INTO runs (id, stage, status, started_at) VALUES ($1, $2, $3, $4)",
		id, stage, StatusRunning, time.Now().UTC())
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Postgres) FinishRun(ctx context.Context, id, status, detail string) error {
	tag, err := s.conn.Exec(ctx,
		"UPDATE runs SET status = $1, detail = $2, finished_at = $3 WHERE id = $4",
		status, detail, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

func (s *Postgres) RecordVideo(ctx context.Context, rec VideoRecord) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO video_extractions (run_id, video_id, path, label, row_count)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.RunID, rec.VideoID, rec.Path, rec.Label, rec.Rows)
	return err
}

func (s *Postgres) VideoExtractions(ctx context.Context, videoID string) (int, error) {
	var n int
	err := s.conn.QueryRow(ctx, "SELECT COUNT(*) FROM video_extractions WHERE video_id = $1", videoID).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (s *Postgres) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.Query(ctx,
		"SELECT id, stage, status, started_at, finished_at, detail FROM runs ORDER BY started_at DESC LIMIT $1", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Stage, &r.Status, &r.StartedAt, &r.FinishedAt, &r.Detail); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Reset clears every application table.
func (s *Postgres) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, "TRUNCATE video_extractions, runs")
	return err
}
