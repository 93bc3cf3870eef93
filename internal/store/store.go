// Package store records pipeline runs and which videos were extracted into
// the dataset. Postgres is used when the registry URL is a postgres:// URL;
// anything else is treated as a local SQLite file.
package store

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Run statuses
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Run is one invocation of a pipeline stage.
type Run struct {
	ID         string
	Stage      string
	Status     string
	StartedAt  time.Time
	FinishedAt *time.Time
	Detail     string
}

// Duration returns how long the run took, or 0 while it is still running.
func (r Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// VideoRecord is one video extracted during a run.
type VideoRecord struct {
	RunID   string
	VideoID string
	Path    string
	Label   string
	Rows    int
}

// Registry is the run registry.
type Registry interface {
	// StartRun opens a run for stage and returns its id.
	StartRun(ctx context.Context, stage string) (string, error)
	// FinishRun closes a run with a final status and free-form detail.
	FinishRun(ctx context.Context, id, status, detail string) error
	RecordVideo(ctx context.Context, rec VideoRecord) error
	// VideoExtractions counts how many times a video has been extracted before.
	VideoExtractions(ctx context.Context, videoID string) (int, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	// Reset removes every run and video record.
	Reset(ctx context.Context) error
	Close(ctx context.Context) error
}

// IsPostgres reports whether url points at a Postgres server.
func IsPostgres(url string) bool {
	return strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://")
}

// Open connects to the registry at url, creating the schema if needed.
func Open(ctx context.Context, url string, logger *slog.Logger) (Registry, error) {
	if IsPostgres(url) {
		pg, err := NewPostgres(ctx, url)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	lite, err := NewSQLite(ctx, url, logger)
	if err != nil {
		return nil, err
	}
	return lite, nil
}
