package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// exerciseRegistry runs the same scenario against any backend.
func exerciseRegistry(t *testing.T, ctx context.Context, s Registry) {
	t.Helper()

	first, err := s.StartRun(ctx, "extract")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if len(first) != 36 {
		t.Errorf("Expected a uuid run id, got %q", first)
	}

	rec := VideoRecord{RunID: first, VideoID: "vid_123", Path: "data/raw/left_01.mp4", Label: "left", Rows: 42}
	if err := s.RecordVideo(ctx, rec); err != nil {
		t.Fatalf("RecordVideo failed: %v", err)
	}
	if err := s.FinishRun(ctx, first, StatusSucceeded, "1 video, 42 rows"); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	// Extracting the same video again is visible through VideoExtractions
	second, err := s.StartRun(ctx, "extract")
	if err != nil {
		t.Fatal(err)
	}
	rec.RunID = second
	if err := s.RecordVideo(ctx, rec); err != nil {
		t.Fatal(err)
	}
	n, err := s.VideoExtractions(ctx, "vid_123")
	if err != nil {
		t.Fatalf("VideoExtractions failed: %v", err)
	}
	if n != 2 {
		t.Errorf("VideoExtractions = %d, want 2", n)
	}
	if n, _ := s.VideoExtractions(ctx, "unknown"); n != 0 {
		t.Errorf("VideoExtractions(unknown) = %d, want 0", n)
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != second || runs[0].Status != StatusRunning || runs[0].FinishedAt != nil {
		t.Errorf("newest run = %+v, want open run %s", runs[0], second)
	}
	if runs[1].ID != first || runs[1].Status != StatusSucceeded || runs[1].Detail != "1 video, 42 rows" {
		t.Errorf("oldest run = %+v", runs[1])
	}
	if runs[1].FinishedAt == nil || runs[1].Duration() < 0 {
		t.Errorf("finished run has no sane finish time: %+v", runs[1])
	}
	if runs[1].StartedAt.IsZero() {
		t.Error("StartedAt not populated")
	}

	if err := s.FinishRun(ctx, "no-such-run", StatusFailed, ""); err == nil {
		t.Error("Expected error finishing an unknown run")
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	runs, err = s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Errorf("Expected no runs after Reset, got %d", len(runs))
	}
	if n, _ := s.VideoExtractions(ctx, "vid_123"); n != 0 {
		t.Errorf("VideoExtractions after Reset = %d, want 0", n)
	}
}

func TestSQLiteRegistry(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "data", "runs.db"), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close(ctx)

	if _, ok := s.(*SQLite); !ok {
		t.Fatalf("Open returned %T, want *SQLite", s)
	}
	exerciseRegistry(t, ctx, s)
}

func TestSQLite_MigrationsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.db")

	s1, err := NewSQLite(ctx, path, nil)
	if err != nil {
		t.Fatalf("first NewSQLite failed: %v", err)
	}
	s1.Close(ctx)

	s2, err := NewSQLite(ctx, path, nil)
	if err != nil {
		t.Fatalf("second NewSQLite failed: %v", err)
	}
	defer s2.Close(ctx)

	var count int
	if err := s2.conn.QueryRow("SELECT COUNT(*) FROM _migrations").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("migration count = %d, want 1", count)
	}
}

func TestSQLite_MarksInterruptedRuns(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.db")

	s1, err := NewSQLite(ctx, path, nil)
	if err != nil {
		t.Fatal(err)
	}
	id, err := s1.StartRun(ctx, "train")
	if err != nil {
		t.Fatal(err)
	}
	s1.Close(ctx)

	s2, err := NewSQLite(ctx, path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close(ctx)

	runs, err := s2.ListRuns(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != id {
		t.Fatalf("runs = %+v", runs)
	}
	if runs[0].Status != StatusFailed || runs[0].Detail != "interrupted" {
		t.Errorf("open run should be marked interrupted, got %+v", runs[0])
	}
}

func TestIsPostgres(t *testing.T) {
	tests := map[string]bool{
		"postgres://u:p@localhost:5432/db":   true,
		"postgresql://u:p@localhost:5432/db": true,
		"data/runs.db":                       false,
		"/tmp/postgres.db":                   false,
	}
	for url, want := range tests {
		if got := IsPostgres(url); got != want {
			t.Errorf("IsPostgres(%q) = %v, want %v", url, got, want)
		}
	}
}

// TestPostgresIntegration runs the registry scenario against a real Postgres container.
// It requires Docker to be running.
func TestPostgresIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("posepipe_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	s, err := Open(ctx, connStr, nil)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close(ctx)

	if _, ok := s.(*Postgres); !ok {
		t.Fatalf("Open returned %T, want *Postgres", s)
	}
	exerciseRegistry(t, ctx, s)
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
