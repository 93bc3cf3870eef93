package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed-width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLite is the local file-backed registry.
type SQLite struct {
	conn   *sql.DB
	logger *slog.Logger
}

// NewSQLite opens (creating if needed) the registry file at dbPath.
func NewSQLite(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	s := &SQLite{conn: conn, logger: logger}
	if err := s.migrate(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := s.markInterruptedRuns(ctx); err != nil && logger != nil {
		logger.Warn("failed to mark interrupted runs", "error", err)
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	migrations, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	for _, m := range migrations {
		if m.IsDir() {
			continue
		}
		name := m.Name()
		if s.isMigrationApplied(ctx, name) {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := s.conn.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", name, err)
		}
		if _, err := s.conn.ExecContext(ctx, "INSERT INTO _migrations (name) VALUES (?)", name); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", name, err)
		}
		if s.logger != nil {
			s.logger.Debug("applied migration", "name", name)
		}
	}
	return nil
}

func (s *SQLite) isMigrationApplied(ctx context.Context, name string) bool {
	var exists int
	err := s.conn.QueryRowContext(ctx, "SELECT 1 FROM sqlite_master WHERE type='table' AND name='_migrations'").Scan(&exists)
	if err != nil {
		return false
	}
	var applied int
	err = s.conn.QueryRowContext(ctx, "SELECT 1 FROM _migrations WHERE name = ?", name).Scan(&applied)
	return err == nil && applied == 1
}

// markInterruptedRuns fails runs left open by a process that never finished them.
func (s *SQLite) markInterruptedRuns(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx,
		"UPDATE runs SET status = ?, detail = 'interrupted', finished_at = ? WHERE status = ?",
		StatusFailed, formatTime(time.Now()), StatusRunning)
	return err
}

func (s *SQLite) Close(context.Context) error {
	return s.conn.Close()
}

func (s *SQLite) StartRun(ctx context.Context, stage string) (string, error) {
	id := uuid.NewString()
	_, err := s.conn.ExecContext(ctx,
		"INSERT INTO runs (id, stage, status, started_at) VALUES (?, ?, ?, ?)",
		id, stage, StatusRunning, formatTime(time.Now()))
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *SQLite) FinishRun(ctx context.Context, id, status, detail string) error {
	res, err := s.conn.ExecContext(ctx,
		"UPDATE runs SET status = ?, detail = ?, finished_at = ? WHERE id = ?",
		status, detail, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

func (s *SQLite) RecordVideo(ctx context.Context, rec VideoRecord) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO video_extractions (run_id, video_id, path, label, row_count)
		VALUES (?, ?, ?, ?, ?)
	`, rec.RunID, rec.VideoID, rec.Path, rec.Label, rec.Rows)
	return err
}

func (s *SQLite) VideoExtractions(ctx context.Context, videoID string) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM video_extractions WHERE video_id = ?", videoID).Scan(&n)
	return n, err
}

func (s *SQLite) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.QueryContext(ctx,
		"SELECT id, stage, status, started_at, finished_at, detail FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started string
		var finished sql.NullString
		if err := rows.Scan(&r.ID, &r.Stage, &r.Status, &started, &finished, &r.Detail); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(timeLayout, started)
		if finished.Valid {
			t, _ := time.Parse(timeLayout, finished.String)
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *SQLite) Reset(ctx context.Context) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{"DELETE FROM video_extractions", "DELETE FROM runs"} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
