package keypoints

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/andresmejia3/posepipe/internal/metrics"
	"github.com/andresmejia3/posepipe/internal/pose"
	"github.com/andresmejia3/posepipe/internal/video"
)

// MissPolicy decides what happens to frames where no pose was detected.
type MissPolicy int

const (
	// ZeroFill emits a zero row so every decoded frame yields exactly one row.
	ZeroFill MissPolicy = iota
	// Skip drops the frame.
	Skip
)

func (p MissPolicy) String() string {
	switch p {
	case ZeroFill:
		return "zero-fill"
	case Skip:
		return "skip"
	default:
		return "unknown"
	}
}

// ParseMissPolicy accepts "zero-fill" or "skip".
func ParseMissPolicy(s string) (MissPolicy, error) {
	switch s {
	case "zero-fill", "zero", "":
		return ZeroFill, nil
	case "skip":
		return Skip, nil
	}
	return ZeroFill, fmt.Errorf("unknown miss policy %q (want zero-fill or skip)", s)
}

// Stats summarizes one video's extraction.
type Stats struct {
	Frames   int
	Detected int
	Missed   int
	Rows     int
	// DecodeErr is set when the decoder failed. It is informational only.
	DecodeErr error
}

// Extractor runs every frame of a video through an Estimator.
type Extractor struct {
	Decoder video.Decoder
	Policy  MissPolicy
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// OnFrame, when set, is called after each decoded frame (progress bars).
	OnFrame func()
}

// Extract decodes path and returns one row per frame (subject to Policy).
// The estimator belongs to the caller and is not closed here.
//
// A video that cannot be opened or decoded yields zero rows and a nil error;
// the decoder failure is reported in Stats.DecodeErr. Errors from the
// estimator or the context abort extraction.
func (e *Extractor) Extract(ctx context.Context, est pose.Estimator, path, label string) ([]Row, Stats, error) {
	var stats Stats

	reader, err := e.Decoder.Open(ctx, path)
	if err != nil {
		return nil, stats, err
	}
	// Release the decoder even when the estimator fails mid-video
	closed := false
	defer func() {
		if !closed {
			reader.Close()
		}
	}()

	var rows []Row
	for {
		frame, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			stats.DecodeErr = err
			break
		}
		stats.Frames++

		res, err := est.Estimate(ctx, frame)
		if err != nil {
			return rows, stats, fmt.Errorf("frame %d: %w", stats.Frames, err)
		}
		e.Metrics.Frame(res.Detected)
		if e.OnFrame != nil {
			e.OnFrame()
		}

		row := Row{Label: label}
		if res.Detected {
			features, err := Flatten(res.Landmarks)
			if err != nil {
				return rows, stats, fmt.Errorf("frame %d: %w", stats.Frames, err)
			}
			row.Features = features
			stats.Detected++
		} else {
			stats.Missed++
			if e.Policy == Skip {
				continue
			}
		}
		rows = append(rows, row)
	}

	closed = true
	if err := reader.Close(); err != nil && stats.DecodeErr == nil {
		stats.DecodeErr = err
	}
	if err := ctx.Err(); err != nil {
		return rows, stats, err
	}

	stats.Rows = len(rows)
	e.Metrics.Rows(stats.Rows)
	switch {
	case stats.DecodeErr != nil && stats.Frames == 0:
		e.logger().Warn("video could not be decoded, no rows emitted", "video", path, "error", stats.DecodeErr)
		e.Metrics.Video(metrics.VideoFailed)
	case stats.DecodeErr != nil:
		e.logger().Warn("decoding stopped early", "video", path, "frames", stats.Frames, "error", stats.DecodeErr)
		e.Metrics.Video(metrics.VideoOK)
	case stats.Frames == 0:
		e.logger().Warn("video has no decodable frames", "video", path)
		e.Metrics.Video(metrics.VideoEmpty)
	default:
		e.Metrics.Video(metrics.VideoOK)
	}

	return rows, stats, nil
}

func (e *Extractor) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}
