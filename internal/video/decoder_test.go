package video

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"path/filepath"
	"testing"
)

func requireFFmpeg(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not available")
	}
}

func TestFFmpegDecoder_SyntheticVideo(t *testing.T) {
	requireFFmpeg(t)

	path := filepath.Join(t.TempDir(), "left_01.mp4")
	if err := WriteTestVideo(context.Background(), path, 1, 10); err != nil {
		t.Fatalf("failed to generate test video: %v", err)
	}

	r, err := FFmpegDecoder{}.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	frames := 0
	for {
		frame, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if len(frame) < 4 || frame[0] != 0xFF || frame[1] != 0xD8 {
			t.Fatalf("frame %d is not a JPEG", frames)
		}
		frames++
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if frames != 10 {
		t.Errorf("decoded %d frames, want 10", frames)
	}
}

func TestFFmpegDecoder_MissingFile(t *testing.T) {
	requireFFmpeg(t)

	r, err := FFmpegDecoder{}.Open(context.Background(), filepath.Join(t.TempDir(), "nope.mp4"))
	if err != nil {
		t.Fatalf("Open() should not fail for a missing file, got %v", err)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Next() = %v, want io.EOF", err)
	}
	if err := r.Close(); err == nil {
		t.Error("Close() should report the ffmpeg failure")
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
}
