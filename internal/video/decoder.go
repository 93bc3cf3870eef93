// Package video turns video files into a stream of encoded frames.
// Decoding itself is delegated to ffmpeg.
package video

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/andresmejia3/posepipe/internal/utils"
)

const megabyte = 1024 * 1024

// FrameReader yields encoded frames one at a time.
// The slice returned by Next is only valid until the following call.
type FrameReader interface {
	Next() ([]byte, error) // io.EOF when the stream is exhausted
	Close() error
}

// Decoder opens a video file as a FrameReader.
type Decoder interface {
	Open(ctx context.Context, path string) (FrameReader, error)
}

// FFmpegDecoder decodes videos by streaming MJPEG frames out of an ffmpeg process.
type FFmpegDecoder struct{}

// Open starts ffmpeg for path. An unreadable or corrupt file is not an error
// here: ffmpeg starts, produces no frames, and Close reports why.
func (FFmpegDecoder) Open(ctx context.Context, path string) (FrameReader, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not found on PATH: %w", err)
	}

	cmd := utils.NewFFmpegCmd(ctx, path)
	var stderrBuf bytes.Buffer
	cmd.Stderr = &utils.TailWriter{W: &stderrBuf, Limit: 4096}

	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	return &ffmpegReader{cmd: cmd, out: out, scanner: scanner, stderr: &stderrBuf}, nil
}

type ffmpegReader struct {
	cmd     *exec.Cmd
	out     io.ReadCloser
	scanner *bufio.Scanner
	stderr  *bytes.Buffer
	closed  bool
}

func (r *ffmpegReader) Next() ([]byte, error) {
	if r.scanner.Scan() {
		return r.scanner.Bytes(), nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close releases the ffmpeg process. It returns ffmpeg's failure, if any,
// together with the tail of its log.
func (r *ffmpegReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	// Closing the pipe first unblocks ffmpeg if we stopped reading early
	r.out.Close()
	if err := r.cmd.Wait(); err != nil {
		if msg := strings.TrimSpace(r.stderr.String()); msg != "" {
			return fmt.Errorf("ffmpeg: %w: %s", err, msg)
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}
