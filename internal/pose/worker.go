package pose

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/andresmejia3/posepipe/internal/utils"
)

const (
	statusOK    = 0
	statusError = 1

	// 33 landmarks x 4 float32 values
	landmarkPayloadBytes = NumLandmarks * 4 * 4
)

// WorkerConfig configures the Python pose worker process.
type WorkerConfig struct {
	Python                 string
	Script                 string
	ModelComplexity        int
	MinDetectionConfidence float64
	ReadTimeout            time.Duration
}

// PythonWorker is an Estimator backed by a long-lived Python process hosting
// the pose model. Frames go in on stdin, results come back on FD 3.
type PythonWorker struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	readTimeout time.Duration
}

// NewPythonWorker starts the worker process. The process is killed when ctx is cancelled.
func NewPythonWorker(ctx context.Context, id int, cfg WorkerConfig) (*PythonWorker, error) {
	python := cfg.Python
	if python == "" {
		python = "python3"
	}
	py := utils.NewSafeCommand(ctx, python, "-u", cfg.Script,
		"--model-complexity", strconv.Itoa(cfg.ModelComplexity),
		"--min-detection-confidence", strconv.FormatFloat(cfg.MinDetectionConfidence, 'f', -1, 64),
	)

	// Create a side-channel pipe (FD 3) so stray prints on stdout can't corrupt the protocol
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		readTimeout: cfg.ReadTimeout,
	}, nil
}

// Estimate sends one encoded frame to the worker and decodes its answer.
func (w *PythonWorker) Estimate(ctx context.Context, frame []byte) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	payload, err := w.communicate(frame)
	if err != nil {
		return Result{}, err
	}
	return decodeResponse(payload)
}

// communicate writes [len][frame] and reads back [len][payload].
func (w *PythonWorker) communicate(data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	if w.readTimeout > 0 {
		if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok {
			_ = d.SetReadDeadline(time.Now().Add(w.readTimeout))
		}
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, fmt.Errorf("pose worker %d timed out after %s", w.ID, w.readTimeout)
		}
		return nil, err // a crashed worker (e.g. missing module) surfaces here as EOF
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// decodeResponse parses a worker payload.
//
//	OK:    [0x00][detected byte] then, when detected, 33*4 big-endian float32 (x, y, z, visibility)
//	Error: [0x01][uint32 msg len][msg]
func decodeResponse(payload []byte) (Result, error) {
	if len(payload) < 1 {
		return Result{}, fmt.Errorf("empty worker response")
	}
	r := bytes.NewReader(payload[1:])

	switch payload[0] {
	case statusOK:
		detected, err := r.ReadByte()
		if err != nil {
			return Result{}, fmt.Errorf("truncated worker response: %w", err)
		}
		if detected == 0 {
			return Result{}, nil
		}
		if r.Len() < landmarkPayloadBytes {
			return Result{}, fmt.Errorf("truncated landmark payload: %d bytes, want %d", r.Len(), landmarkPayloadBytes)
		}
		var raw [NumLandmarks * 4]float32
		if err := binary.Read(r, binary.BigEndian, &raw); err != nil {
			return Result{}, fmt.Errorf("failed to read landmarks: %w", err)
		}
		lms := make([]Landmark, NumLandmarks)
		for i := range lms {
			lms[i] = Landmark{
				X:          roundFloat32(raw[i*4]),
				Y:          roundFloat32(raw[i*4+1]),
				Z:          roundFloat32(raw[i*4+2]),
				Visibility: roundFloat32(raw[i*4+3]),
			}
		}
		return Result{Detected: true, Landmarks: lms}, nil

	case statusError:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return Result{}, fmt.Errorf("truncated error response: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return Result{}, fmt.Errorf("truncated error message: %w", err)
		}
		return Result{}, fmt.Errorf("python worker error: %s", msg)

	default:
		return Result{}, fmt.Errorf("unknown worker status byte 0x%02x", payload[0])
	}
}

// roundFloat32 widens a float32 without dragging along binary noise,
// so 0.1f becomes 0.1 rather than 0.10000000149011612 in the CSV.
func roundFloat32(f float32) float64 {
	v, err := strconv.ParseFloat(strconv.FormatFloat(float64(f), 'g', -1, 32), 64)
	if err != nil || math.IsNaN(v) {
		return 0
	}
	return v
}

// Close shuts the worker down and waits for it to exit.
func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}
