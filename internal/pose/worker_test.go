package pose

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func newMockWorker(payload []byte) (*PythonWorker, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	binary.Write(dataPipeMock, binary.BigEndian, uint32(len(payload)))
	dataPipeMock.Write(payload)

	// Cmd is nil because we aren't testing process management, just the protocol
	return &PythonWorker{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}, stdinMock
}

func TestEstimate_Detected(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(statusOK)
	payload.WriteByte(1) // detected

	var raw [NumLandmarks * 4]float32
	for i := range raw {
		raw[i] = float32(i) / 1000
	}
	raw[0] = 0.5
	raw[3] = 0.99
	binary.Write(payload, binary.BigEndian, raw)

	w, stdin := newMockWorker(payload.Bytes())

	inputFrame := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	res, err := w.Estimate(context.Background(), inputFrame)
	if err != nil {
		t.Fatalf("Estimate failed: %v", err)
	}

	// Verify Go sent [len][frame] to the worker
	sent := stdin.Bytes()
	if len(sent) != 4+len(inputFrame) {
		t.Errorf("Expected %d bytes sent, got %d", 4+len(inputFrame), len(sent))
	}
	if binary.BigEndian.Uint32(sent[:4]) != uint32(len(inputFrame)) {
		t.Errorf("length header = %d, want %d", binary.BigEndian.Uint32(sent[:4]), len(inputFrame))
	}

	if !res.Detected {
		t.Fatal("Expected a detection")
	}
	if len(res.Landmarks) != NumLandmarks {
		t.Fatalf("Expected %d landmarks, got %d", NumLandmarks, len(res.Landmarks))
	}
	if math.Abs(res.Landmarks[0].X-0.5) > 1e-9 {
		t.Errorf("Landmarks[0].X = %v, want 0.5", res.Landmarks[0].X)
	}
	if math.Abs(res.Landmarks[0].Visibility-0.99) > 1e-9 {
		t.Errorf("Landmarks[0].Visibility = %v, want 0.99", res.Landmarks[0].Visibility)
	}
	// Landmark 32 visibility is the last value on the wire
	if math.Abs(res.Landmarks[32].Visibility-0.131) > 1e-9 {
		t.Errorf("Landmarks[32].Visibility = %v, want 0.131", res.Landmarks[32].Visibility)
	}
}

func TestEstimate_NotDetected(t *testing.T) {
	w, _ := newMockWorker([]byte{statusOK, 0})

	res, err := w.Estimate(context.Background(), []byte("frame"))
	if err != nil {
		t.Fatalf("Estimate failed: %v", err)
	}
	if res.Detected || res.Landmarks != nil {
		t.Errorf("Expected empty result, got %+v", res)
	}
}

func TestEstimate_Error(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(statusError)
	errMsg := "Python Exception: Import Error"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)

	w, _ := newMockWorker(payload.Bytes())

	_, err := w.Estimate(context.Background(), []byte("frame"))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
}

func TestEstimate_TruncatedLandmarks(t *testing.T) {
	w, _ := newMockWorker([]byte{statusOK, 1, 0x00, 0x01})

	if _, err := w.Estimate(context.Background(), []byte("frame")); err == nil {
		t.Fatal("Expected error for truncated payload")
	}
}

func TestEstimate_WorkerGone(t *testing.T) {
	// Empty data pipe simulates a worker that died before answering
	w := &PythonWorker{
		ID:       1,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: &MockCloser{Buffer: new(bytes.Buffer)},
	}
	if _, err := w.Estimate(context.Background(), []byte("frame")); err == nil {
		t.Fatal("Expected error when worker produces no output")
	}
}

func TestEstimate_CancelledContext(t *testing.T) {
	w, stdin := newMockWorker([]byte{statusOK, 0})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := w.Estimate(ctx, []byte("frame")); err == nil {
		t.Fatal("Expected context error")
	}
	if stdin.Len() != 0 {
		t.Errorf("nothing should be written after cancellation, got %d bytes", stdin.Len())
	}
}

func TestDecodeResponse_UnknownStatus(t *testing.T) {
	if _, err := decodeResponse([]byte{7}); err == nil {
		t.Fatal("Expected error for unknown status byte")
	}
	if _, err := decodeResponse(nil); err == nil {
		t.Fatal("Expected error for empty payload")
	}
}

func TestCloseWithoutProcess(t *testing.T) {
	w, _ := newMockWorker(nil)
	if err := w.Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}
}

func TestEstimate_ReadTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("pipe read deadlines need a pollable pipe")
	}
	// A real pipe that nobody writes to stands in for a hung worker
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	worker := &PythonWorker{
		ID:          7,
		Stdin:       &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe:    r,
		readTimeout: 100 * time.Millisecond,
	}

	start := time.Now()
	_, err = worker.Estimate(context.Background(), []byte{0xFF, 0xD8, 0xFF, 0xD9})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Expected a timeout error from a silent worker")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error = %v, want a timeout", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Estimate took %s, want it to give up near the 100ms timeout", elapsed)
	}
}
