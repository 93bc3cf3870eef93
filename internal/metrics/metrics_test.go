package metrics

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Frame(true)
	m.Frame(true)
	m.Frame(false)
	m.Video(VideoOK)
	m.Video(VideoEmpty)
	m.Rows(3)
	m.EvalAccuracy(0.75)
	m.ConverterExit(2)

	if got := testutil.ToFloat64(m.frames.WithLabelValues(FrameDetected)); got != 2 {
		t.Errorf("detected frames = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.frames.WithLabelValues(FrameMissed)); got != 1 {
		t.Errorf("missed frames = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.rows); got != 3 {
		t.Errorf("rows = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.evalAccuracy); got != 0.75 {
		t.Errorf("eval accuracy = %v, want 0.75", got)
	}
	if got := testutil.ToFloat64(m.converterExit); got != 2 {
		t.Errorf("converter exit = %v, want 2", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Frame(true)
	m.Video(VideoFailed)
	m.Rows(1)
	m.EvalAccuracy(1)
	m.ConverterExit(1)
	m.ObserveStage("extract", time.Now())
	if err := m.WriteTextfile("/nonexistent/dir/x.prom"); err != nil {
		t.Errorf("WriteTextfile on nil = %v, want nil", err)
	}
	if m.WithRuntimeCollectors() != nil {
		t.Error("WithRuntimeCollectors on nil should return nil")
	}
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.Rows(5)
	m.ObserveStage("train", time.Now().Add(-time.Second))

	path := filepath.Join(t.TempDir(), "posepipe.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if !strings.Contains(out, "posepipe_rows_emitted_total 5") {
		t.Errorf("textfile missing rows counter:\n%s", out)
	}
	if !strings.Contains(out, `posepipe_stage_duration_seconds_count{stage="train"} 1`) {
		t.Errorf("textfile missing stage histogram:\n%s", out)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.Video(VideoOK)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `posepipe_videos_total{status="ok"} 1`) {
		t.Errorf("metrics body missing videos counter:\n%s", rec.Body.String())
	}
}
