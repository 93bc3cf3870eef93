package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andresmejia3/posepipe/internal/config"
	"github.com/andresmejia3/posepipe/internal/logging"
	"github.com/andresmejia3/posepipe/internal/metrics"
	"github.com/andresmejia3/posepipe/internal/pose/posetest"
	"github.com/andresmejia3/posepipe/internal/store"
	"github.com/andresmejia3/posepipe/internal/video/videotest"
)

// testEnv points the shared command globals at a temporary project layout.
type testEnv struct {
	root     string
	videoDir string
	decoder  *videotest.Decoder
	factory  *posetest.Factory
}

func newTestEnv(t *testing.T, withRegistry bool) *testEnv {
	t.Helper()
	root := t.TempDir()
	Cfg = &config.Config{
		VideoDir:     filepath.Join(root, "data", "raw"),
		DatasetPath:  filepath.Join(root, "data", "pose_data.csv"),
		ModelDir:     filepath.Join(root, "models"),
		OutputDir:    filepath.Join(root, "output", "tfjs_model"),
		DBURL:        filepath.Join(root, "data", "runs.db"),
		LogLevel:     "error",
		LogFormat:    "text",
		Port:         config.DefaultPort,
		Converter:    config.DefaultConverter,
		FrameTimeout: time.Second,
	}
	Logger = logging.Discard()
	Metrics = metrics.New()
	DB = nil
	if withRegistry {
		db, err := store.Open(context.Background(), Cfg.DBURL, Logger)
		if err != nil {
			t.Fatalf("failed to open registry: %v", err)
		}
		DB = db
	}
	t.Cleanup(func() {
		if DB != nil {
			DB.Close(context.Background())
		}
		DB = nil
		Cfg = nil
	})

	if err := os.MkdirAll(Cfg.VideoDir, 0755); err != nil {
		t.Fatal(err)
	}
	return &testEnv{
		root:     root,
		videoDir: Cfg.VideoDir,
		decoder:  &videotest.Decoder{Frames: map[string]int{}},
		factory:  &posetest.Factory{},
	}
}

// addVideo creates an empty video file with a frame count known to the fake decoder.
func (e *testEnv) addVideo(t *testing.T, name string, frames int) string {
	t.Helper()
	path := filepath.Join(e.videoDir, name)
	if err := os.WriteFile(path, []byte("fake video"), 0644); err != nil {
		t.Fatal(err)
	}
	e.decoder.Frames[path] = frames
	return path
}

func (e *testEnv) deps() extractDeps {
	return extractDeps{Decoder: e.decoder, NewEstimator: e.factory.Create}
}

func fastTrainOptions() trainOptions {
	return trainOptions{
		Backend:      "native",
		TestFraction: 0.25,
		Seed:         1,
		Epochs:       2,
		BatchSize:    4,
		LearningRate: 0.01,
		Hidden:       []int{8},
	}
}
