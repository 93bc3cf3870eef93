// Package train fits an action classifier on a keypoint table and persists
// the model together with its label map and training history.
package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andresmejia3/posepipe/internal/dataset"
	"github.com/andresmejia3/posepipe/internal/labelmap"
	"github.com/andresmejia3/posepipe/internal/logging"
	"github.com/andresmejia3/posepipe/internal/metrics"
	"github.com/andresmejia3/posepipe/internal/mlp"
	"github.com/jszwec/csvutil"
)

const (
	LabelMapFile     = "label_map.csv"
	LabelMapJSONFile = "label_map.json"
	HistoryFile      = "history.csv"
)

// ErrTooFewLabels is returned when the table holds fewer than two classes.
var ErrTooFewLabels = errors.New("need at least two distinct labels to train a classifier")

// Config holds the training hyperparameters.
type Config struct {
	TestFraction float64
	Seed         int64
	Epochs       int
	BatchSize    int
	LearningRate float64
	Hidden       []int
	Dropout      float64
}

// DefaultConfig returns the stock hyperparameters.
func DefaultConfig() Config {
	return Config{
		TestFraction: 0.2,
		Seed:         42,
		Epochs:       15,
		BatchSize:    32,
		LearningRate: 0.001,
		Hidden:       []int{128, 64},
		Dropout:      0.3,
	}
}

// Validate checks the hyperparameters.
func (c Config) Validate() error {
	if c.TestFraction <= 0 || c.TestFraction >= 1 {
		return fmt.Errorf("test fraction must be in (0, 1), got %v", c.TestFraction)
	}
	if c.Epochs < 1 {
		return fmt.Errorf("epochs must be at least 1, got %d", c.Epochs)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1, got %d", c.BatchSize)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %v", c.LearningRate)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("dropout must be in [0, 1), got %v", c.Dropout)
	}
	for _, h := range c.Hidden {
		if h < 1 {
			return fmt.Errorf("hidden layer sizes must be positive, got %v", c.Hidden)
		}
	}
	return nil
}

// Split shuffles [0, n) with seed and returns the train and eval indices.
// The eval set gets ceil(n*frac) rows; the train set always keeps at least one.
func Split(n int, frac float64, seed int64) (trainIdx, evalIdx []int) {
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	nEval := int(math.Ceil(float64(n) * frac))
	if nEval >= n {
		nEval = n - 1
	}
	if nEval < 0 {
		nEval = 0
	}
	return perm[nEval:], perm[:nEval]
}

// Data is an encoded train/eval partition.
type Data struct {
	TrainX [][]float64
	TrainY []int
	EvalX  [][]float64
	EvalY  []int
	Labels []string
}

// Classes returns the number of output classes.
func (d Data) Classes() int { return len(d.Labels) }

// Report is what a backend returns after fitting.
type Report struct {
	EvalAccuracy float64
	History      []mlp.EpochStats
}

// Backend fits a classifier and writes it to modelPath.
type Backend interface {
	Name() string
	// ModelFile is the file name the backend saves under the model directory.
	ModelFile() string
	Train(ctx context.Context, data Data, cfg Config, modelPath string) (Report, error)
}

// Options configures Run.
type Options struct {
	DatasetPath string
	ModelDir    string
	Backend     Backend
	Config      Config
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Outcome summarises a finished training run.
type Outcome struct {
	Backend      string
	Rows         int
	TrainRows    int
	EvalRows     int
	Labels       []string
	EvalAccuracy float64
	ModelPath    string
	LabelMapPath string
	LabelMapJSON string
	HistoryPath  string
}

// Run loads the table, encodes labels, splits, trains and persists everything.
func Run(ctx context.Context, opts Options) (*Outcome, error) {
	start := time.Now()
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.Backend == nil {
		opts.Backend = &NativeBackend{Logger: logger}
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}

	table, err := dataset.Read(opts.DatasetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset %s: %w", opts.DatasetPath, err)
	}

	lm := labelmap.FromLabels(table.Labels)
	if lm.Len() < 2 {
		return nil, fmt.Errorf("%w: dataset has %v", ErrTooFewLabels, lm.Labels())
	}
	encoded, err := lm.EncodeAll(table.Labels)
	if err != nil {
		return nil, err
	}

	trainIdx, evalIdx := Split(table.Len(), opts.Config.TestFraction, opts.Config.Seed)
	data := Data{Labels: lm.Labels()}
	for _, i := range trainIdx {
		data.TrainX = append(data.TrainX, table.Features[i])
		data.TrainY = append(data.TrainY, encoded[i])
	}
	for _, i := range evalIdx {
		data.EvalX = append(data.EvalX, table.Features[i])
		data.EvalY = append(data.EvalY, encoded[i])
	}

	logger.Info("training classifier",
		"backend", opts.Backend.Name(),
		"rows", table.Len(),
		"train_rows", len(trainIdx),
		"eval_rows", len(evalIdx),
		"labels", lm.Labels(),
	)

	if err := os.MkdirAll(opts.ModelDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create model directory: %w", err)
	}
	out := &Outcome{
		Backend:      opts.Backend.Name(),
		Rows:         table.Len(),
		TrainRows:    len(trainIdx),
		EvalRows:     len(evalIdx),
		Labels:       lm.Labels(),
		ModelPath:    filepath.Join(opts.ModelDir, opts.Backend.ModelFile()),
		LabelMapPath: filepath.Join(opts.ModelDir, LabelMapFile),
		LabelMapJSON: filepath.Join(opts.ModelDir, LabelMapJSONFile),
		HistoryPath:  filepath.Join(opts.ModelDir, HistoryFile),
	}

	report, err := opts.Backend.Train(ctx, data, opts.Config, out.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("%s backend failed: %w", opts.Backend.Name(), err)
	}
	out.EvalAccuracy = report.EvalAccuracy

	if err := lm.Save(out.LabelMapPath); err != nil {
		return nil, fmt.Errorf("failed to save label map: %w", err)
	}
	if err := lm.SaveJSON(out.LabelMapJSON); err != nil {
		return nil, fmt.Errorf("failed to save label map: %w", err)
	}
	if err := writeHistory(out.HistoryPath, report.History); err != nil {
		return nil, fmt.Errorf("failed to save history: %w", err)
	}

	opts.Metrics.EvalAccuracy(report.EvalAccuracy)
	opts.Metrics.ObserveStage("train", start)
	logger.Info("training finished",
		"eval_accuracy", report.EvalAccuracy,
		"model", out.ModelPath,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

func writeHistory(path string, history []mlp.EpochStats) error {
	if len(history) == 0 {
		// csvutil emits nothing for an empty slice; keep the header
		cols, err := csvutil.Header(mlp.EpochStats{}, "csv")
		if err != nil {
			return err
		}
		return os.WriteFile(path, []byte(strings.Join(cols, ",")+"\n"), 0644)
	}
	data, err := csvutil.Marshal(history)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ReadHistory loads a history file written by Run.
func ReadHistory(path string) ([]mlp.EpochStats, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var history []mlp.EpochStats
	if err := csvutil.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("failed to parse history: %w", err)
	}
	return history, nil
}
