package train

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/andresmejia3/posepipe/internal/dataset"
	"github.com/andresmejia3/posepipe/internal/keypoints"
	"github.com/andresmejia3/posepipe/internal/logging"
	"github.com/andresmejia3/posepipe/internal/mlp"
	"github.com/andresmejia3/posepipe/internal/utils"
)

// Backend names
const (
	BackendNative = "native"
	BackendKeras  = "keras"
)

// BackendByName returns a backend for "native" or "keras".
func BackendByName(name string, python, script string, logger *slog.Logger) (Backend, error) {
	switch name {
	case BackendNative, "":
		return &NativeBackend{Logger: logger}, nil
	case BackendKeras:
		return &KerasBackend{Python: python, Script: script, Logger: logger}, nil
	}
	return nil, fmt.Errorf("unknown training backend %q (want native or keras)", name)
}

// NativeBackend trains the gonum MLP in-process.
type NativeBackend struct {
	Logger *slog.Logger
}

func (b *NativeBackend) Name() string      { return BackendNative }
func (b *NativeBackend) ModelFile() string { return "model.json" }

func (b *NativeBackend) Train(ctx context.Context, data Data, cfg Config, modelPath string) (Report, error) {
	logger := b.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if len(data.TrainX) == 0 {
		return Report{}, fmt.Errorf("no training rows")
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	net, err := mlp.New(mlp.Spec{
		Input:   len(data.TrainX[0]),
		Hidden:  cfg.Hidden,
		Classes: data.Classes(),
		Dropout: cfg.Dropout,
	}, rng)
	if err != nil {
		return Report{}, err
	}

	history, err := net.Fit(ctx, data.TrainX, data.TrainY, data.EvalX, data.EvalY,
		mlp.TrainConfig{Epochs: cfg.Epochs, BatchSize: cfg.BatchSize, LearningRate: cfg.LearningRate},
		rng,
		func(s mlp.EpochStats) {
			logger.Debug("epoch", "epoch", s.Epoch, "loss", s.Loss, "accuracy", s.Accuracy,
				"eval_loss", s.EvalLoss, "eval_accuracy", s.EvalAccuracy)
		})
	if err != nil {
		return Report{}, err
	}

	_, acc, err := net.Evaluate(data.EvalX, data.EvalY)
	if err != nil {
		return Report{}, err
	}
	if err := net.Save(modelPath); err != nil {
		return Report{}, fmt.Errorf("failed to save model: %w", err)
	}
	return Report{EvalAccuracy: acc, History: history}, nil
}

// KerasBackend hands the partitions to an external Python trainer. The
// script reads train/eval CSVs, saves a Keras model and writes a JSON report.
type KerasBackend struct {
	Python string
	Script string
	Logger *slog.Logger
}

func (b *KerasBackend) Name() string { return BackendKeras }

// ModelFile is HDF5, the format tensorflowjs_converter reads with --input_format=keras.
func (b *KerasBackend) ModelFile() string { return "model.h5" }

// kerasReport is the JSON the trainer script writes.
type kerasReport struct {
	EvalAccuracy float64 `json:"eval_accuracy"`
	History      []struct {
		Epoch        int     `json:"epoch"`
		Loss         float64 `json:"loss"`
		Accuracy     float64 `json:"accuracy"`
		EvalLoss     float64 `json:"eval_loss"`
		EvalAccuracy float64 `json:"eval_accuracy"`
	} `json:"history"`
}

func (b *KerasBackend) Train(ctx context.Context, data Data, cfg Config, modelPath string) (Report, error) {
	logger := b.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	python := b.Python
	if python == "" {
		python = "python3"
	}
	if _, err := os.Stat(b.Script); err != nil {
		return Report{}, fmt.Errorf("trainer script: %w", err)
	}

	work, err := os.MkdirTemp("", "posepipe-train-*")
	if err != nil {
		return Report{}, err
	}
	defer os.RemoveAll(work)

	trainCSV := filepath.Join(work, "train.csv")
	evalCSV := filepath.Join(work, "eval.csv")
	reportPath := filepath.Join(work, "report.json")
	if err := writePartition(trainCSV, data.TrainX, data.TrainY); err != nil {
		return Report{}, err
	}
	if err := writePartition(evalCSV, data.EvalX, data.EvalY); err != nil {
		return Report{}, err
	}

	hidden := make([]string, len(cfg.Hidden))
	for i, h := range cfg.Hidden {
		hidden[i] = strconv.Itoa(h)
	}
	res := utils.RunCommand(ctx, logger, python, "-u", b.Script,
		"--train", trainCSV,
		"--eval", evalCSV,
		"--classes", strconv.Itoa(data.Classes()),
		"--hidden", strings.Join(hidden, ","),
		"--dropout", strconv.FormatFloat(cfg.Dropout, 'f', -1, 64),
		"--epochs", strconv.Itoa(cfg.Epochs),
		"--batch-size", strconv.Itoa(cfg.BatchSize),
		"--learning-rate", strconv.FormatFloat(cfg.LearningRate, 'f', -1, 64),
		"--seed", strconv.FormatInt(cfg.Seed, 10),
		"--model", modelPath,
		"--report", reportPath,
	)
	if !res.IsSuccess() {
		return Report{}, fmt.Errorf("trainer exited with code %d: %s", res.ExitCode, utils.Truncate(res.StderrTail, 512))
	}

	raw, err := os.ReadFile(reportPath)
	if err != nil {
		return Report{}, fmt.Errorf("trainer wrote no report: %w", err)
	}
	var kr kerasReport
	if err := json.Unmarshal(raw, &kr); err != nil {
		return Report{}, fmt.Errorf("failed to parse trainer report: %w", err)
	}

	report := Report{EvalAccuracy: kr.EvalAccuracy}
	for _, h := range kr.History {
		report.History = append(report.History, mlp.EpochStats{
			Epoch: h.Epoch, Loss: h.Loss, Accuracy: h.Accuracy, EvalLoss: h.EvalLoss, EvalAccuracy: h.EvalAccuracy,
		})
	}
	return report, nil
}

// writePartition stores encoded rows in the keypoint table layout with the
// class index in the label column.
func writePartition(path string, x [][]float64, y []int) error {
	rows := make([]keypoints.Row, len(x))
	for i := range x {
		if len(x[i]) != keypoints.FeatureWidth {
			return fmt.Errorf("row %d has %d features, want %d", i, len(x[i]), keypoints.FeatureWidth)
		}
		copy(rows[i].Features[:], x[i])
		rows[i].Label = strconv.Itoa(y[i])
	}
	return dataset.Write(path, rows, dataset.Overwrite)
}
