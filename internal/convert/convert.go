// Package convert drives the external model-format converter that turns a
// trained Keras model into a browser-loadable TF.js model directory.
package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/andresmejia3/posepipe/internal/logging"
	"github.com/andresmejia3/posepipe/internal/metrics"
	"github.com/andresmejia3/posepipe/internal/utils"
)

const (
	DefaultBinary      = "tensorflowjs_converter"
	DefaultInputFormat = "keras"
)

// ErrModelNotFound is returned when the input model does not exist.
// It wraps os.ErrNotExist.
var ErrModelNotFound = fmt.Errorf("model not found: %w", os.ErrNotExist)

// ExitError reports a converter that ran and exited nonzero.
type ExitError struct {
	Result utils.RunResult
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("converter exited with code %d: %s", e.Result.ExitCode, utils.Truncate(e.Result.StderrTail, 512))
}

// Converter runs the conversion tool as a subprocess.
type Converter struct {
	Binary       string
	InputFormat  string
	OutputFormat string // optional, e.g. "tfjs_layers_model"
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// New returns a Converter with the stock binary and input format.
func New(binary string, logger *slog.Logger) *Converter {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Converter{Binary: binary, InputFormat: DefaultInputFormat, Logger: logger}
}

// Args returns the converter argument list for modelPath and outDir.
func (c *Converter) Args(modelPath, outDir string) []string {
	in := c.InputFormat
	if in == "" {
		in = DefaultInputFormat
	}
	args := []string{"--input_format=" + in}
	if c.OutputFormat != "" {
		args = append(args, "--output_format="+c.OutputFormat)
	}
	return append(args, modelPath, outDir)
}

// Convert converts modelPath into outDir. A missing model is reported before
// outDir is created. A converter exiting nonzero returns an *ExitError along
// with the captured result; partial output is left in place.
func (c *Converter) Convert(ctx context.Context, modelPath, outDir string) (utils.RunResult, error) {
	start := time.Now()
	logger := c.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logging.WithComponent(logger, "convert")

	if _, err := os.Stat(modelPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return utils.RunResult{ExitCode: -1}, fmt.Errorf("%w: %s", ErrModelNotFound, modelPath)
		}
		return utils.RunResult{ExitCode: -1}, fmt.Errorf("cannot read model %s: %w", modelPath, err)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return utils.RunResult{ExitCode: -1}, fmt.Errorf("failed to create output directory: %w", err)
	}

	binary := c.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	logger.Info("converting model", "model", modelPath, "out", outDir)
	res := utils.RunCommand(ctx, logger, binary, c.Args(modelPath, outDir)...)

	c.Metrics.ConverterExit(res.ExitCode)
	c.Metrics.ObserveStage("convert", start)

	if !res.IsSuccess() {
		return res, &ExitError{Result: res}
	}
	return res, nil
}
