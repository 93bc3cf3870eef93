package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/posepipe/internal/convert"
	"github.com/andresmejia3/posepipe/internal/logging"
	"github.com/andresmejia3/posepipe/internal/utils"
	"github.com/spf13/cobra"
)

type convertOptions struct {
	ModelPath    string
	OutputDir    string
	InputFormat  string
	OutputFormat string
}

var convertOpts convertOptions

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Convert the trained Keras model for the browser with tensorflowjs_converter",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := runConvert(cmd.Context(), convertOpts)
		return err
	},
}

func init() {
	addConvertFlags(convertCmd, &convertOpts)
	rootCmd.AddCommand(convertCmd)
}

func addConvertFlags(c *cobra.Command, opts *convertOptions) {
	c.Flags().StringVar(&opts.ModelPath, "model", "", "Keras model to convert (default: models/model.h5)")
	c.Flags().StringVarP(&opts.OutputDir, "output", "o", "", "Output directory for the converted model (default: output/tfjs_model)")
	c.Flags().StringVar(&opts.InputFormat, "input-format", convert.DefaultInputFormat, "Converter --input_format")
	c.Flags().StringVar(&opts.OutputFormat, "output-format", "", "Converter --output_format (converter default when empty)")
}

func runConvert(ctx context.Context, opts convertOptions) (utils.RunResult, error) {
	opts.ModelPath = firstNonEmpty(opts.ModelPath, Cfg.KerasModelPath())
	opts.OutputDir = firstNonEmpty(opts.OutputDir, Cfg.OutputDir)

	runID := recordStart(ctx, "convert")
	logger := logging.WithRunID(Logger, runID)

	c := convert.New(Cfg.Converter, logger)
	c.InputFormat = opts.InputFormat
	c.OutputFormat = opts.OutputFormat
	c.Metrics = Metrics

	fmt.Fprintf(os.Stderr, "🔁 Converting %s -> %s\n", opts.ModelPath, opts.OutputDir)
	res, err := c.Convert(ctx, opts.ModelPath, opts.OutputDir)
	if err != nil {
		recordFinish(runID, err, "")
		return res, err
	}
	fmt.Fprintf(os.Stderr, "✅ Converted model written to %s (%s)\n", opts.OutputDir, res.Duration.Round(time.Millisecond))
	recordFinish(runID, nil, opts.OutputDir)
	return res, nil
}
