package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/posepipe/internal/train"
	"github.com/spf13/cobra"
)

var (
	pipelineExtract extractOptions
	pipelineTrain   trainOptions
	pipelineConvert convertOptions
	skipConvert     bool

	// pipelineDeps replaces the ffmpeg decoder and Python estimator in tests
	pipelineDeps extractDeps
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Run extract, train and convert in sequence",
	Long: `Runs the whole pipeline, stopping at the first stage that fails.
The extracted dataset feeds training; conversion runs only for the keras
backend, since tensorflowjs_converter cannot read the native model.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd.Context())
	},
}

func init() {
	addExtractFlags(pipelineCmd, &pipelineExtract)
	// Only the train flags that extract does not already define
	def := train.DefaultConfig()
	pipelineCmd.Flags().StringVar(&pipelineTrain.ModelDir, "model-dir", "", "Directory for the model, label maps and history (default: models)")
	pipelineCmd.Flags().StringVarP(&pipelineTrain.Backend, "backend", "b", "native", "Training backend: native (Go) or keras (Python)")
	pipelineCmd.Flags().Float64Var(&pipelineTrain.TestFraction, "test-fraction", def.TestFraction, "Fraction of rows held out for evaluation")
	pipelineCmd.Flags().Int64Var(&pipelineTrain.Seed, "seed", def.Seed, "Seed for the train/eval split and weight initialisation")
	pipelineCmd.Flags().IntVar(&pipelineTrain.Epochs, "epochs", def.Epochs, "Training epochs")
	pipelineCmd.Flags().IntVar(&pipelineTrain.BatchSize, "batch-size", def.BatchSize, "Mini-batch size")
	pipelineCmd.Flags().Float64Var(&pipelineTrain.LearningRate, "learning-rate", def.LearningRate, "Adam learning rate")
	pipelineCmd.Flags().Float64Var(&pipelineTrain.Dropout, "dropout", def.Dropout, "Dropout after every hidden layer except the last")
	pipelineCmd.Flags().IntSliceVar(&pipelineTrain.Hidden, "hidden", def.Hidden, "Hidden layer sizes")
	pipelineCmd.Flags().StringVar(&pipelineConvert.OutputDir, "convert-output", "", "Output directory for the converted model (default: output/tfjs_model)")
	pipelineCmd.Flags().BoolVar(&skipConvert, "skip-convert", false, "Stop after training")
	rootCmd.AddCommand(pipelineCmd)
}

func runPipeline(ctx context.Context) error {
	start := time.Now()

	fmt.Fprintln(os.Stderr, "▶️  [1/3] Extract")
	if _, err := runExtract(ctx, pipelineExtract, pipelineDeps); err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "▶️  [2/3] Train")
	// Train on exactly the file extract just wrote
	pipelineTrain.DatasetPath = firstNonEmpty(pipelineExtract.OutputPath, Cfg.DatasetPath)
	out, err := runTrain(ctx, pipelineTrain)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "▶️  [3/3] Convert")
	switch {
	case skipConvert:
		fmt.Fprintln(os.Stderr, "⏭️  Conversion skipped (--skip-convert)")
	case out.Backend != train.BackendKeras:
		fmt.Fprintf(os.Stderr, "⏭️  Conversion skipped: the %s backend has no Keras model to convert\n", out.Backend)
	default:
		pipelineConvert.ModelPath = out.ModelPath
		pipelineConvert.InputFormat = firstNonEmpty(pipelineConvert.InputFormat, "keras")
		if _, err := runConvert(ctx, pipelineConvert); err != nil {
			return err
		}
	}

	fmt.Fprintf(os.Stderr, "🏁 Pipeline finished in %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}
