package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/posepipe/internal/logging"
	"github.com/andresmejia3/posepipe/internal/train"
	"github.com/spf13/cobra"
)

type trainOptions struct {
	DatasetPath  string
	ModelDir     string
	Backend      string
	TestFraction float64
	Seed         int64
	Epochs       int
	BatchSize    int
	LearningRate float64
	Dropout      float64
	Hidden       []int
}

var trainOpts trainOptions

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the action classifier on the keypoint dataset",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := runTrain(cmd.Context(), trainOpts)
		return err
	},
}

func init() {
	addTrainFlags(trainCmd, &trainOpts)
	rootCmd.AddCommand(trainCmd)
}

func addTrainFlags(c *cobra.Command, opts *trainOptions) {
	def := train.DefaultConfig()
	c.Flags().StringVarP(&opts.DatasetPath, "dataset", "d", "", "Dataset CSV (default: data/pose_data.csv)")
	c.Flags().StringVar(&opts.ModelDir, "model-dir", "", "Directory for the model, label maps and history (default: models)")
	c.Flags().StringVarP(&opts.Backend, "backend", "b", "native", "Training backend: native (Go) or keras (Python)")
	c.Flags().Float64Var(&opts.TestFraction, "test-fraction", def.TestFraction, "Fraction of rows held out for evaluation")
	c.Flags().Int64Var(&opts.Seed, "seed", def.Seed, "Seed for the train/eval split and weight initialisation")
	c.Flags().IntVar(&opts.Epochs, "epochs", def.Epochs, "Training epochs")
	c.Flags().IntVar(&opts.BatchSize, "batch-size", def.BatchSize, "Mini-batch size")
	c.Flags().Float64Var(&opts.LearningRate, "learning-rate", def.LearningRate, "Adam learning rate")
	c.Flags().Float64Var(&opts.Dropout, "dropout", def.Dropout, "Dropout after every hidden layer except the last")
	c.Flags().IntSliceVar(&opts.Hidden, "hidden", def.Hidden, "Hidden layer sizes")
}

func (o trainOptions) config() train.Config {
	return train.Config{
		TestFraction: o.TestFraction,
		Seed:         o.Seed,
		Epochs:       o.Epochs,
		BatchSize:    o.BatchSize,
		LearningRate: o.LearningRate,
		Hidden:       o.Hidden,
		Dropout:      o.Dropout,
	}
}

func runTrain(ctx context.Context, opts trainOptions) (*train.Outcome, error) {
	opts.DatasetPath = firstNonEmpty(opts.DatasetPath, Cfg.DatasetPath)
	opts.ModelDir = firstNonEmpty(opts.ModelDir, Cfg.ModelDir)

	runID := recordStart(ctx, "train")
	logger := logging.WithRunID(logging.WithComponent(Logger, "train"), runID)

	backend, err := train.BackendByName(opts.Backend, Cfg.PythonPath, Cfg.TrainScript, logger)
	if err != nil {
		recordFinish(runID, err, "")
		return nil, err
	}

	fmt.Fprintf(os.Stderr, "🧠 Training %s classifier on %s...\n", backend.Name(), opts.DatasetPath)
	start := time.Now()
	out, err := train.Run(ctx, train.Options{
		DatasetPath: opts.DatasetPath,
		ModelDir:    opts.ModelDir,
		Backend:     backend,
		Config:      opts.config(),
		Logger:      logger,
		Metrics:     Metrics,
	})
	if err != nil {
		recordFinish(runID, err, "")
		return nil, err
	}

	printTrainSummary(os.Stderr, out, time.Since(start))
	recordFinish(runID, nil, fmt.Sprintf("%s backend, eval accuracy %.4f", out.Backend, out.EvalAccuracy))
	return out, nil
}

func printTrainSummary(w io.Writer, out *train.Outcome, took time.Duration) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "📊 TRAINING SUMMARY\n")
	fmt.Fprintf(w, "---------------------------------------------------------\n")
	fmt.Fprintf(w, "🏷️  Labels:        %s\n", strings.Join(out.Labels, ", "))
	fmt.Fprintf(w, "🧮 Rows:          %d (train %d / eval %d)\n", out.Rows, out.TrainRows, out.EvalRows)
	fmt.Fprintf(w, "🎯 Eval accuracy: %.4f\n", out.EvalAccuracy)
	fmt.Fprintf(w, "💾 Model:         %s\n", out.ModelPath)
	fmt.Fprintf(w, "🗺️  Label map:     %s, %s\n", out.LabelMapPath, out.LabelMapJSON)
	fmt.Fprintf(w, "⏱️  Took:          %s\n", took.Round(time.Millisecond))
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}
