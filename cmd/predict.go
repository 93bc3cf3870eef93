package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/posepipe/internal/keypoints"
	"github.com/andresmejia3/posepipe/internal/labelmap"
	"github.com/andresmejia3/posepipe/internal/logging"
	"github.com/andresmejia3/posepipe/internal/mlp"
	"github.com/andresmejia3/posepipe/internal/pose"
	"github.com/andresmejia3/posepipe/internal/video"
	"github.com/spf13/cobra"
)

type predictOptions struct {
	ModelPath    string
	LabelMapPath string
	MissPolicy   string
}

var predictOpts predictOptions

var predictCmd = &cobra.Command{
	Use:   "predict <video>",
	Short: "Classify the action in a video with the trained native model",
	Args:  cobra.ExactArgs(1),
	Annotations: map[string]string{
		annotationRegistry: registryNone,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		pred, err := runPredict(cmd.Context(), args[0], predictOpts, extractDeps{})
		if err != nil {
			return err
		}
		printPrediction(os.Stdout, args[0], pred)
		return nil
	},
}

func init() {
	predictCmd.Flags().StringVar(&predictOpts.ModelPath, "model", "", "Native model file (default: models/model.json)")
	predictCmd.Flags().StringVar(&predictOpts.LabelMapPath, "label-map", "", "Label map CSV (default: models/label_map.csv)")
	predictCmd.Flags().StringVar(&predictOpts.MissPolicy, "miss", "skip", "Frames without a detected pose: zero-fill or skip")
	rootCmd.AddCommand(predictCmd)
}

// labelCount is how many frames were classified as Label.
type labelCount struct {
	Label  string
	Frames int
}

// prediction is the per-video verdict.
type prediction struct {
	Counts   []labelCount
	Majority string
	Frames   int
}

// summarizePredictions counts frames per decoded label, most frequent first.
// Ties break alphabetically so the majority is stable.
func summarizePredictions(indices []int, lm *labelmap.LabelMap) (prediction, error) {
	counts := make(map[string]int)
	for _, i := range indices {
		label, err := lm.Decode(i)
		if err != nil {
			return prediction{}, err
		}
		counts[label]++
	}

	p := prediction{Frames: len(indices)}
	for label, n := range counts {
		p.Counts = append(p.Counts, labelCount{Label: label, Frames: n})
	}
	sort.Slice(p.Counts, func(i, j int) bool {
		if p.Counts[i].Frames != p.Counts[j].Frames {
			return p.Counts[i].Frames > p.Counts[j].Frames
		}
		return p.Counts[i].Label < p.Counts[j].Label
	})
	if len(p.Counts) > 0 {
		p.Majority = p.Counts[0].Label
	}
	return p, nil
}

func runPredict(ctx context.Context, path string, opts predictOptions, deps extractDeps) (prediction, error) {
	opts.ModelPath = firstNonEmpty(opts.ModelPath, Cfg.ModelPath())
	opts.LabelMapPath = firstNonEmpty(opts.LabelMapPath, Cfg.LabelMapPath())

	if _, err := os.Stat(path); err != nil {
		return prediction{}, fmt.Errorf("video not found: %w", err)
	}
	policy, err := keypoints.ParseMissPolicy(opts.MissPolicy)
	if err != nil {
		return prediction{}, err
	}

	net, err := mlp.Load(opts.ModelPath)
	if err != nil {
		return prediction{}, fmt.Errorf("failed to load model %s: %w", opts.ModelPath, err)
	}
	lm, err := labelmap.Load(opts.LabelMapPath)
	if err != nil {
		return prediction{}, fmt.Errorf("failed to load label map %s: %w", opts.LabelMapPath, err)
	}
	if lm.Len() != net.Spec.Classes {
		return prediction{}, fmt.Errorf("label map has %d labels but the model predicts %d classes", lm.Len(), net.Spec.Classes)
	}

	logger := logging.WithVideo(logging.WithComponent(Logger, "predict"), path)
	pool := &workerPool{}
	if deps.Decoder == nil {
		deps.Decoder = video.FFmpegDecoder{}
	}
	if deps.NewEstimator == nil {
		deps.NewEstimator = pool.factory(pose.WorkerConfig{
			Python:                 Cfg.PythonPath,
			Script:                 Cfg.WorkerScript,
			ModelComplexity:        1,
			MinDetectionConfidence: 0.5,
			ReadTimeout:            Cfg.FrameTimeout,
		})
	}

	est, err := deps.NewEstimator(ctx, 0)
	if err != nil {
		return prediction{}, fmt.Errorf("failed to start pose estimator: %w", err)
	}

	start := time.Now()
	ext := &keypoints.Extractor{Decoder: deps.Decoder, Policy: policy, Logger: logger, Metrics: Metrics}
	rows, stats, err := ext.Extract(ctx, est, path, "")
	// The worker must exit before its captured stderr is read
	if cerr := est.Close(); cerr != nil && err == nil {
		logger.Warn("pose estimator did not shut down cleanly", "error", cerr)
	}
	if err != nil {
		if proc := pool.crashed(); proc != nil {
			return prediction{}, &commandError{context: "Pose worker crashed", err: err, proc: proc}
		}
		return prediction{}, err
	}
	if stats.DecodeErr != nil && stats.Frames == 0 {
		return prediction{}, fmt.Errorf("failed to decode %s: %w", path, stats.DecodeErr)
	}
	if len(rows) == 0 {
		return prediction{}, fmt.Errorf("no pose detected in %s", path)
	}

	x := make([][]float64, len(rows))
	for i := range rows {
		x[i] = rows[i].Features[:]
	}
	indices, err := net.Classify(x)
	if err != nil {
		return prediction{}, err
	}
	Metrics.ObserveStage("predict", start)
	return summarizePredictions(indices, lm)
}

func printPrediction(w io.Writer, path string, p prediction) {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "LABEL\tFRAMES\tSHARE")
	fmt.Fprintln(tw, "-----\t------\t-----")
	for _, c := range p.Counts {
		fmt.Fprintf(tw, "%s\t%d\t%.1f%%\n", c.Label, c.Frames, 100*float64(c.Frames)/float64(p.Frames))
	}
	tw.Flush()
	fmt.Fprintf(w, "\n🎯 %s: %s\n", path, p.Majority)
}
