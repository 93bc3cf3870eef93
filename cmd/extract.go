package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/posepipe/internal/dataset"
	"github.com/andresmejia3/posepipe/internal/keypoints"
	"github.com/andresmejia3/posepipe/internal/logging"
	"github.com/andresmejia3/posepipe/internal/pose"
	"github.com/andresmejia3/posepipe/internal/store"
	"github.com/andresmejia3/posepipe/internal/types"
	"github.com/andresmejia3/posepipe/internal/utils"
	"github.com/andresmejia3/posepipe/internal/video"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// extractOptions holds the flags of the extract command.
type extractOptions struct {
	InputDir               string
	OutputPath             string
	Mode                   string
	MissPolicy             string
	LabelPolicy            string
	Extensions             []string
	Recursive              bool
	NumEngines             int
	ModelComplexity        int
	MinDetectionConfidence float64
	WorkerTimeout          string
	Quiet                  bool
}

// extractDeps lets tests swap the decoder and estimator.
type extractDeps struct {
	Decoder      video.Decoder
	NewEstimator pose.Factory
}

var extractOpts extractOptions

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract pose keypoints from a directory of labeled videos into a CSV dataset",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := runExtract(cmd.Context(), extractOpts, extractDeps{})
		return err
	},
}

func init() {
	addExtractFlags(extractCmd, &extractOpts)
	rootCmd.AddCommand(extractCmd)
}

func addExtractFlags(c *cobra.Command, opts *extractOptions) {
	c.Flags().StringVarP(&opts.InputDir, "input", "i", "", "Directory of labeled videos (default: data/raw)")
	c.Flags().StringVarP(&opts.OutputPath, "output", "o", "", "Dataset CSV to write (default: data/pose_data.csv)")
	c.Flags().StringVarP(&opts.Mode, "mode", "m", "overwrite", "Write mode: overwrite or append (append duplicates rows of re-extracted videos)")
	c.Flags().StringVar(&opts.MissPolicy, "miss", "zero-fill", "Frames without a detected pose: zero-fill or skip")
	c.Flags().StringVar(&opts.LabelPolicy, "label", "prefix", "Label source: prefix (text before the first '_') or dir (parent directory)")
	c.Flags().StringSliceVar(&opts.Extensions, "ext", dataset.DefaultExtensions, "Video file extensions to pick up")
	c.Flags().BoolVarP(&opts.Recursive, "recursive", "r", false, "Descend into subdirectories")
	c.Flags().IntVarP(&opts.NumEngines, "engines", "e", 1, "Number of parallel engine workers")
	c.Flags().IntVar(&opts.ModelComplexity, "model-complexity", 1, "Pose model complexity (0, 1 or 2)")
	c.Flags().Float64Var(&opts.MinDetectionConfidence, "min-detection-confidence", 0.5, "Minimum pose detection confidence")
	c.Flags().StringVar(&opts.WorkerTimeout, "worker-timeout", "", "Per-frame pose worker timeout, e.g. 30s (default: POSEPIPE_FRAME_TIMEOUT or 30s)")
	c.Flags().BoolVarP(&opts.Quiet, "quiet", "q", false, "Hide the progress bar")
}

// validateExtractFlags ensures all CLI arguments are valid before starting heavy processes.
func validateExtractFlags(opts *extractOptions) error {
	info, err := os.Stat(opts.InputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input directory does not exist: %w", err)
		}
		return fmt.Errorf("unable to access input directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("input path %s is a file, expected a directory of videos", opts.InputDir)
	}
	if opts.OutputPath == "" {
		return fmt.Errorf("output path is empty")
	}
	if opts.NumEngines < 1 {
		opts.NumEngines = 1
	}
	if _, err := dataset.ParseMode(opts.Mode); err != nil {
		return err
	}
	if _, err := keypoints.ParseMissPolicy(opts.MissPolicy); err != nil {
		return err
	}
	if _, err := dataset.LabelFuncByName(opts.LabelPolicy); err != nil {
		return err
	}
	if opts.ModelComplexity < 0 || opts.ModelComplexity > 2 {
		return fmt.Errorf("model complexity must be 0, 1 or 2, got %d", opts.ModelComplexity)
	}
	if opts.MinDetectionConfidence < 0 || opts.MinDetectionConfidence > 1 {
		return fmt.Errorf("min detection confidence must be between 0.0 and 1.0, got %f", opts.MinDetectionConfidence)
	}
	if opts.WorkerTimeout != "" {
		if _, err := time.ParseDuration(opts.WorkerTimeout); err != nil {
			return fmt.Errorf("invalid worker-timeout format (use '30s', '500ms'): %w", err)
		}
	}
	return nil
}

// runExtract assembles the dataset, writes it and records the run.
func runExtract(ctx context.Context, opts extractOptions, deps extractDeps) (*dataset.Result, error) {
	opts.InputDir = firstNonEmpty(opts.InputDir, Cfg.VideoDir)
	opts.OutputPath = firstNonEmpty(opts.OutputPath, Cfg.DatasetPath)
	if err := validateExtractFlags(&opts); err != nil {
		return nil, err
	}
	mode, _ := dataset.ParseMode(opts.Mode)
	policy, _ := keypoints.ParseMissPolicy(opts.MissPolicy)
	labelFn, _ := dataset.LabelFuncByName(opts.LabelPolicy)
	timeout := Cfg.FrameTimeout
	if opts.WorkerTimeout != "" {
		timeout, _ = time.ParseDuration(opts.WorkerTimeout)
	}

	start := time.Now()
	runID := recordStart(ctx, "extract")
	logger := logging.WithRunID(logging.WithComponent(Logger, "extract"), runID)

	pool := &workerPool{}
	if deps.Decoder == nil {
		deps.Decoder = video.FFmpegDecoder{}
	}
	if deps.NewEstimator == nil {
		deps.NewEstimator = pool.factory(pose.WorkerConfig{
			Python:                 Cfg.PythonPath,
			Script:                 Cfg.WorkerScript,
			ModelComplexity:        opts.ModelComplexity,
			MinDetectionConfidence: opts.MinDetectionConfidence,
			ReadTimeout:            timeout,
		})
	}

	asm := &dataset.Assembler{
		Extractor: &keypoints.Extractor{
			Decoder: deps.Decoder,
			Policy:  policy,
			Logger:  logger,
			Metrics: Metrics,
		},
		NewEstimator: deps.NewEstimator,
		Label:        labelFn,
		Extensions:   opts.Extensions,
		Recursive:    opts.Recursive,
		Engines:      opts.NumEngines,
		Logger:       logger,
	}

	tasks, _, err := asm.ListVideos(opts.InputDir)
	if err != nil {
		recordFinish(runID, err, "")
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "📼 Found %d labeled videos in %s\n", len(tasks), opts.InputDir)
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Worker Engines...\n", min(opts.NumEngines, max(len(tasks), 1)))

	bar := newFrameBar(ctx, tasks, opts.Quiet)
	asm.Extractor.OnFrame = func() { bar.Add(1) }

	res, err := asm.Assemble(ctx, opts.InputDir)
	bar.Finish()
	if err != nil {
		recordFinish(runID, err, "")
		if proc := pool.crashed(); proc != nil {
			return nil, &commandError{context: "Pose worker crashed", err: err, proc: proc}
		}
		return nil, fmt.Errorf("extraction failed: %w", err)
	}

	if err := dataset.Write(opts.OutputPath, res.Rows, mode); err != nil {
		recordFinish(runID, err, "")
		return nil, err
	}
	for _, v := range res.Videos {
		registerVideo(ctx, runID, v, mode, logger)
	}

	Metrics.ObserveStage("extract", start)
	printExtractSummary(os.Stderr, res, opts.OutputPath, mode)
	recordFinish(runID, nil, fmt.Sprintf("%d videos, %d rows, %s", len(res.Videos), len(res.Rows), mode))
	return res, nil
}

// newFrameBar sizes the bar from ffprobe frame counts, falling back to a
// spinner when any count is unknown.
func newFrameBar(ctx context.Context, tasks []types.VideoTask, quiet bool) *progressbar.ProgressBar {
	if quiet {
		return progressbar.NewOptions(-1, progressbar.OptionSetWriter(io.Discard))
	}
	total := 0
	for _, t := range tasks {
		n := utils.GetTotalFrames(ctx, t.Path)
		if n <= 0 {
			total = -1
			break
		}
		total += n
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🧍 Extracting keypoints"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)
}

// registerVideo records an extracted video and warns when append mode is
// about to duplicate rows from an earlier extraction.
func registerVideo(ctx context.Context, runID string, v dataset.VideoResult, mode dataset.Mode, logger *slog.Logger) {
	if DB == nil || runID == "" {
		return
	}
	videoID, err := utils.GenerateVideoID(v.Path)
	if err != nil {
		logger.Warn("failed to fingerprint video", "video", v.Path, "error", err)
		return
	}
	seen, err := DB.VideoExtractions(ctx, videoID)
	if err != nil {
		logger.Warn("failed to look up video history", "video", v.Path, "error", err)
	} else if seen > 0 && mode == dataset.Append {
		logger.Warn("video was extracted before; append mode duplicated its rows",
			"video", v.Path, "previous_extractions", seen)
	}
	if err := DB.RecordVideo(ctx, store.VideoRecord{
		RunID:   runID,
		VideoID: videoID,
		Path:    v.Path,
		Label:   v.Label,
		Rows:    v.Stats.Rows,
	}); err != nil {
		logger.Warn("failed to record video", "video", v.Path, "error", err)
	}
}

func printExtractSummary(w io.Writer, res *dataset.Result, output string, mode dataset.Mode) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "📊 EXTRACTION SUMMARY\n")
	fmt.Fprintf(w, "---------------------------------------------------------\n")

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "VIDEO\tLABEL\tFRAMES\tDETECTED\tROWS")
	for _, v := range res.Videos {
		name := filepath.Base(v.Path)
		if v.Stats.DecodeErr != nil && v.Stats.Frames == 0 {
			name += " (unreadable)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", name, v.Label, v.Stats.Frames, v.Stats.Detected, v.Stats.Rows)
	}
	tw.Flush()

	for _, s := range res.Skipped {
		fmt.Fprintf(w, "⚠️  Skipped (no label): %s\n", filepath.Base(s))
	}
	fmt.Fprintf(w, "\n🏷️  Labels: %s\n", strings.Join(res.Labels(), ", "))
	fmt.Fprintf(w, "🧾 %d rows written to %s (%s)\n", len(res.Rows), output, mode)
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

// workerPool starts Python pose workers and remembers them so a crash can
// be reported with the worker's own stderr.
type workerPool struct {
	cfg     pose.WorkerConfig
	mu      sync.Mutex
	workers []*pose.PythonWorker
}

func (p *workerPool) factory(cfg pose.WorkerConfig) pose.Factory {
	p.cfg = cfg
	return func(ctx context.Context, id int) (pose.Estimator, error) {
		w, err := pose.NewPythonWorker(ctx, id, p.cfg)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.workers = append(p.workers, w)
		p.mu.Unlock()
		return w, nil
	}
}

// crashed returns the first worker that wrote to stderr, if any.
func (p *workerPool) crashed() *utils.SafeCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.Cmd != nil && w.Cmd.Stderr.Len() > 0 {
			return w.Cmd
		}
	}
	return nil
}
