package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/posepipe/internal/config"
	"github.com/andresmejia3/posepipe/internal/logging"
	"github.com/andresmejia3/posepipe/internal/metrics"
	"github.com/andresmejia3/posepipe/internal/store"
	"github.com/andresmejia3/posepipe/internal/utils"
	"github.com/spf13/cobra"
)

var (
	// Cfg is the resolved configuration shared by subcommands
	Cfg *config.Config
	// Logger is the structured logger shared by subcommands
	Logger *slog.Logger
	// DB is the run registry. It is nil when the registry is disabled or unreachable.
	DB store.Registry
	// Metrics collects instruments for the current invocation
	Metrics *metrics.Metrics

	dbURL       string
	logLevel    string
	logFormat   string
	metricsFile string
	noRegistry  bool
	envFile     string
)

var rootCmd = &cobra.Command{
	Use:           "posepipe",
	Short:         "Pose keypoint extraction, action classifier training and model conversion",
	Version:       config.Version, // This enables the --version flag
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(envFile); err != nil {
			return err
		}
		var err error
		Cfg, err = config.New()
		if err != nil {
			return err
		}
		if dbURL != "" {
			Cfg.DBURL = dbURL
		}
		if logLevel != "" {
			Cfg.LogLevel = logLevel
		}
		if logFormat != "" {
			Cfg.LogFormat = logFormat
		}

		Logger = logging.NewLogger(Cfg.LogLevel, Cfg.LogFormat)
		Metrics = metrics.New()

		if noRegistry || cmd.Annotations[annotationRegistry] == registryNone {
			return nil
		}
		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.Open(cmd.Context(), Cfg.DBURL, logging.WithComponent(Logger, "store"))
		if err != nil {
			if cmd.Annotations[annotationRegistry] == registryRequired {
				return fmt.Errorf("failed to open run registry %s: %w", logging.SanitizePath(Cfg.DBURL), err)
			}
			Logger.Warn("run registry unavailable, runs will not be recorded", "error", err)
			DB = nil
		}
		return nil
	},
}

const (
	annotationRegistry = "registry"
	registryNone       = "none"
	registryRequired   = "required"
)

// commandError carries the subprocess whose logs explain a failure.
type commandError struct {
	context string
	err     error
	proc    *utils.SafeCommand
}

func (e *commandError) Error() string { return fmt.Sprintf("%s: %v", e.context, e.err) }
func (e *commandError) Unwrap() error { return e.err }

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := execute(ctx, os.Args[1:]); err != nil {
		var ce *commandError
		if errors.As(err, &ce) {
			utils.Die(ce.context, ce.err, ce.proc)
		}
		utils.Die("Command failed", err, nil)
	}
}

// execute runs the command tree and always releases the registry and writes
// the metrics textfile, including when the command failed.
func execute(ctx context.Context, args []string) error {
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	finish()
	return err
}

// finish closes the registry and flushes metrics. cobra skips
// PersistentPostRun when RunE fails, so this runs from execute instead.
func finish() {
	if DB != nil {
		// Use Background here because the main context might be cancelled already (due to Ctrl+C)
		// and we still need to close the registry cleanly.
		DB.Close(context.Background())
		DB = nil
	}
	if err := Metrics.WriteTextfile(metricsFile); err != nil && Logger != nil {
		Logger.Warn("failed to write metrics textfile", "path", metricsFile, "error", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "Run registry: postgres:// URL or SQLite file (default: data/runs.db, or POSEPIPE_DB / POSTGRES_*)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json (default: text)")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile when the command finishes")
	rootCmd.PersistentFlags().BoolVar(&noRegistry, "no-registry", false, "Do not record runs")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Load environment variables from this file if it exists")
}

// recordStart opens a registry run for stage, or returns "" without a registry.
func recordStart(ctx context.Context, stage string) string {
	if DB == nil {
		return ""
	}
	id, err := DB.StartRun(ctx, stage)
	if err != nil {
		Logger.Warn("failed to record run start", "stage", stage, "error", err)
		return ""
	}
	return id
}

// recordFinish closes the run opened by recordStart.
func recordFinish(runID string, runErr error, detail string) {
	if DB == nil || runID == "" {
		return
	}
	status := store.StatusSucceeded
	if runErr != nil {
		status = store.StatusFailed
		detail = runErr.Error()
	}
	// Background: the command context may already be cancelled
	if err := DB.FinishRun(context.Background(), runID, status, detail); err != nil {
		Logger.Warn("failed to record run finish", "run_id", runID, "error", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
