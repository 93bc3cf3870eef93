package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/posepipe/internal/config"
	"github.com/andresmejia3/posepipe/internal/logging"
	"github.com/andresmejia3/posepipe/internal/server"
	"github.com/andresmejia3/posepipe/internal/train"
	"github.com/spf13/cobra"
)

var (
	serveHost   string
	servePort   int
	serveOrigin string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the converted model and label map to the browser client",
	Annotations: map[string]string{
		annotationRegistry: registryNone,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Address to bind")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (default: POSEPIPE_PORT or 8788)")
	serveCmd.Flags().StringVar(&serveOrigin, "allow-origin", "", "Value for Access-Control-Allow-Origin (disabled when empty)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	port := Cfg.Port
	if servePort != 0 {
		port = servePort
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}

	srv := server.NewServer(server.Config{
		Host:         serveHost,
		Port:         port,
		ModelDir:     Cfg.OutputDir,
		LabelMapJSON: filepath.Join(Cfg.ModelDir, train.LabelMapJSONFile),
		Metrics:      Metrics.WithRuntimeCollectors(),
		Logger:       logging.WithComponent(Logger, "server"),
		StartTime:    time.Now(),
		Version:      config.Version,
		AllowOrigin:  serveOrigin,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	fmt.Fprintf(os.Stderr, "🌐 Serving %s on http://%s (Ctrl+C to stop)\n", Cfg.OutputDir, srv.Addr())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Background: ctx is already cancelled
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
