package server

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/posepipe/internal/logging"
	"github.com/go-chi/chi/v5"
)

// ModelEntrypoint is the file the browser client loads first.
const ModelEntrypoint = "model.json"

type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	UptimeS     int64  `json:"uptime_s"`
	ModelReady  bool   `json:"model_ready"`
	LabelsReady bool   `json:"labels_ready"`
}

func NewRouter(cfg Config) *chi.Mux {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	if cfg.AllowOrigin != "" {
		r.Use(CORSMiddleware(cfg.AllowOrigin))
	}

	r.Get("/health", healthHandler(cfg))
	r.Get("/label_map.json", labelMapHandler(cfg))
	r.Handle("/model/*", http.StripPrefix("/model/", http.FileServer(http.Dir(cfg.ModelDir))))
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}
	return r
}

func healthHandler(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:      "ok",
			Version:     cfg.Version,
			UptimeS:     int64(time.Since(cfg.StartTime).Seconds()),
			ModelReady:  fileExists(filepath.Join(cfg.ModelDir, ModelEntrypoint)),
			LabelsReady: fileExists(cfg.LabelMapJSON),
		})
	}
}

func labelMapHandler(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !fileExists(cfg.LabelMapJSON) {
			WriteError(w, http.StatusNotFound, "label map not found; run train first", "NOT_FOUND")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		http.ServeFile(w, r, cfg.LabelMapJSON)
	}
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
