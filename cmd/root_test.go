package cmd

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExecute_FailedCommandStillWritesMetrics(t *testing.T) {
	dir := t.TempDir()
	promFile := filepath.Join(dir, "posepipe.prom")
	t.Cleanup(func() {
		metricsFile = ""
		logLevel = ""
		noRegistry = false
		envFile = ".env"
		convertOpts = convertOptions{}
		Cfg = nil
	})

	err := execute(context.Background(), []string{
		"convert",
		"--no-registry",
		"--env-file", filepath.Join(dir, "missing.env"),
		"--log-level", "error",
		"--metrics-file", promFile,
		"--model", filepath.Join(dir, "missing.h5"),
		"--output", filepath.Join(dir, "tfjs"),
	})
	if err == nil {
		t.Fatal("Expected convert to fail on a missing model")
	}

	data, err := os.ReadFile(promFile)
	if err != nil {
		t.Fatalf("metrics file not written after a failed command: %v", err)
	}
	if !strings.Contains(string(data), "posepipe_converter_exit_code") {
		t.Errorf("metrics file lacks the converter gauge:\n%s", data)
	}
}

func TestExecute_FailedCommandClosesRegistry(t *testing.T) {
	dir := t.TempDir()
	t.Cleanup(func() {
		dbURL = ""
		logLevel = ""
		envFile = ".env"
		convertOpts = convertOptions{}
		Cfg = nil
	})

	err := execute(context.Background(), []string{
		"convert",
		"--db", filepath.Join(dir, "runs.db"),
		"--env-file", filepath.Join(dir, "missing.env"),
		"--log-level", "error",
		"--model", filepath.Join(dir, "missing.h5"),
		"--output", filepath.Join(dir, "tfjs"),
	})
	if err == nil {
		t.Fatal("Expected convert to fail on a missing model")
	}
	if DB != nil {
		t.Error("registry should be closed and cleared after a failed command")
	}
}
