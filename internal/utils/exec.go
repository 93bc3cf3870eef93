package utils

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"time"
)

const maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics

// RunResult is the structured outcome of a finished subprocess.
type RunResult struct {
	ExitCode   int
	StderrTail string
	Duration   time.Duration
}

// IsSuccess returns true when the subprocess exited cleanly.
func (r RunResult) IsSuccess() bool { return r.ExitCode == 0 }

// RunCommand runs name with args to completion and reports its exit code.
// A process that cannot be started at all is reported with ExitCode -1.
// Stdout is discarded; the tools we drive write their artifacts to files.
func RunCommand(ctx context.Context, logger *slog.Logger, name string, args ...string) RunResult {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	var stderrBuf bytes.Buffer
	cmd.Stderr = &TailWriter{W: &stderrBuf, Limit: maxStderrBytes}
	cmd.Stdout = io.Discard

	logger.Debug("executing command", "name", name, "args", args)

	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			stderrBuf.WriteString(err.Error())
		}
	}

	stderrTail := stderrBuf.String()
	if exitCode != 0 {
		logger.Warn("command failed",
			"name", name,
			"exit_code", exitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", Truncate(stderrTail, 512),
		)
	} else {
		logger.Info("command succeeded", "name", name, "duration_ms", elapsed.Milliseconds())
	}

	return RunResult{ExitCode: exitCode, StderrTail: stderrTail, Duration: elapsed}
}

// Truncate keeps the last maxLen bytes of s, prefixed with "..." when cut.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// TailWriter is an io.Writer that keeps only the last Limit bytes.
type TailWriter struct {
	W     *bytes.Buffer
	Limit int
}

func (tw *TailWriter) Write(p []byte) (int, error) {
	n := len(p)
	tw.W.Write(p)
	if tw.W.Len() > tw.Limit {
		b := tw.W.Bytes()
		tail := make([]byte, tw.Limit)
		copy(tail, b[len(b)-tw.Limit:])
		tw.W.Reset()
		tw.W.Write(tail)
	}
	return n, nil
}
