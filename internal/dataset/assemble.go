package dataset

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/andresmejia3/posepipe/internal/keypoints"
	"github.com/andresmejia3/posepipe/internal/pose"
	"github.com/andresmejia3/posepipe/internal/types"
)

// DefaultExtensions lists the video extensions picked up by default.
var DefaultExtensions = []string{".mp4"}

// Assembler builds one table out of a directory of labeled videos.
type Assembler struct {
	Extractor    *keypoints.Extractor
	NewEstimator pose.Factory
	Label        LabelFunc
	Extensions   []string
	Recursive    bool
	// Engines is the number of videos processed in parallel, each with its own estimator.
	Engines int
	Logger  *slog.Logger
	// OnVideo is called once per finished video, in file order.
	OnVideo func(VideoResult)
}

// VideoResult describes one extracted video.
type VideoResult struct {
	Index int
	Path  string
	Label string
	Stats keypoints.Stats
	rows  []keypoints.Row
	err   error
}

// Result is the assembled table plus per-video bookkeeping.
type Result struct {
	Rows    []keypoints.Row
	Videos  []VideoResult
	Skipped []string
}

// Labels returns the distinct labels present in the result, sorted.
func (r *Result) Labels() []string {
	seen := make(map[string]bool)
	for _, row := range r.Rows {
		seen[row.Label] = true
	}
	out := make([]string, 0, len(seen))
	for l := range seen {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// ListVideos returns the labeled videos under dir in name order, and the
// files whose label could not be derived.
func (a *Assembler) ListVideos(dir string) ([]types.VideoTask, []string, error) {
	exts := a.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	labelFn := a.Label
	if labelFn == nil {
		labelFn = PrefixLabel
	}

	var paths []string
	walk := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && !a.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if hasExt(d.Name(), exts) {
			paths = append(paths, path)
		}
		return nil
	}
	if err := filepath.WalkDir(dir, walk); err != nil {
		return nil, nil, fmt.Errorf("failed to list videos in %s: %w", dir, err)
	}
	sort.Strings(paths)

	var tasks []types.VideoTask
	var skipped []string
	for _, p := range paths {
		label, err := labelFn(p)
		if err != nil {
			a.logger().Warn("skipping video without label", "video", p, "error", err)
			skipped = append(skipped, p)
			continue
		}
		tasks = append(tasks, types.VideoTask{Index: len(tasks), Path: p, Label: label})
	}
	return tasks, skipped, nil
}

// Assemble extracts every video under dir and concatenates the rows in file order.
// The first estimator failure cancels the remaining work.
func (a *Assembler) Assemble(ctx context.Context, dir string) (*Result, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	tasks, skipped, err := a.ListVideos(dir)
	if err != nil {
		return nil, err
	}
	res := &Result{Skipped: skipped}
	if len(tasks) == 0 {
		return res, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	engines := a.Engines
	if engines < 1 {
		engines = 1
	}
	if engines > len(tasks) {
		engines = len(tasks)
	}

	taskChan := make(chan types.VideoTask)
	resultsChan := make(chan VideoResult, engines)
	var wg sync.WaitGroup

	for i := 0; i < engines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			a.runEngine(ctx, id, taskChan, resultsChan)
		}(i)
	}

	go func() {
		defer close(taskChan)
		for _, t := range tasks {
			select {
			case taskChan <- t:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	// Re-order results: engine 2 may finish before engine 1
	buffer := make(map[int]VideoResult)
	next := 0
	var firstErr error
	for vr := range resultsChan {
		if vr.err != nil {
			if firstErr == nil {
				firstErr = vr.err
				cancel()
			}
			continue
		}
		buffer[vr.Index] = vr
		for {
			done, ok := buffer[next]
			if !ok {
				break
			}
			delete(buffer, next)
			res.Rows = append(res.Rows, done.rows...)
			done.rows = nil
			res.Videos = append(res.Videos, done)
			if a.OnVideo != nil {
				a.OnVideo(done)
			}
			next++
		}
	}

	if firstErr != nil {
		return res, firstErr
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// runEngine owns one estimator for its whole lifetime.
func (a *Assembler) runEngine(ctx context.Context, id int, tasks <-chan types.VideoTask, results chan<- VideoResult) {
	est, err := a.NewEstimator(ctx, id)
	if err != nil {
		results <- VideoResult{Index: -1, err: fmt.Errorf("engine %d failed to start: %w", id, err)}
		// Drain so the feeder is not blocked on us
		for range tasks {
		}
		return
	}
	defer est.Close()

	for t := range tasks {
		rows, stats, err := a.Extractor.Extract(ctx, est, t.Path, t.Label)
		vr := VideoResult{Index: t.Index, Path: t.Path, Label: t.Label, Stats: stats, rows: rows}
		if err != nil {
			vr.err = fmt.Errorf("%s: %w", filepath.Base(t.Path), err)
		}
		results <- vr
		if err != nil {
			for range tasks {
			}
			return
		}
	}
}

func (a *Assembler) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}

func hasExt(name string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}
