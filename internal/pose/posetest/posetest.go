// Package posetest provides in-memory pose estimators for tests.
package posetest

import (
	"context"
	"errors"
	"sync"

	"github.com/andresmejia3/posepipe/internal/pose"
)

// Estimator answers from a fixed detection pattern. Frame i is detected when
// Pattern[i%len(Pattern)] is true; an empty Pattern detects every frame.
// Detected landmarks carry the frame's first byte in X so tests can tell
// frames apart.
type Estimator struct {
	Pattern []bool
	// FailAt makes the Nth call (1-based) return Err. Zero disables it.
	FailAt int
	Err    error

	mu     sync.Mutex
	calls  int
	closed bool
}

func (e *Estimator) Estimate(ctx context.Context, frame []byte) (pose.Result, error) {
	if err := ctx.Err(); err != nil {
		return pose.Result{}, err
	}
	e.mu.Lock()
	e.calls++
	n := e.calls
	e.mu.Unlock()

	if e.FailAt > 0 && n == e.FailAt {
		if e.Err != nil {
			return pose.Result{}, e.Err
		}
		return pose.Result{}, errors.New("estimator failure")
	}
	if len(e.Pattern) > 0 && !e.Pattern[(n-1)%len(e.Pattern)] {
		return pose.Result{}, nil
	}
	return pose.Result{Detected: true, Landmarks: Landmarks(frame)}, nil
}

func (e *Estimator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Calls returns how many frames were estimated.
func (e *Estimator) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Closed reports whether Close was called.
func (e *Estimator) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Landmarks builds a deterministic full landmark set for a frame.
func Landmarks(frame []byte) []pose.Landmark {
	base := 0.0
	if len(frame) > 0 {
		base = float64(frame[0]) / 255
	}
	lms := make([]pose.Landmark, pose.NumLandmarks)
	for i := range lms {
		lms[i] = pose.Landmark{X: base, Y: float64(i) / 100, Z: -0.5, Visibility: 0.9}
	}
	return lms
}

// Factory returns a pose.Factory that hands out fresh Estimators built by
// New and remembers them for later inspection.
type Factory struct {
	New func() *Estimator

	mu      sync.Mutex
	created []*Estimator
}

func (f *Factory) Create(ctx context.Context, id int) (pose.Estimator, error) {
	e := &Estimator{}
	if f.New != nil {
		e = f.New()
	}
	f.mu.Lock()
	f.created = append(f.created, e)
	f.mu.Unlock()
	return e, nil
}

// Created returns every Estimator handed out so far.
func (f *Factory) Created() []*Estimator {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Estimator(nil), f.created...)
}
