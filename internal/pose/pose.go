// Package pose defines the pose-estimator boundary. The estimator itself is
// external; this package only describes what it returns and how to reach it.
package pose

import "context"

// NumLandmarks is the number of body landmarks the estimator reports.
const NumLandmarks = 33

// Landmark is a single body keypoint. X and Y are normalized image
// coordinates, Z is relative depth and Visibility is the detection confidence.
type Landmark struct {
	X, Y, Z    float64
	Visibility float64
}

// Result is the estimator's answer for one frame. When Detected is false
// Landmarks is nil.
type Result struct {
	Detected  bool
	Landmarks []Landmark
}

// Estimator runs pose estimation on encoded image frames.
// An Estimator is not safe for concurrent use; callers that want
// parallelism create one Estimator per goroutine.
type Estimator interface {
	Estimate(ctx context.Context, frame []byte) (Result, error)
	Close() error
}

// Factory creates a new Estimator handle. id distinguishes engines in logs.
type Factory func(ctx context.Context, id int) (Estimator, error)
