package types

// VideoTask is one labeled video queued for keypoint extraction
type VideoTask struct {
	Index int
	Path  string
	Label string
}
