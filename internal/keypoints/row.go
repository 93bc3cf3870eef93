// Package keypoints turns per-frame pose estimates into fixed-width labeled rows.
package keypoints

import (
	"fmt"
	"strconv"

	"github.com/andresmejia3/posepipe/internal/pose"
)

const (
	// ValuesPerLandmark is x, y, z, visibility.
	ValuesPerLandmark = 4
	// FeatureWidth is the number of numeric columns in a row.
	FeatureWidth = pose.NumLandmarks * ValuesPerLandmark
	// RowWidth counts the trailing label column too.
	RowWidth = FeatureWidth + 1
)

// Row is one frame's flattened landmarks plus its class label.
type Row struct {
	Features [FeatureWidth]float64
	Label    string
}

// Flatten lays landmarks out landmark-major: x0, y0, z0, v0, x1, ...
func Flatten(lms []pose.Landmark) ([FeatureWidth]float64, error) {
	var out [FeatureWidth]float64
	if len(lms) != pose.NumLandmarks {
		return out, fmt.Errorf("expected %d landmarks, got %d", pose.NumLandmarks, len(lms))
	}
	for i, lm := range lms {
		out[i*ValuesPerLandmark] = lm.X
		out[i*ValuesPerLandmark+1] = lm.Y
		out[i*ValuesPerLandmark+2] = lm.Z
		out[i*ValuesPerLandmark+3] = lm.Visibility
	}
	return out, nil
}

// Fields renders the row as RowWidth CSV fields.
func (r Row) Fields() []string {
	fields := make([]string, 0, RowWidth)
	for _, v := range r.Features {
		fields = append(fields, strconv.FormatFloat(v, 'g', -1, 64))
	}
	return append(fields, r.Label)
}

// IsZero reports whether every feature is zero, i.e. a zero-filled miss.
func (r Row) IsZero() bool {
	for _, v := range r.Features {
		if v != 0 {
			return false
		}
	}
	return true
}
