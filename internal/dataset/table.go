// Package dataset persists keypoint rows as a CSV table and assembles tables
// from directories of labeled videos.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/andresmejia3/posepipe/internal/keypoints"
	"github.com/andresmejia3/posepipe/internal/pose"
)

// LabelColumn is the name of the trailing label column.
const LabelColumn = "label"

var coordNames = [keypoints.ValuesPerLandmark]string{"x", "y", "z", "v"}

var (
	// ErrBadHeader is returned when a table's header does not match Columns.
	ErrBadHeader = errors.New("dataset header does not match keypoint schema")
	// ErrEmpty is returned when a table has a header but no rows.
	ErrEmpty = errors.New("dataset has no rows")
)

// Mode selects how Write treats an existing table.
type Mode int

const (
	Overwrite Mode = iota
	// Append adds rows to an existing table. Extracting the same video twice
	// in append mode duplicates its rows.
	Append
)

func (m Mode) String() string {
	if m == Append {
		return "append"
	}
	return "overwrite"
}

// ParseMode accepts "overwrite" or "append".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "overwrite", "":
		return Overwrite, nil
	case "append":
		return Append, nil
	}
	return Overwrite, fmt.Errorf("unknown write mode %q (want overwrite or append)", s)
}

// Columns is the table header: x0,y0,z0,v0,...,x32,y32,z32,v32,label.
// Every writer and reader goes through this function.
func Columns() []string {
	cols := make([]string, 0, keypoints.RowWidth)
	for i := 0; i < pose.NumLandmarks; i++ {
		for _, c := range coordNames {
			cols = append(cols, c+strconv.Itoa(i))
		}
	}
	return append(cols, LabelColumn)
}

// Write persists rows to path. In Append mode the header is only written
// when the file is new or empty; an existing header must match Columns,
// otherwise ErrBadHeader is returned and the file is left untouched.
func Write(path string, rows []keypoints.Row, mode Mode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create dataset directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if mode == Append {
		flags = os.O_CREATE | os.O_RDWR | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	if mode == Append && info.Size() > 0 {
		header, err := csv.NewReader(f).Read()
		if err != nil && !errors.Is(err, csv.ErrFieldCount) {
			return fmt.Errorf("failed to read existing header: %w", err)
		}
		if err := checkHeader(header); err != nil {
			return err
		}
	}

	w := csv.NewWriter(f)
	if mode == Overwrite || info.Size() == 0 {
		if err := w.Write(Columns()); err != nil {
			return err
		}
	}
	for _, r := range rows {
		if err := w.Write(r.Fields()); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write dataset: %w", err)
	}
	return f.Close()
}

// Table is a loaded dataset: one feature vector and one label per row.
type Table struct {
	Features [][]float64
	Labels   []string
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.Labels) }

// Read loads and validates a table written by Write.
func Read(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// checkHeader reports ErrBadHeader unless header equals Columns.
func checkHeader(header []string) error {
	want := Columns()
	if len(header) != len(want) {
		return fmt.Errorf("%w: %d columns, want %d", ErrBadHeader, len(header), len(want))
	}
	for i := range want {
		if header[i] != want[i] {
			return fmt.Errorf("%w: column %d is %q, want %q", ErrBadHeader, i, header[i], want[i])
		}
	}
	return nil
}

// Decode parses a table from r.
func Decode(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = keypoints.RowWidth
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmpty
	}
	if err != nil && !errors.Is(err, csv.ErrFieldCount) {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if err := checkHeader(header); err != nil {
		return nil, err
	}
	want := Columns()

	t := &Table{}
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		features := make([]float64, keypoints.FeatureWidth)
		for i := 0; i < keypoints.FeatureWidth; i++ {
			v, err := strconv.ParseFloat(rec[i], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d, column %s: %w", line, want[i], err)
			}
			features[i] = v
		}
		label := rec[keypoints.FeatureWidth]
		if label == "" {
			return nil, fmt.Errorf("line %d: empty label", line)
		}
		t.Features = append(t.Features, features)
		t.Labels = append(t.Labels, label)
	}
	if t.Len() == 0 {
		return nil, ErrEmpty
	}
	return t, nil
}
