// Package labelmap maps action-class names to dense integer indices and back.
package labelmap

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/jszwec/csvutil"
)

var (
	ErrUnknownLabel = errors.New("unknown label")
	ErrBadIndex     = errors.New("label index out of range")
)

// LabelMap is a bidirectional index <-> label table. Indices are dense and
// start at 0, assigned in sorted label order.
type LabelMap struct {
	labels []string
	index  map[string]int
}

// entry is one persisted row of the label map.
type entry struct {
	Index int    `csv:"index"`
	Label string `csv:"label"`
}

// FromLabels builds a map from the distinct values in labels.
func FromLabels(labels []string) *LabelMap {
	seen := make(map[string]bool)
	var distinct []string
	for _, l := range labels {
		if !seen[l] {
			seen[l] = true
			distinct = append(distinct, l)
		}
	}
	sort.Strings(distinct)
	return newMap(distinct)
}

func newMap(ordered []string) *LabelMap {
	m := &LabelMap{labels: ordered, index: make(map[string]int, len(ordered))}
	for i, l := range ordered {
		m.index[l] = i
	}
	return m
}

// Len returns the number of classes.
func (m *LabelMap) Len() int { return len(m.labels) }

// Labels returns the labels in index order.
func (m *LabelMap) Labels() []string { return append([]string(nil), m.labels...) }

// Encode returns the index of label.
func (m *LabelMap) Encode(label string) (int, error) {
	i, ok := m.index[label]
	if !ok {
		return -1, fmt.Errorf("%w: %q", ErrUnknownLabel, label)
	}
	return i, nil
}

// EncodeAll encodes every label, failing on the first unknown one.
func (m *LabelMap) EncodeAll(labels []string) ([]int, error) {
	out := make([]int, len(labels))
	for i, l := range labels {
		idx, err := m.Encode(l)
		if err != nil {
			return nil, err
		}
		out[i] = idx
	}
	return out, nil
}

// Decode returns the label for index i.
func (m *LabelMap) Decode(i int) (string, error) {
	if i < 0 || i >= len(m.labels) {
		return "", fmt.Errorf("%w: %d (have %d labels)", ErrBadIndex, i, len(m.labels))
	}
	return m.labels[i], nil
}

// Save writes the map as an index,label CSV.
func (m *LabelMap) Save(path string) error {
	entries := make([]entry, len(m.labels))
	for i, l := range m.labels {
		entries[i] = entry{Index: i, Label: l}
	}
	data, err := csvutil.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode label map: %w", err)
	}
	return writeFile(path, data)
}

// SaveJSON writes the map as {"0": "left", "1": "right"} for the browser client.
func (m *LabelMap) SaveJSON(path string) error {
	obj := make(map[string]string, len(m.labels))
	for i, l := range m.labels {
		obj[strconv.Itoa(i)] = l
	}
	data, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return err
	}
	return writeFile(path, append(data, '\n'))
}

// Load reads a map written by Save. Indices must be dense and start at 0.
func Load(path string) (*LabelMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec, err := csvutil.NewDecoder(csv.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to read label map header: %w", err)
	}

	var entries []entry
	for {
		var e entry
		if err := dec.Decode(&e); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("failed to decode label map: %w", err)
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Index < entries[j].Index })
	labels := make([]string, len(entries))
	seen := make(map[string]bool, len(entries))
	for i, e := range entries {
		if e.Index != i {
			return nil, fmt.Errorf("label map indices are not dense: got %d at position %d", e.Index, i)
		}
		if seen[e.Label] {
			return nil, fmt.Errorf("label map has duplicate label %q", e.Label)
		}
		seen[e.Label] = true
		labels[i] = e.Label
	}
	return newMap(labels), nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
