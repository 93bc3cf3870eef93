package dataset

import (
	"fmt"
	"path/filepath"
	"strings"
)

// LabelFunc derives a class label from a video path. Implementations decide
// which part of the path carries the label.
type LabelFunc func(name string) (string, error)

// PrefixLabel returns the text before the first underscore: "left_01.mp4" -> "left".
// Names without an underscore use the whole stem: "squat.mp4" -> "squat".
func PrefixLabel(name string) (string, error) {
	base := filepath.Base(name)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	label, _, _ := strings.Cut(stem, "_")
	label = strings.TrimSpace(label)
	if label == "" {
		return "", fmt.Errorf("cannot derive label from %q", base)
	}
	return label, nil
}

// FixedLabel labels every video with the same class.
func FixedLabel(label string) LabelFunc {
	return func(string) (string, error) {
		if label == "" {
			return "", fmt.Errorf("empty label")
		}
		return label, nil
	}
}

// DirLabel uses the name of the video's parent directory: "raw/left/01.mp4" -> "left".
// Useful for datasets organized one folder per class.
func DirLabel(name string) (string, error) {
	dir := filepath.Base(filepath.Dir(name))
	if dir == "." || dir == string(filepath.Separator) || dir == "" {
		return "", fmt.Errorf("cannot derive label from directory of %q", name)
	}
	return dir, nil
}

// LabelFuncByName resolves a label policy name used on the command line.
func LabelFuncByName(name string) (LabelFunc, error) {
	switch name {
	case "prefix", "":
		return PrefixLabel, nil
	case "dir":
		return DirLabel, nil
	}
	return nil, fmt.Errorf("unknown label policy %q (want prefix or dir)", name)
}
