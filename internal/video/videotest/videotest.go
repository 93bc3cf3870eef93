// Package videotest provides an in-memory video.Decoder for tests.
package videotest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/andresmejia3/posepipe/internal/video"
)

// Decoder serves a fixed number of synthetic frames per path. Paths missing
// from Frames behave like unreadable files: no frames, and Close fails.
type Decoder struct {
	Frames map[string]int
	// FailAfter stops decoding of a path with an error after N frames.
	FailAfter map[string]int

	mu     sync.Mutex
	opened []string
	open   int
}

func (d *Decoder) Open(ctx context.Context, path string) (video.FrameReader, error) {
	d.mu.Lock()
	d.opened = append(d.opened, path)
	d.open++
	d.mu.Unlock()

	n, ok := d.Frames[path]
	failAfter, fails := d.FailAfter[path]
	return &reader{d: d, path: path, total: n, known: ok, failAfter: failAfter, fails: fails}, nil
}

// Opened lists the paths opened so far, in order.
func (d *Decoder) Opened() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.opened...)
}

// OpenReaders counts readers that were opened but not closed yet.
func (d *Decoder) OpenReaders() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

type reader struct {
	d         *Decoder
	path      string
	total     int
	known     bool
	failAfter int
	fails     bool
	served    int
	closed    bool
}

func (r *reader) Next() ([]byte, error) {
	if r.fails && r.served >= r.failAfter {
		return nil, fmt.Errorf("corrupt packet in %s", r.path)
	}
	if r.served >= r.total {
		return nil, io.EOF
	}
	r.served++
	// JPEG markers around the frame index keep frames distinguishable
	return []byte{byte(r.served), 0xFF, 0xD8, 0xFF, 0xD9}, nil
}

func (r *reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.d.mu.Lock()
	r.d.open--
	r.d.mu.Unlock()
	if !r.known {
		return fmt.Errorf("%s: no such file or directory", r.path)
	}
	return nil
}
