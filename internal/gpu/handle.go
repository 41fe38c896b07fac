// Package gpu tracks geometry and material objects allocated by a mode's
// renderer so they can be released exactly once on teardown.
package gpu

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

var ErrAlreadyReleased = errors.New("gpu: handle already released")

type Kind int

const (
	Geometry Kind = iota
	Material
)

func (k Kind) String() string {
	switch k {
	case Geometry:
		return "geometry"
	case Material:
		return "material"
	default:
		return "unknown"
	}
}

// ReleaseFunc frees the underlying renderer object.
type ReleaseFunc func() error

// Handle is one renderer-owned object with an approximate byte size.
type Handle struct {
	id       string
	kind     Kind
	label    string
	bytes    int64
	release  ReleaseFunc
	released atomic.Bool
}

func NewHandle(kind Kind, label string, bytes int64, release ReleaseFunc) *Handle {
	return &Handle{
		id:      uuid.NewString(),
		kind:    kind,
		label:   label,
		bytes:   bytes,
		release: release,
	}
}

func (h *Handle) ID() string { return h.id }
func (h *Handle) Kind() Kind { return h.kind }
func (h *Handle) Label() string { return h.label }
func (h *Handle) Bytes() int64 { return h.bytes }
func (h *Handle) Released() bool { return h.released.Load() }

// Release runs the release callback the first time it is called. Later calls
// return ErrAlreadyReleased. A failing callback still marks the handle
// released; the object is not retried.
func (h *Handle) Release() (err error) {
	if !h.released.CompareAndSwap(false, true) {
		return fmt.Errorf("%s %s (%s): %w", h.kind, h.label, h.id, ErrAlreadyReleased)
	}
	if h.release == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("release %s %s panicked: %v", h.kind, h.label, r)
		}
	}()
	return h.release()
}

// Allocator creates handles on behalf of one mode. The coordinator supplies an
// implementation that registers each handle under the mode being activated.
type Allocator interface {
	Allocate(kind Kind, label string, bytes int64, release ReleaseFunc) (*Handle, error)
}
