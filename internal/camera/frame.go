// Package camera defines the frame-source contract consumed by the recorder
// and a pion/mediadevices implementation of it.
package camera

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// PixelFormat describes how a frame payload is encoded.
type PixelFormat int

const (
	FormatGray8 PixelFormat = iota
	FormatJPEG
	FormatElementaryStream
)

func (p PixelFormat) String() string {
	switch p {
	case FormatGray8:
		return "gray8"
	case FormatJPEG:
		return "jpeg"
	case FormatElementaryStream:
		return "elementary-stream"
	default:
		return fmt.Sprintf("format(%d)", int(p))
	}
}

// Mode is the sensor operating mode.
type Mode int

const (
	ModeWatch Mode = iota
	ModeRecord
)

func (m Mode) String() string {
	if m == ModeRecord {
		return "record"
	}
	return "watch"
}

var (
	ErrTimeout          = errors.New("camera: frame timeout")
	ErrFrameOutstanding = errors.New("camera: previous frame not released")
	ErrNotInitialized   = errors.New("camera: source not initialized")
)

// Capabilities is what a source reports about its output.
type Capabilities struct {
	DeliversJPEG             bool
	DeliversElementaryStream bool
	RecordWidth              int
	RecordHeight             int
	WatchWidth               int
	WatchHeight              int
}

// Source hands out one frame at a time in the current mode.
// Switching mode while a frame is outstanding is undefined; release first.
type Source interface {
	Init(mode Mode) error
	SetMode(mode Mode) error
	GetFrame(timeout time.Duration) (*Frame, error)
	Capabilities() Capabilities
	Deinit() error
}

// Frame is an exclusively owned view of one captured image. Data must not
// be read after Release.
type Frame struct {
	Data      []byte
	Format    PixelFormat
	Width     int
	Height    int
	Timestamp time.Time

	release  func()
	released atomic.Bool
}

// NewFrame wraps a payload. release runs exactly once, on the first call to
// Release.
func NewFrame(data []byte, format PixelFormat, width, height int, ts time.Time, release func()) *Frame {
	return &Frame{
		Data:      data,
		Format:    format,
		Width:     width,
		Height:    height,
		Timestamp: ts,
		release:   release,
	}
}

// Release returns ownership of the frame to its source. Safe to call more
// than once.
func (f *Frame) Release() {
	if f == nil || !f.released.CompareAndSwap(false, true) {
		return
	}
	f.Data = nil
	if f.release != nil {
		f.release()
	}
}

// Released reports whether Release has been called.
func (f *Frame) Released() bool { return f.released.Load() }

// IsJPEG reports whether the payload is JPEG-formatted and starts with a
// start-of-image marker.
func (f *Frame) IsJPEG() bool {
	return f.Format == FormatJPEG && len(f.Data) > 2 && f.Data[0] == 0xFF && f.Data[1] == 0xD8
}

// Lease enforces the one-outstanding-frame rule for a source.
type Lease struct {
	mu          sync.Mutex
	outstanding bool
}

// Acquire marks a frame as handed out. It fails if the previous one has not
// been released.
func (l *Lease) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.outstanding {
		return ErrFrameOutstanding
	}
	l.outstanding = true
	return nil
}

// Release clears the outstanding mark.
func (l *Lease) Release() {
	l.mu.Lock()
	l.outstanding = false
	l.mu.Unlock()
}

// Outstanding reports whether a frame is currently handed out.
func (l *Lease) Outstanding() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outstanding
}
