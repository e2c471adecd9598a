// Package clip writes recorded frames into clip files and manages the clip
// directory naming convention.
package clip

import (
	"errors"
	"fmt"
	"time"

	"github.com/mikeyg42/securitycam/internal/camera"
	"github.com/mikeyg42/securitycam/internal/recorder/recorderlog"
)

var (
	ErrIndexFull         = errors.New("clip: index capacity reached")
	ErrNotOpen           = errors.New("clip: no clip open")
	ErrAlreadyOpen       = errors.New("clip: clip already open")
	ErrUnsupportedSource = errors.New("clip: source delivers neither JPEG nor elementary stream")
)

const (
	ExtAVI    = ".avi"
	ExtStream = ".h264"

	DefaultFPS        = 10
	DefaultMaxSeconds = 60
)

// Writer appends frames to one clip at a time.
type Writer interface {
	// Begin opens <dir>/<id><ext>.part.
	Begin(id string) error
	// WriteFrame appends one frame to the open clip.
	WriteFrame(f *camera.Frame) error
	// End finalizes and closes the open clip and renames it to <id><ext>.
	End() error

	// Ext is the video file extension, including the dot.
	Ext() string
	// Format is the frame format the backend accepts.
	Format() camera.PixelFormat
	// Frames is the number of frames written to the current (or last) clip.
	Frames() int
	// Bytes is the size of the current (or last) clip file.
	Bytes() int64
}

// Options configures the writer backends.
type Options struct {
	Dir        Dir
	FPS        int
	MaxSeconds int
}

// Configure picks the backend once from what the source delivers.
func Configure(caps camera.Capabilities, opts Options) (Writer, error) {
	if opts.FPS <= 0 {
		opts.FPS = DefaultFPS
	}
	if opts.MaxSeconds <= 0 {
		opts.MaxSeconds = DefaultMaxSeconds
	}
	logger := recorderlog.L().Named("clip-writer")

	switch {
	case caps.DeliversJPEG:
		if caps.RecordWidth <= 0 || caps.RecordHeight <= 0 {
			return nil, fmt.Errorf("invalid record resolution %dx%d", caps.RecordWidth, caps.RecordHeight)
		}
		logger.Info("Clip backend selected",
			recorderlog.String("backend", "avi-mjpeg"),
			recorderlog.Int("width", caps.RecordWidth),
			recorderlog.Int("height", caps.RecordHeight),
			recorderlog.Int("fps", opts.FPS))
		return NewAVIWriter(opts.Dir, caps.RecordWidth, caps.RecordHeight, opts.FPS, opts.MaxSeconds*opts.FPS), nil
	case caps.DeliversElementaryStream:
		logger.Info("Clip backend selected", recorderlog.String("backend", "elementary-stream"))
		return NewStreamWriter(opts.Dir), nil
	default:
		return nil, ErrUnsupportedSource
	}
}

// NewID builds a clip identifier <device>_YYYYMMDD_HHMMSS in UTC.
func NewID(device string, t time.Time) string {
	return device + "_" + t.UTC().Format("20060102_150405")
}
