package clip

import (
	"bufio"
	"errors"
	"fmt"
	"os"

	"github.com/mikeyg42/securitycam/internal/camera"
	"github.com/mikeyg42/securitycam/internal/recorder/recorderlog"
)

// StreamWriter appends already-encoded elementary stream units verbatim.
// There is no container framing and nothing to patch on close.
type StreamWriter struct {
	dir    Dir
	logger recorderlog.Logger

	file   *os.File
	writer *bufio.Writer
	id     string
	frames int
	size   int64
}

func NewStreamWriter(dir Dir) *StreamWriter {
	return &StreamWriter{dir: dir, logger: recorderlog.L().Named("stream-writer")}
}

func (w *StreamWriter) Ext() string                { return ExtStream }
func (w *StreamWriter) Format() camera.PixelFormat { return camera.FormatElementaryStream }
func (w *StreamWriter) Frames() int                { return w.frames }
func (w *StreamWriter) Bytes() int64               { return w.size }

func (w *StreamWriter) Begin(id string) error {
	if w.file != nil {
		return ErrAlreadyOpen
	}
	path := w.dir.PartialPath(id, ExtStream)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create clip %s: %w", path, err)
	}
	w.file = f
	w.writer = bufio.NewWriterSize(f, aviBufferSize)
	w.id = id
	w.frames = 0
	w.size = 0
	w.logger.Info("Clip opened", recorderlog.String("path", path))
	return nil
}

func (w *StreamWriter) WriteFrame(f *camera.Frame) error {
	if w.file == nil {
		return ErrNotOpen
	}
	n, err := w.writer.Write(f.Data)
	w.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write stream unit %d: %w", w.frames, err)
	}
	w.frames++
	return nil
}

// End flushes and closes the clip, then publishes it under its final name.
// The file is published even when flushing failed so it is not orphaned.
func (w *StreamWriter) End() error {
	if w.file == nil {
		return ErrNotOpen
	}
	err := w.finish()
	w.file = nil
	w.writer = nil
	if perr := w.dir.publish(w.id, ExtStream); perr != nil {
		return errors.Join(err, perr)
	}
	if err != nil {
		return err
	}
	w.logger.Info("Clip closed",
		recorderlog.String("clip", w.id),
		recorderlog.Int("units", w.frames),
		recorderlog.Int64("bytes", w.size))
	return nil
}

func (w *StreamWriter) finish() error {
	f := w.file
	if err := w.writer.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush clip: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync clip: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close clip: %w", err)
	}
	return nil
}
