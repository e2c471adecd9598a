package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/camera" // registers V4L2/AVFoundation capture drivers
	"github.com/pion/mediadevices/pkg/prop"
	xdraw "golang.org/x/image/draw"

	"github.com/mikeyg42/securitycam/internal/recorder/recorderlog"
)

// MediaSourceConfig configures a MediaSource.
type MediaSourceConfig struct {
	DeviceID     string
	RecordWidth  int
	RecordHeight int
	WatchWidth   int
	WatchHeight  int
	FrameRate    float64
	JPEGQuality  int
	// SettleDelay is how long SetMode blocks to let exposure settle.
	SettleDelay time.Duration
}

// MediaSource captures from a local camera through pion/mediadevices. The
// device runs at record resolution; watch mode downsamples to an 8-bit
// grayscale frame, record mode re-encodes each image as JPEG.
type MediaSource struct {
	cfg    MediaSourceConfig
	logger recorderlog.Logger

	stream mediadevices.MediaStream
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mode        atomic.Int32
	generation  atomic.Uint64
	initialized atomic.Bool

	latest chan *captured
	lease  Lease
	pool   *bufferPool

	// Statistics
	stats struct {
		captured  atomic.Uint64
		converted atomic.Uint64
		stale     atomic.Uint64
		readErrs  atomic.Uint64
	}
}

type captured struct {
	buf        *bytes.Buffer
	data       []byte
	format     PixelFormat
	width      int
	height     int
	ts         time.Time
	generation uint64
}

// NewMediaSource validates the configuration and prepares a source. The
// device is opened by Init.
func NewMediaSource(cfg MediaSourceConfig) (*MediaSource, error) {
	if cfg.RecordWidth <= 0 || cfg.RecordHeight <= 0 {
		return nil, fmt.Errorf("invalid record resolution %dx%d", cfg.RecordWidth, cfg.RecordHeight)
	}
	if cfg.WatchWidth <= 0 || cfg.WatchHeight <= 0 {
		return nil, fmt.Errorf("invalid watch resolution %dx%d", cfg.WatchWidth, cfg.WatchHeight)
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 15
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 80
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}

	return &MediaSource{
		cfg:    cfg,
		logger: recorderlog.L().Named("camera"),
		latest: make(chan *captured, 1),
		pool:   newBufferPool(cfg.RecordWidth * cfg.RecordHeight / 4),
	}, nil
}

// Init opens the device and starts capturing in the given mode.
func (s *MediaSource) Init(mode Mode) error {
	if !s.initialized.CompareAndSwap(false, true) {
		return nil
	}

	constraints := mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			if s.cfg.DeviceID != "" {
				c.DeviceID = prop.String(s.cfg.DeviceID)
			}
			c.Width = prop.IntExact(s.cfg.RecordWidth)
			c.Height = prop.IntExact(s.cfg.RecordHeight)
			c.FrameRate = prop.FloatExact(float32(s.cfg.FrameRate))
		},
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		s.initialized.Store(false)
		return fmt.Errorf("failed to get user media: %w", err)
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		s.initialized.Store(false)
		return fmt.Errorf("no video tracks available")
	}
	videoTrack, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		s.initialized.Store(false)
		return fmt.Errorf("track is not a VideoTrack: %T", tracks[0])
	}

	s.stream = stream
	s.mode.Store(int32(mode))
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.captureLoop(videoTrack)

	s.logger.Info("Camera initialized",
		recorderlog.String("mode", mode.String()),
		recorderlog.Int("record_width", s.cfg.RecordWidth),
		recorderlog.Int("record_height", s.cfg.RecordHeight),
		recorderlog.Int("watch_width", s.cfg.WatchWidth),
		recorderlog.Int("watch_height", s.cfg.WatchHeight))
	return nil
}

// SetMode switches the output conversion, drops anything captured before the
// switch and blocks for the configured settle delay.
func (s *MediaSource) SetMode(mode Mode) error {
	if !s.initialized.Load() {
		return ErrNotInitialized
	}
	s.mode.Store(int32(mode))
	s.generation.Add(1)
	s.drain()

	if s.cfg.SettleDelay > 0 {
		time.Sleep(s.cfg.SettleDelay)
	}
	s.logger.Debug("Camera mode switched", recorderlog.String("mode", mode.String()))
	return nil
}

// GetFrame waits up to timeout for the next frame in the current mode.
func (s *MediaSource) GetFrame(timeout time.Duration) (*Frame, error) {
	if !s.initialized.Load() {
		return nil, ErrNotInitialized
	}
	if err := s.lease.Acquire(); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case c := <-s.latest:
			if c.generation != s.generation.Load() {
				s.stats.stale.Add(1)
				s.pool.Put(c.buf)
				continue
			}
			buf := c.buf
			return NewFrame(c.data, c.format, c.width, c.height, c.ts, func() {
				s.pool.Put(buf)
				s.lease.Release()
			}), nil
		case <-timer.C:
			s.lease.Release()
			return nil, ErrTimeout
		}
	}
}

// Capabilities reports the JPEG record path and both resolutions.
func (s *MediaSource) Capabilities() Capabilities {
	return Capabilities{
		DeliversJPEG: true,
		RecordWidth:  s.cfg.RecordWidth,
		RecordHeight: s.cfg.RecordHeight,
		WatchWidth:   s.cfg.WatchWidth,
		WatchHeight:  s.cfg.WatchHeight,
	}
}

// Deinit stops capture and closes the device.
func (s *MediaSource) Deinit() error {
	if !s.initialized.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()

	var firstErr error
	for _, track := range s.stream.GetTracks() {
		if err := track.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close track: %w", err)
		}
	}
	s.wg.Wait()
	s.drain()

	ps := s.pool.Stats()
	s.logger.Info("Camera stopped",
		recorderlog.Uint64("captured", s.stats.captured.Load()),
		recorderlog.Uint64("stale_dropped", s.stats.stale.Load()),
		recorderlog.Uint64("read_errors", s.stats.readErrs.Load()),
		recorderlog.Uint64("pool_misses", ps.Misses))
	return firstErr
}

func (s *MediaSource) captureLoop(track *mediadevices.VideoTrack) {
	defer s.wg.Done()

	reader := track.NewReader(false)
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		img, release, err := reader.Read()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.stats.readErrs.Add(1)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		s.stats.captured.Add(1)

		c, err := s.convert(img)
		if release != nil {
			release()
		}
		if err != nil {
			s.logger.Warn("Frame conversion failed", recorderlog.Error(err))
			continue
		}
		s.publish(c)
	}
}

func (s *MediaSource) convert(img image.Image) (*captured, error) {
	if img == nil {
		return nil, fmt.Errorf("nil image")
	}
	gen := s.generation.Load()
	buf := s.pool.Get()

	c := &captured{buf: buf, ts: time.Now(), generation: gen}
	switch Mode(s.mode.Load()) {
	case ModeWatch:
		c.data = grayscale(img, s.cfg.WatchWidth, s.cfg.WatchHeight, buf)
		c.format = FormatGray8
		c.width, c.height = s.cfg.WatchWidth, s.cfg.WatchHeight
	default:
		data, err := encodeJPEG(img, s.cfg.JPEGQuality, buf)
		if err != nil {
			s.pool.Put(buf)
			return nil, err
		}
		c.data = data
		c.format = FormatJPEG
		b := img.Bounds()
		c.width, c.height = b.Dx(), b.Dy()
	}
	s.stats.converted.Add(1)
	return c, nil
}

// publish keeps only the newest frame.
func (s *MediaSource) publish(c *captured) {
	for {
		select {
		case s.latest <- c:
			return
		default:
		}
		select {
		case old := <-s.latest:
			s.pool.Put(old.buf)
		default:
		}
	}
}

func (s *MediaSource) drain() {
	for {
		select {
		case old := <-s.latest:
			s.pool.Put(old.buf)
		default:
			return
		}
	}
}

// grayscale scales img to w×h 8-bit luma, using buf as backing storage.
func grayscale(img image.Image, w, h int, buf *bytes.Buffer) []byte {
	n := w * h
	buf.Grow(n)
	pix := buf.AvailableBuffer()[:n]

	dst := &image.Gray{Pix: pix, Stride: w, Rect: image.Rect(0, 0, w, h)}
	xdraw.ApproxBiLinear.Scale(dst, dst.Rect, img, img.Bounds(), xdraw.Src, nil)
	return dst.Pix
}

func encodeJPEG(img image.Image, quality int, buf *bytes.Buffer) ([]byte, error) {
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
