package motion

import (
	"fmt"
	"sync/atomic"

	"github.com/mikeyg42/securitycam/internal/camera"
	"github.com/mikeyg42/securitycam/internal/recorder/recorderlog"
)

const (
	DefaultPixelThreshold = 40
	DefaultWarmupFrames   = 30
)

// Config holds motion detection parameters.
type Config struct {
	Width  int
	Height int
	// TriggerThreshold is the changed-pixel count that starts a recording.
	TriggerThreshold int
	// PixelThreshold is the per-pixel absolute difference that counts as change.
	PixelThreshold int
	// WarmupFrames is the number of frames after init or Reset that only
	// refresh the reference.
	WarmupFrames int
}

// Detector scores successive grayscale frames by single-step frame
// differencing against the previous frame.
type Detector struct {
	cfg       Config
	reference []byte
	warmup    int
	logger    recorderlog.Logger

	scored  atomic.Uint64
	skipped atomic.Uint64
}

// NewDetector allocates the reference buffer for the configured resolution.
func NewDetector(cfg Config) (*Detector, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid motion resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.TriggerThreshold <= 0 {
		return nil, fmt.Errorf("trigger threshold must be positive, got %d", cfg.TriggerThreshold)
	}
	if cfg.PixelThreshold <= 0 {
		cfg.PixelThreshold = DefaultPixelThreshold
	}
	if cfg.WarmupFrames <= 0 {
		cfg.WarmupFrames = DefaultWarmupFrames
	}

	d := &Detector{
		cfg:       cfg,
		reference: make([]byte, cfg.Width*cfg.Height),
		warmup:    cfg.WarmupFrames,
		logger:    recorderlog.L().Named("motion"),
	}
	d.logger.Info("Motion detector initialized",
		recorderlog.Int("width", cfg.Width),
		recorderlog.Int("height", cfg.Height),
		recorderlog.Int("trigger_threshold", cfg.TriggerThreshold),
		recorderlog.Int("pixel_threshold", cfg.PixelThreshold),
		recorderlog.Int("warmup_frames", cfg.WarmupFrames))
	return d, nil
}

// Score returns the number of pixels that changed by more than the pixel
// threshold since the previous frame, then makes f the new reference.
// Warm-up frames and frames of the wrong format or size score 0.
func (d *Detector) Score(f *camera.Frame) int {
	if f == nil || d.reference == nil {
		return 0
	}
	if f.Format != camera.FormatGray8 {
		d.skipped.Add(1)
		d.logger.Warn("Motion detector expects gray8 frames",
			recorderlog.String("format", f.Format.String()))
		return 0
	}
	if len(f.Data) != len(d.reference) {
		d.skipped.Add(1)
		d.logger.Warn("Motion frame size mismatch",
			recorderlog.Int("got", len(f.Data)),
			recorderlog.Int("want", len(d.reference)))
		return 0
	}

	if d.warmup > 0 {
		copy(d.reference, f.Data)
		d.warmup--
		return 0
	}

	threshold := d.cfg.PixelThreshold
	changed := 0
	for i, p := range f.Data {
		diff := int(p) - int(d.reference[i])
		if diff < 0 {
			diff = -diff
		}
		if diff > threshold {
			changed++
		}
	}
	copy(d.reference, f.Data)
	d.scored.Add(1)

	return changed
}

// Triggered reports whether score reaches the trigger threshold.
func (d *Detector) Triggered(score int) bool {
	return score >= d.cfg.TriggerThreshold
}

// Threshold returns the trigger threshold.
func (d *Detector) Threshold() int { return d.cfg.TriggerThreshold }

// Reset restarts the full warm-up, e.g. after a sensor mode change.
func (d *Detector) Reset() {
	d.warmup = d.cfg.WarmupFrames
}

// QuickReset re-warms on a single frame, for re-entering watch mode
// without a sensor reinit.
func (d *Detector) QuickReset() {
	d.warmup = 1
}

// WarmupRemaining returns how many warm-up frames are still pending.
func (d *Detector) WarmupRemaining() int { return d.warmup }

// Close releases the reference buffer. Score returns 0 afterwards.
func (d *Detector) Close() {
	d.reference = nil
	d.logger.Debug("Motion detector closed",
		recorderlog.Uint64("scored", d.scored.Load()),
		recorderlog.Uint64("skipped", d.skipped.Load()))
}
