// internal/recorder/recorder.go
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/securitycam/internal/camera"
	"github.com/mikeyg42/securitycam/internal/clip"
	"github.com/mikeyg42/securitycam/internal/recorder/recorderlog"
	"github.com/mikeyg42/securitycam/internal/recorder/storage"
	"github.com/mikeyg42/securitycam/internal/status"
)

// State is the recorder's operating state.
type State int

const (
	StateWatch State = iota
	StateRecord
)

func (s State) String() string {
	if s == StateRecord {
		return "record"
	}
	return "watch"
}

// StopReason says why a clip was closed.
type StopReason string

const (
	StopMaxDuration StopReason = "max_duration"
	StopMotionGone  StopReason = "motion_gone"
	StopShutdown    StopReason = "shutdown"
)

// Config holds the recording policy.
type Config struct {
	Device            string
	FPS               int
	MaxClipDuration   time.Duration
	MotionStopTimeout time.Duration
	MinFrames         int
	DiscardFrames     int
	JPEGMotionBytes   int
	FrameTimeout      time.Duration
	RetryDelay        time.Duration
	// MinFreeBytes refuses to start a clip when the clip directory has less
	// space available. Zero disables the check.
	MinFreeBytes uint64
}

func (c *Config) applyDefaults() {
	if c.Device == "" {
		c.Device = "cam"
	}
	if c.FPS <= 0 {
		c.FPS = clip.DefaultFPS
	}
	if c.MaxClipDuration <= 0 {
		c.MaxClipDuration = clip.DefaultMaxSeconds * time.Second
	}
	if c.MotionStopTimeout <= 0 {
		c.MotionStopTimeout = 8 * time.Second
	}
	if c.MinFrames <= 0 {
		c.MinFrames = 5
	}
	if c.DiscardFrames < 0 {
		c.DiscardFrames = 0
	}
	if c.JPEGMotionBytes <= 0 {
		c.JPEGMotionBytes = 500
	}
	if c.FrameTimeout <= 0 {
		c.FrameTimeout = time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 10 * time.Millisecond
	}
}

// Detector scores watch-mode frames.
type Detector interface {
	Score(f *camera.Frame) int
	Triggered(score int) bool
	Reset()
	QuickReset()
}

// Enqueuer takes finished clip ids without blocking.
type Enqueuer interface {
	Enqueue(id string) bool
}

// Journal records finished clips.
type Journal interface {
	RecordClip(ctx context.Context, rec storage.ClipRecord) error
}

// Telemetry receives recorder counters.
type Telemetry interface {
	ClipFinished(reason string, frames int, bytes int64)
	HandoffDropped()
	RecordError()
	MotionScore(score int)
}

// Deps are the collaborators owned by the recorder loop.
type Deps struct {
	Source    camera.Source
	Detector  Detector
	Writer    clip.Writer
	Dir       clip.Dir
	Handoff   Enqueuer
	Sink      status.Sink
	Journal   Journal
	Telemetry Telemetry
	Logger    recorderlog.Logger
}

// Metrics tracks recorder activity.
type Metrics struct {
	FramesScored   atomic.Uint64
	FramesWritten  atomic.Uint64
	FramesSkipped  atomic.Uint64
	ClipsStarted   atomic.Uint64
	ClipsEnded     atomic.Uint64
	HandoffDropped atomic.Uint64
	SourceErrors   atomic.Uint64
	Errors         atomic.Uint64
}

// session is the bookkeeping for the open clip.
type session struct {
	id         string
	start      time.Time
	lastMotion time.Time
	nextDue    time.Time
	frames     int
	thumbSaved bool
	prevLen    int
	indexFull  bool
}

// Status is a point-in-time view for readers outside the loop.
type Status struct {
	State      string    `json:"state"`
	Clip       string    `json:"clip,omitempty"`
	ClipStart  time.Time `json:"clip_start,omitempty"`
	ClipFrames int       `json:"clip_frames"`
}

// Recorder is the WATCH/RECORD state machine. Run owns every collaborator
// in Deps; only Status and GetMetrics may be called from other goroutines.
type Recorder struct {
	cfg       Config
	source    camera.Source
	detector  Detector
	writer    clip.Writer
	dir       clip.Dir
	handoff   Enqueuer
	sink      status.Sink
	journal   Journal
	telemetry Telemetry
	logger    recorderlog.Logger
	metrics   *Metrics

	now   func() time.Time
	sleep func(time.Duration)

	state    State
	session  session
	interval time.Duration

	mu        sync.RWMutex
	published Status
}

// New builds a recorder. Source, Detector, Writer and Handoff are required.
func New(cfg Config, deps Deps) (*Recorder, error) {
	cfg.applyDefaults()
	if deps.Source == nil || deps.Detector == nil || deps.Writer == nil || deps.Handoff == nil {
		return nil, errors.New("recorder needs a source, detector, writer and handoff")
	}
	if deps.Sink == nil {
		deps.Sink = status.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = recorderlog.L()
	}
	r := &Recorder{
		cfg:       cfg,
		source:    deps.Source,
		detector:  deps.Detector,
		writer:    deps.Writer,
		dir:       deps.Dir,
		handoff:   deps.Handoff,
		sink:      deps.Sink,
		journal:   deps.Journal,
		telemetry: deps.Telemetry,
		logger:    deps.Logger.Named("recorder"),
		metrics:   &Metrics{},
		now:       time.Now,
		sleep:     time.Sleep,
		state:     StateWatch,
		interval:  time.Second / time.Duration(cfg.FPS),
	}
	r.publish()
	return r, nil
}

// Run drives the state machine until ctx ends. A clip still open at that
// point is closed and handed off before Run returns.
func (r *Recorder) Run(ctx context.Context) error {
	r.logger.Info("Recorder started",
		recorderlog.String("device", r.cfg.Device),
		recorderlog.String("backend", r.writer.Ext()),
		recorderlog.Int("fps", r.cfg.FPS),
		recorderlog.Duration("max_clip", r.cfg.MaxClipDuration),
		recorderlog.Duration("motion_stop_timeout", r.cfg.MotionStopTimeout))
	defer r.reportMetrics()

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		default:
		}
		if err := r.step(ctx); err != nil {
			r.metrics.Errors.Add(1)
			if r.telemetry != nil {
				r.telemetry.RecordError()
			}
			r.logger.Error("Recording step failed", recorderlog.Error(err))
		}
	}
}

// step handles exactly one frame from the source.
func (r *Recorder) step(ctx context.Context) error {
	defer r.publish()

	frame, err := r.source.GetFrame(r.cfg.FrameTimeout)
	if err != nil {
		r.metrics.SourceErrors.Add(1)
		if !errors.Is(err, camera.ErrTimeout) {
			r.logger.Warn("Frame source error", recorderlog.Error(err))
		}
		r.sleep(r.cfg.RetryDelay)
		return nil
	}

	if r.state == StateWatch {
		return r.watch(frame)
	}
	return r.record(ctx, frame)
}

func (r *Recorder) watch(frame *camera.Frame) error {
	score := r.detector.Score(frame)
	frame.Release()
	r.metrics.FramesScored.Add(1)
	if r.telemetry != nil {
		r.telemetry.MotionScore(score)
	}
	if !r.detector.Triggered(score) {
		return nil
	}

	r.logger.Info("Motion detected", recorderlog.Int("score", score))
	if err := r.source.SetMode(camera.ModeRecord); err != nil {
		r.logger.Warn("Could not switch to record mode; still watching", recorderlog.Error(err))
		r.detector.QuickReset()
		return nil
	}
	for i := 0; i < r.cfg.DiscardFrames; i++ {
		if f, err := r.source.GetFrame(r.cfg.FrameTimeout); err == nil {
			f.Release()
		}
	}
	return r.beginClip()
}

func (r *Recorder) beginClip() error {
	now := r.now()
	if err := r.checkDiskSpace(); err != nil {
		r.toWatch()
		return err
	}

	id := clip.NewID(r.cfg.Device, now)
	if err := r.writer.Begin(id); err != nil {
		r.toWatch()
		return fmt.Errorf("failed to begin clip %s: %w", id, err)
	}
	r.session = session{id: id, start: now, lastMotion: now, nextDue: now}
	r.state = StateRecord
	r.metrics.ClipsStarted.Add(1)
	r.sink.Recording(true, 0)
	r.logger.Info("Clip started", recorderlog.String("clip", id))
	return nil
}

func (r *Recorder) record(ctx context.Context, frame *camera.Frame) error {
	now := r.now()
	s := &r.session

	if !s.thumbSaved && frame.IsJPEG() {
		if err := r.dir.SaveThumbnail(s.id, frame.Data); err != nil {
			r.logger.Warn("Thumbnail not saved; will retry", recorderlog.String("clip", s.id), recorderlog.Error(err))
		} else {
			s.thumbSaved = true
		}
	}

	var writeErr error
	if !now.Before(s.nextDue) {
		writeErr = r.writeFrame(frame)
		s.nextDue = s.nextDue.Add(r.interval)
		if s.nextDue.Before(now) {
			s.nextDue = now.Add(r.interval)
		}
	}

	if frame.Format == camera.FormatJPEG {
		n := len(frame.Data)
		if s.prevLen > 0 && absInt(n-s.prevLen) > r.cfg.JPEGMotionBytes {
			s.lastMotion = now
		}
		s.prevLen = n
	}
	frame.Release()

	if writeErr != nil {
		id := s.id
		r.abandon()
		return fmt.Errorf("failed to write frame to clip %s: %w", id, writeErr)
	}

	elapsed := now.Sub(s.start)
	r.sink.Recording(true, elapsed)

	switch {
	case elapsed >= r.cfg.MaxClipDuration:
		if err := r.finishClip(ctx, StopMaxDuration); err != nil {
			r.abandon()
			return err
		}
		return r.beginClip()
	case now.Sub(s.lastMotion) >= r.cfg.MotionStopTimeout && s.frames >= r.cfg.MinFrames:
		if err := r.finishClip(ctx, StopMotionGone); err != nil {
			r.abandon()
			return err
		}
		r.toWatch()
	}
	return nil
}

func (r *Recorder) writeFrame(frame *camera.Frame) error {
	s := &r.session
	if s.indexFull || frame.Format != r.writer.Format() {
		r.metrics.FramesSkipped.Add(1)
		return nil
	}
	if err := r.writer.WriteFrame(frame); err != nil {
		if errors.Is(err, clip.ErrIndexFull) {
			s.indexFull = true
			r.metrics.FramesSkipped.Add(1)
			r.logger.Warn("Clip index full; dropping frames until the clip closes",
				recorderlog.String("clip", s.id),
				recorderlog.Int("frames", s.frames))
			return nil
		}
		return err
	}
	s.frames++
	r.metrics.FramesWritten.Add(1)
	return nil
}

// finishClip closes the open clip and hands it to the uploader.
func (r *Recorder) finishClip(ctx context.Context, reason StopReason) error {
	s := r.session
	if err := r.writer.End(); err != nil {
		return fmt.Errorf("failed to finalize clip %s: %w", s.id, err)
	}
	end := r.now()
	frames, size := r.writer.Frames(), r.writer.Bytes()
	r.metrics.ClipsEnded.Add(1)
	if r.telemetry != nil {
		r.telemetry.ClipFinished(string(reason), frames, size)
	}
	r.logger.Info("Clip closed",
		recorderlog.String("clip", s.id),
		recorderlog.String("reason", string(reason)),
		recorderlog.Int("frames", frames),
		recorderlog.Int64("bytes", size),
		recorderlog.Duration("duration", end.Sub(s.start)))

	if r.journal != nil {
		jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		err := r.journal.RecordClip(jctx, storage.ClipRecord{
			ClipID:     s.id,
			StartedAt:  s.start,
			EndedAt:    end,
			Frames:     frames,
			Bytes:      size,
			StopReason: string(reason),
		})
		cancel()
		if err != nil {
			r.logger.Warn("Clip journal update failed", recorderlog.Error(err))
		}
	}

	if !r.handoff.Enqueue(s.id) {
		r.metrics.HandoffDropped.Add(1)
		if r.telemetry != nil {
			r.telemetry.HandoffDropped()
		}
	}
	return nil
}

// abandon closes whatever is open and returns to watch. The partial file
// stays on disk for a later bulk requeue.
func (r *Recorder) abandon() {
	if err := r.writer.End(); err != nil && !errors.Is(err, clip.ErrNotOpen) {
		r.logger.Warn("Abandoned clip did not close cleanly",
			recorderlog.String("clip", r.session.id),
			recorderlog.Error(err))
	}
	r.toWatch()
}

func (r *Recorder) toWatch() {
	if err := r.source.SetMode(camera.ModeWatch); err != nil {
		r.logger.Warn("Could not switch to watch mode", recorderlog.Error(err))
	}
	r.detector.Reset()
	r.state = StateWatch
	r.session = session{}
	r.sink.Recording(false, 0)
}

func (r *Recorder) shutdown() {
	if r.state != StateRecord {
		return
	}
	if err := r.finishClip(context.Background(), StopShutdown); err != nil {
		r.logger.Error("Failed to close clip on shutdown", recorderlog.Error(err))
	}
	r.state = StateWatch
	r.session = session{}
	r.sink.Recording(false, 0)
	r.publish()
}

// checkDiskSpace verifies the clip directory can take another clip.
func (r *Recorder) checkDiskSpace() error {
	if r.cfg.MinFreeBytes == 0 {
		return nil
	}
	free, err := r.dir.FreeBytes()
	if err != nil {
		r.logger.Warn("Free space check failed", recorderlog.Error(err))
		return nil
	}
	if free < r.cfg.MinFreeBytes {
		return fmt.Errorf("insufficient disk space: %d bytes available, %d required", free, r.cfg.MinFreeBytes)
	}
	return nil
}

func (r *Recorder) publish() {
	st := Status{State: r.state.String()}
	if r.state == StateRecord {
		st.Clip = r.session.id
		st.ClipStart = r.session.start
		st.ClipFrames = r.session.frames
	}
	r.mu.Lock()
	r.published = st
	r.mu.Unlock()
}

// Status returns the state as of the last processed frame.
func (r *Recorder) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.published
}

// GetMetrics returns recorder counters.
func (r *Recorder) GetMetrics() map[string]uint64 {
	return map[string]uint64{
		"frames_scored":   r.metrics.FramesScored.Load(),
		"frames_written":  r.metrics.FramesWritten.Load(),
		"frames_skipped":  r.metrics.FramesSkipped.Load(),
		"clips_started":   r.metrics.ClipsStarted.Load(),
		"clips_ended":     r.metrics.ClipsEnded.Load(),
		"handoff_dropped": r.metrics.HandoffDropped.Load(),
		"source_errors":   r.metrics.SourceErrors.Load(),
		"errors":          r.metrics.Errors.Load(),
	}
}

func (r *Recorder) reportMetrics() {
	r.logger.Info("Recorder metrics",
		recorderlog.Uint64("frames_scored", r.metrics.FramesScored.Load()),
		recorderlog.Uint64("frames_written", r.metrics.FramesWritten.Load()),
		recorderlog.Uint64("frames_skipped", r.metrics.FramesSkipped.Load()),
		recorderlog.Uint64("clips_started", r.metrics.ClipsStarted.Load()),
		recorderlog.Uint64("clips_ended", r.metrics.ClipsEnded.Load()),
		recorderlog.Uint64("handoff_dropped", r.metrics.HandoffDropped.Load()),
		recorderlog.Uint64("source_errors", r.metrics.SourceErrors.Load()),
		recorderlog.Uint64("errors", r.metrics.Errors.Load()))
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
