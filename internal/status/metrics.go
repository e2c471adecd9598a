package status

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes recorder and uploader activity to Prometheus. It is also a
// Sink so it can sit behind Multi next to the Hub.
type Metrics struct {
	registry *prometheus.Registry

	recording        prometheus.Gauge
	recordingSeconds prometheus.Gauge
	uploading        prometheus.Gauge
	uploadsTotal     prometheus.Counter
	uploadFailures   prometheus.Counter
	clipsTotal       *prometheus.CounterVec
	framesWritten    prometheus.Counter
	bytesWritten     prometheus.Counter
	handoffDropped   prometheus.Counter
	stepErrors       prometheus.Counter
	motionScore      prometheus.Gauge
}

// NewMetrics creates and registers the metrics on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		recording: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seccam_recording",
			Help: "1 while a clip is being recorded",
		}),
		recordingSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seccam_recording_seconds",
			Help: "Elapsed seconds of the active clip",
		}),
		uploading: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seccam_uploading",
			Help: "1 while a clip is being uploaded",
		}),
		uploadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seccam_uploads_total",
			Help: "Clips uploaded and removed from local storage",
		}),
		uploadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seccam_upload_failures_total",
			Help: "Clip uploads that failed and were left on disk",
		}),
		clipsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seccam_clips_total",
			Help: "Clips closed, by stop reason",
		}, []string{"reason"}),
		framesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seccam_frames_written_total",
			Help: "Frames written into closed clips",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seccam_clip_bytes_total",
			Help: "Bytes of frame payload written into closed clips",
		}),
		handoffDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seccam_handoff_dropped_total",
			Help: "Closed clips not queued because the upload queue was full",
		}),
		stepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seccam_record_errors_total",
			Help: "Clip writer failures that abandoned a recording",
		}),
		motionScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seccam_motion_score",
			Help: "Changed-pixel count of the last scored frame",
		}),
	}

	m.registry.MustRegister(
		m.recording,
		m.recordingSeconds,
		m.uploading,
		m.uploadsTotal,
		m.uploadFailures,
		m.clipsTotal,
		m.framesWritten,
		m.bytesWritten,
		m.handoffDropped,
		m.stepErrors,
		m.motionScore,
	)
	return m
}

func boolGauge(on bool) float64 {
	if on {
		return 1
	}
	return 0
}

func (m *Metrics) Recording(on bool, elapsed time.Duration) {
	m.recording.Set(boolGauge(on))
	if on {
		m.recordingSeconds.Set(elapsed.Seconds())
	} else {
		m.recordingSeconds.Set(0)
	}
}

func (m *Metrics) Uploading(on bool, _ string) { m.uploading.Set(boolGauge(on)) }

func (m *Metrics) Uploaded() { m.uploadsTotal.Inc() }

func (m *Metrics) UploadFailed() { m.uploadFailures.Inc() }

// ClipFinished records a closed clip.
func (m *Metrics) ClipFinished(reason string, frames int, bytes int64) {
	m.clipsTotal.WithLabelValues(reason).Inc()
	m.framesWritten.Add(float64(frames))
	m.bytesWritten.Add(float64(bytes))
}

func (m *Metrics) HandoffDropped() { m.handoffDropped.Inc() }

func (m *Metrics) RecordError() { m.stepErrors.Inc() }

func (m *Metrics) MotionScore(score int) { m.motionScore.Set(float64(score)) }

// RegisterQueueDepth exports the upload queue length, read at scrape time.
func (m *Metrics) RegisterQueueDepth(depth func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "seccam_upload_queue_depth",
		Help: "Clip ids waiting for the upload worker",
	}, func() float64 { return float64(depth()) }))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
