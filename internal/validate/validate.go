package validate

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/mikeyg42/securitycam/internal/config"
)

// -----------------------------------------------------------------------------
// Top-level full-config validation
// -----------------------------------------------------------------------------

type Validator struct{ errors []string }

func (v *Validator) AddError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *Validator) HasErrors() bool  { return len(v.errors) > 0 }
func (v *Validator) Errors() []string { return v.errors }

// ValidateConfig delegates to per-section validators. It creates the clip
// directory when missing, so it must run before anything writes clips.
func ValidateConfig(cfg *config.Config) error {
	v := &Validator{}

	validateDevice(v, cfg)
	validateCameraConfig(v, &cfg.Camera)
	validateMotionConfig(v, cfg)
	validateRecordingConfig(v, &cfg.Recording)
	validateUploadConfig(v, cfg)
	validateJournalConfig(v, &cfg.Storage.Journal)
	validateAPIConfig(v, &cfg.API)
	validateLoggingConfig(v, &cfg.Logging)

	if v.HasErrors() {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(v.Errors(), "\n"))
	}
	return nil
}

// -----------------------------------------------------------------------------
// Sections
// -----------------------------------------------------------------------------

// the device name is embedded in clip file names
func validateDevice(v *Validator, cfg *config.Config) {
	if !isAlphanumericWithDashes(cfg.Device) {
		v.AddError("device name %q must be non-empty and contain only letters, digits, '-' or '_'", cfg.Device)
	}
}

func validateCameraConfig(v *Validator, c *config.CameraConfig) {
	if c.RecordWidth <= 0 || c.RecordHeight <= 0 {
		v.AddError("invalid record dimensions: width=%d height=%d", c.RecordWidth, c.RecordHeight)
	} else if c.RecordWidth > 4096 || c.RecordHeight > 4096 {
		v.AddError("record dimensions too large: %dx%d (max 4096x4096)", c.RecordWidth, c.RecordHeight)
	}
	if c.WatchWidth <= 0 || c.WatchHeight <= 0 {
		v.AddError("invalid watch dimensions: width=%d height=%d", c.WatchWidth, c.WatchHeight)
	}
	if c.FrameRate <= 0 || c.FrameRate > 120 {
		v.AddError("invalid camera frame_rate: %d (1-120)", c.FrameRate)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		v.AddError("jpeg_quality must be 1..100, got %d", c.JPEGQuality)
	}
	if c.SettleDelay < 0 {
		v.AddError("settle_delay cannot be negative")
	}
	if c.FrameTimeout <= 0 {
		v.AddError("frame_timeout must be positive")
	}
}

func validateMotionConfig(v *Validator, cfg *config.Config) {
	m := cfg.Motion
	if m.PixelThreshold < 1 || m.PixelThreshold > 255 {
		v.AddError("pixel threshold must be 1..255")
	}
	if m.TriggerThreshold <= 0 {
		v.AddError("trigger threshold must be positive")
	} else if pixels := cfg.Camera.WatchWidth * cfg.Camera.WatchHeight; pixels > 0 && m.TriggerThreshold > pixels {
		v.AddError("trigger threshold %d exceeds watch frame size %d pixels", m.TriggerThreshold, pixels)
	}
	if m.WarmupFrames < 0 {
		v.AddError("warmup frames cannot be negative")
	}
}

func validateRecordingConfig(v *Validator, r *config.RecordingConfig) {
	if r.FPS < 1 || r.FPS > 60 {
		v.AddError("recording fps must be 1..60, got %d", r.FPS)
	}
	if r.MaxClipSeconds < 1 {
		v.AddError("max clip seconds must be positive")
	}
	if r.MotionStopTimeout < time.Second {
		v.AddError("motion stop timeout must be >= 1s")
	}
	if r.MinFrames < 1 {
		v.AddError("min frames must be positive")
	}
	if r.JPEGMotionBytes < 0 {
		v.AddError("jpeg motion bytes cannot be negative")
	}
	if r.MinFreeMB < 0 {
		v.AddError("min free MB cannot be negative")
	}

	if !isValidDirectoryPath(r.ClipDir) {
		v.AddError("invalid clip dir: %q", r.ClipDir)
		return
	}
	if err := os.MkdirAll(r.ClipDir, 0o755); err != nil {
		v.AddError("cannot create clip dir %q: %v", r.ClipDir, err)
		return
	}
	f, err := os.CreateTemp(r.ClipDir, ".permcheck-*")
	if err != nil {
		v.AddError("clip dir %q is not writable: %v", r.ClipDir, err)
		return
	}
	path := f.Name()
	_ = f.Close()
	_ = os.Remove(path)
}

func validateUploadConfig(v *Validator, cfg *config.Config) {
	u := cfg.Upload
	if u.QueueDepth < 1 {
		v.AddError("upload queue depth must be positive")
	}
	if u.MaxRetries < 0 {
		v.AddError("upload max retries cannot be negative")
	}
	if u.DrainTimeout < 0 {
		v.AddError("upload drain timeout cannot be negative")
	}

	switch u.Transport {
	case "none":
	case "presign":
		if !isValidURL(u.PresignEndpoint) {
			v.AddError("presign endpoint must be an http(s) URL, got %q", u.PresignEndpoint)
		}
		if u.RequestTimeout <= 0 || u.UploadTimeout <= 0 {
			v.AddError("upload request and upload timeouts must be positive")
		}
	case "minio":
		m := cfg.Storage.MinIO
		if m.Endpoint == "" {
			v.AddError("minio endpoint is required for the minio transport")
		} else if host, _, err := net.SplitHostPort(m.Endpoint); err != nil {
			if !isValidHostname(m.Endpoint) {
				v.AddError("invalid minio endpoint: %s", m.Endpoint)
			}
		} else if host != "" && net.ParseIP(host) == nil && !isValidHostname(host) {
			v.AddError("invalid hostname in minio endpoint: %s", host)
		}
		if m.Bucket == "" {
			v.AddError("minio bucket is required for the minio transport")
		}
	default:
		v.AddError("invalid upload transport: %s (must be 'presign', 'minio', or 'none')", u.Transport)
	}
}

func validateJournalConfig(v *Validator, j *config.JournalConfig) {
	if !j.Enabled {
		return
	}
	switch j.Driver {
	case "", "sqlite", "postgres":
	default:
		v.AddError("invalid journal driver: %s (must be 'sqlite' or 'postgres')", j.Driver)
	}
	if strings.TrimSpace(j.DSN) == "" {
		v.AddError("journal dsn cannot be empty when the journal is enabled")
	}
}

func validateAPIConfig(v *Validator, a *config.APIConfig) {
	if !a.Enabled {
		return
	}
	if a.ListenAddr == "" {
		v.AddError("API listen address cannot be empty")
		return
	}
	host, portStr, err := net.SplitHostPort(a.ListenAddr)
	if err != nil {
		v.AddError("API listen address must be host:port: %v", err)
		return
	}
	if host != "" && host != "localhost" {
		if ip := net.ParseIP(host); ip == nil && !isValidHostname(host) {
			v.AddError("invalid hostname in API listen address: %s", host)
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		v.AddError("invalid port in API listen address: %s", portStr)
	}
	if a.RateLimit <= 0 || a.RateBurst < 1 {
		v.AddError("API rate limit and burst must be positive")
	}
}

func validateLoggingConfig(v *Validator, l *config.LoggingConfig) {
	if _, err := zapcore.ParseLevel(l.Level); err != nil {
		v.AddError("invalid log level: %s", l.Level)
	}
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

var (
	hostnameLabel = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?$`)
	safeName      = regexp.MustCompile(`^[a-zA-Z0-9\-_]+$`)
)

func isValidURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}
	for _, l := range strings.Split(hostname, ".") {
		if !hostnameLabel.MatchString(l) {
			return false
		}
	}
	return true
}

func isValidDirectoryPath(path string) bool {
	if path == "" {
		return false
	}
	clean := filepath.Clean(path)
	return clean != "" && !strings.Contains(path, "\x00") && !strings.HasPrefix(clean, "..")
}

func isAlphanumericWithDashes(s string) bool {
	return s != "" && safeName.MatchString(s)
}
