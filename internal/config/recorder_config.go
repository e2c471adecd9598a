// helper functions mapping the main config onto the component-specific
// config types, so components never import this package.
package config

import (
	"time"

	"github.com/mikeyg42/securitycam/internal/camera"
	"github.com/mikeyg42/securitycam/internal/motion"
	"github.com/mikeyg42/securitycam/internal/recorder"
	"github.com/mikeyg42/securitycam/internal/recorder/storage"
	"github.com/mikeyg42/securitycam/internal/upload"
)

func (c *Config) CameraSource() camera.MediaSourceConfig {
	return camera.MediaSourceConfig{
		DeviceID:     c.Camera.DeviceID,
		RecordWidth:  c.Camera.RecordWidth,
		RecordHeight: c.Camera.RecordHeight,
		WatchWidth:   c.Camera.WatchWidth,
		WatchHeight:  c.Camera.WatchHeight,
		FrameRate:    float64(c.Camera.FrameRate),
		JPEGQuality:  c.Camera.JPEGQuality,
		SettleDelay:  c.Camera.SettleDelay,
	}
}

func (c *Config) MotionDetector() motion.Config {
	return motion.Config{
		Width:            c.Camera.WatchWidth,
		Height:           c.Camera.WatchHeight,
		TriggerThreshold: c.Motion.TriggerThreshold,
		PixelThreshold:   c.Motion.PixelThreshold,
		WarmupFrames:     c.Motion.WarmupFrames,
	}
}

func (c *Config) Recorder() recorder.Config {
	return recorder.Config{
		Device:            c.Device,
		FPS:               c.Recording.FPS,
		MaxClipDuration:   time.Duration(c.Recording.MaxClipSeconds) * time.Second,
		MotionStopTimeout: c.Recording.MotionStopTimeout,
		MinFrames:         c.Recording.MinFrames,
		DiscardFrames:     c.Recording.DiscardFrames,
		JPEGMotionBytes:   c.Recording.JPEGMotionBytes,
		FrameTimeout:      c.Camera.FrameTimeout,
		MinFreeBytes:      uint64(c.Recording.MinFreeMB) * 1024 * 1024,
	}
}

func (c *Config) MinIOStore() storage.MinIOConfig {
	m := c.Storage.MinIO
	return storage.MinIOConfig{
		Endpoint:        m.Endpoint,
		AccessKeyID:     m.AccessKeyID,
		SecretAccessKey: m.SecretAccessKey,
		UseSSL:          m.UseSSL,
		Bucket:          m.Bucket,
		Region:          m.Region,
		MaxUploads:      m.MaxUploads,
		ConnectTimeout:  m.ConnectTimeout,
		RequestTimeout:  m.RequestTimeout,
		MaxRetries:      c.Upload.MaxRetries,
	}
}

func (c *Config) Journal() storage.JournalConfig {
	return storage.JournalConfig{
		Driver: c.Storage.Journal.Driver,
		DSN:    c.Storage.Journal.DSN,
	}
}

func (c *Config) Presign() upload.PresignConfig {
	return upload.PresignConfig{
		Endpoint:       c.Upload.PresignEndpoint,
		RequestTimeout: c.Upload.RequestTimeout,
		UploadTimeout:  c.Upload.UploadTimeout,
		MaxRetries:     c.Upload.MaxRetries,
	}
}
