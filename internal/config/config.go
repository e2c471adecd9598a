package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Device    string          `yaml:"device" json:"device"`
	Camera    CameraConfig    `yaml:"camera" json:"camera"`
	Motion    MotionConfig    `yaml:"motion" json:"motion"`
	Recording RecordingConfig `yaml:"recording" json:"recording"`
	Upload    UploadConfig    `yaml:"upload" json:"upload"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	API       APIConfig       `yaml:"api" json:"api"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

type CameraConfig struct {
	DeviceID     string        `yaml:"device_id" json:"device_id"`
	RecordWidth  int           `yaml:"record_width" json:"record_width"`
	RecordHeight int           `yaml:"record_height" json:"record_height"`
	WatchWidth   int           `yaml:"watch_width" json:"watch_width"`
	WatchHeight  int           `yaml:"watch_height" json:"watch_height"`
	FrameRate    int           `yaml:"frame_rate" json:"frame_rate"`
	JPEGQuality  int           `yaml:"jpeg_quality" json:"jpeg_quality"`
	SettleDelay  time.Duration `yaml:"settle_delay" json:"settle_delay"`
	FrameTimeout time.Duration `yaml:"frame_timeout" json:"frame_timeout"`
}

type MotionConfig struct {
	TriggerThreshold int `yaml:"trigger_threshold" json:"trigger_threshold"`
	PixelThreshold   int `yaml:"pixel_threshold" json:"pixel_threshold"`
	WarmupFrames     int `yaml:"warmup_frames" json:"warmup_frames"`
}

type RecordingConfig struct {
	ClipDir           string        `yaml:"clip_dir" json:"clip_dir"`
	FPS               int           `yaml:"fps" json:"fps"`
	MaxClipSeconds    int           `yaml:"max_clip_seconds" json:"max_clip_seconds"`
	MotionStopTimeout time.Duration `yaml:"motion_stop_timeout" json:"motion_stop_timeout"`
	MinFrames         int           `yaml:"min_frames" json:"min_frames"`
	DiscardFrames     int           `yaml:"discard_frames" json:"discard_frames"`
	JPEGMotionBytes   int           `yaml:"jpeg_motion_bytes" json:"jpeg_motion_bytes"`
	MinFreeMB         int           `yaml:"min_free_mb" json:"min_free_mb"`
}

type UploadConfig struct {
	// Transport is "presign", "minio" or "none".
	Transport       string        `yaml:"transport" json:"transport"`
	QueueDepth      int           `yaml:"queue_depth" json:"queue_depth"`
	PresignEndpoint string        `yaml:"presign_endpoint" json:"presign_endpoint"`
	RequestTimeout  time.Duration `yaml:"request_timeout" json:"request_timeout"`
	UploadTimeout   time.Duration `yaml:"upload_timeout" json:"upload_timeout"`
	MaxRetries      int           `yaml:"max_retries" json:"max_retries"`
	KeyPrefix       string        `yaml:"key_prefix" json:"key_prefix"`
	DrainTimeout    time.Duration `yaml:"drain_timeout" json:"drain_timeout"`
	RequeueOnStart  bool          `yaml:"requeue_on_start" json:"requeue_on_start"`
}

type StorageConfig struct {
	MinIO   MinIOConfig   `yaml:"minio" json:"minio"`
	Journal JournalConfig `yaml:"journal" json:"journal"`
}

type MinIOConfig struct {
	Endpoint        string        `yaml:"endpoint" json:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key" json:"-"`
	UseSSL          bool          `yaml:"use_ssl" json:"use_ssl"`
	Bucket          string        `yaml:"bucket" json:"bucket"`
	Region          string        `yaml:"region" json:"region"`
	MaxUploads      int           `yaml:"max_uploads" json:"max_uploads"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

type JournalConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"-"`
}

type APIConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	ListenAddr   string        `yaml:"listen_addr" json:"listen_addr"`
	RateLimit    float64       `yaml:"rate_limit" json:"rate_limit"`
	RateBurst    int           `yaml:"rate_burst" json:"rate_burst"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

type LoggingConfig struct {
	Level       string `yaml:"level" json:"level"`
	Development bool   `yaml:"development" json:"development"`
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		Device: "seccam",
		Camera: CameraConfig{
			RecordWidth:  640,
			RecordHeight: 480,
			WatchWidth:   96,
			WatchHeight:  96,
			FrameRate:    25,
			JPEGQuality:  80,
			SettleDelay:  300 * time.Millisecond,
			FrameTimeout: time.Second,
		},
		Motion: MotionConfig{
			TriggerThreshold: 2000,
			PixelThreshold:   40,
			WarmupFrames:     30,
		},
		Recording: RecordingConfig{
			ClipDir:           "clips",
			FPS:               10,
			MaxClipSeconds:    60,
			MotionStopTimeout: 8 * time.Second,
			MinFrames:         5,
			DiscardFrames:     3,
			JPEGMotionBytes:   500,
			MinFreeMB:         64,
		},
		Upload: UploadConfig{
			Transport:      "presign",
			QueueDepth:     20,
			RequestTimeout: 15 * time.Second,
			UploadTimeout:  2 * time.Minute,
			MaxRetries:     3,
			DrainTimeout:   30 * time.Second,
			RequeueOnStart: true,
		},
		Storage: StorageConfig{
			MinIO: MinIOConfig{
				Bucket:         "security-clips",
				MaxUploads:     1,
				ConnectTimeout: 30 * time.Second,
				RequestTimeout: 2 * time.Minute,
			},
			Journal: JournalConfig{
				Enabled: true,
				Driver:  "sqlite",
				DSN:     "clips/journal.db",
			},
		},
		API: APIConfig{
			Enabled:      true,
			ListenAddr:   ":8080",
			RateLimit:    2,
			RateBurst:    5,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (optional), then .env files, then SECCAM_* environment variables.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Device = GetEnv("SECCAM_DEVICE", cfg.Device)
	cfg.Camera.DeviceID = GetEnv("SECCAM_CAMERA_DEVICE_ID", cfg.Camera.DeviceID)

	cfg.Motion.TriggerThreshold = GetEnvInt("SECCAM_TRIGGER_THRESHOLD", cfg.Motion.TriggerThreshold)

	cfg.Recording.ClipDir = GetEnv("SECCAM_CLIP_DIR", cfg.Recording.ClipDir)
	cfg.Recording.MotionStopTimeout = GetEnvDuration("SECCAM_MOTION_STOP_TIMEOUT", cfg.Recording.MotionStopTimeout)
	cfg.Recording.MaxClipSeconds = GetEnvInt("SECCAM_MAX_CLIP_SECONDS", cfg.Recording.MaxClipSeconds)

	cfg.Upload.Transport = GetEnv("SECCAM_UPLOAD_TRANSPORT", cfg.Upload.Transport)
	cfg.Upload.PresignEndpoint = GetEnv("SECCAM_PRESIGN_ENDPOINT", cfg.Upload.PresignEndpoint)
	cfg.Upload.KeyPrefix = GetEnv("SECCAM_KEY_PREFIX", cfg.Upload.KeyPrefix)

	cfg.Storage.MinIO.Endpoint = GetEnv("SECCAM_MINIO_ENDPOINT", cfg.Storage.MinIO.Endpoint)
	cfg.Storage.MinIO.AccessKeyID = GetEnv("SECCAM_MINIO_ACCESS_KEY", cfg.Storage.MinIO.AccessKeyID)
	cfg.Storage.MinIO.SecretAccessKey = GetEnv("SECCAM_MINIO_SECRET_KEY", cfg.Storage.MinIO.SecretAccessKey)
	cfg.Storage.MinIO.Bucket = GetEnv("SECCAM_MINIO_BUCKET", cfg.Storage.MinIO.Bucket)
	cfg.Storage.MinIO.UseSSL = GetEnvBool("SECCAM_MINIO_USE_SSL", cfg.Storage.MinIO.UseSSL)

	cfg.Storage.Journal.Driver = GetEnv("SECCAM_JOURNAL_DRIVER", cfg.Storage.Journal.Driver)
	cfg.Storage.Journal.DSN = GetEnv("SECCAM_JOURNAL_DSN", cfg.Storage.Journal.DSN)

	cfg.API.ListenAddr = GetEnv("SECCAM_API_ADDR", cfg.API.ListenAddr)
	cfg.Logging.Level = GetEnv("SECCAM_LOG_LEVEL", cfg.Logging.Level)
}
