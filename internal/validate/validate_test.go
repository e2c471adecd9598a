package validate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/securitycam/internal/config"
)

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Recording.ClipDir = filepath.Join(t.TempDir(), "clips")
	cfg.Storage.Journal.DSN = filepath.Join(cfg.Recording.ClipDir, "journal.db")
	cfg.Upload.PresignEndpoint = "https://example.com/presign"
	return cfg
}

func TestValidateConfigAcceptsDefaults(t *testing.T) {
	cfg := validConfig(t)
	require.NoError(t, ValidateConfig(cfg))

	info, err := os.Stat(cfg.Recording.ClipDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir(), "clip dir is created")
}

func TestValidateConfigRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"device with slash", func(c *config.Config) { c.Device = "front/door" }, "device name"},
		{"zero fps", func(c *config.Config) { c.Recording.FPS = 0 }, "recording fps"},
		{"short stop timeout", func(c *config.Config) { c.Recording.MotionStopTimeout = 0 }, "motion stop timeout"},
		{"trigger above frame", func(c *config.Config) { c.Motion.TriggerThreshold = 96*96 + 1 }, "exceeds watch frame"},
		{"presign without url", func(c *config.Config) { c.Upload.PresignEndpoint = "ftp://x" }, "presign endpoint"},
		{"minio without bucket", func(c *config.Config) {
			c.Upload.Transport = "minio"
			c.Storage.MinIO.Endpoint = "minio:9000"
			c.Storage.MinIO.Bucket = ""
		}, "minio bucket"},
		{"unknown transport", func(c *config.Config) { c.Upload.Transport = "ftp" }, "invalid upload transport"},
		{"journal driver", func(c *config.Config) { c.Storage.Journal.Driver = "mysql" }, "journal driver"},
		{"api addr", func(c *config.Config) { c.API.ListenAddr = "8080" }, "host:port"},
		{"log level", func(c *config.Config) { c.Logging.Level = "loud" }, "log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := ValidateConfig(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateOptionalSections(t *testing.T) {
	cfg := validConfig(t)
	cfg.Upload.Transport = "none"
	cfg.Upload.PresignEndpoint = ""
	cfg.API.Enabled = false
	cfg.API.ListenAddr = ""
	cfg.Storage.Journal.Enabled = false
	cfg.Storage.Journal.Driver = "mysql"
	assert.NoError(t, ValidateConfig(cfg))
}

func TestHelpers(t *testing.T) {
	assert.True(t, isValidHostname("minio.local"))
	assert.False(t, isValidHostname("-bad-.local"))
	assert.True(t, isValidURL("http://localhost:9000/p"))
	assert.False(t, isValidURL("localhost:9000"))
	assert.False(t, isValidDirectoryPath("../outside"))
	assert.True(t, isAlphanumericWithDashes("cam_01-a"))
}
