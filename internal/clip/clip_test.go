package clip

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/securitycam/internal/camera"
)

func TestConfigureSelectsBackend(t *testing.T) {
	dir := NewDir(t.TempDir())
	tests := []struct {
		name    string
		caps    camera.Capabilities
		wantExt string
		wantErr error
	}{
		{"jpeg", camera.Capabilities{DeliversJPEG: true, RecordWidth: 640, RecordHeight: 480}, ExtAVI, nil},
		{"jpeg wins over stream", camera.Capabilities{DeliversJPEG: true, DeliversElementaryStream: true, RecordWidth: 640, RecordHeight: 480}, ExtAVI, nil},
		{"stream", camera.Capabilities{DeliversElementaryStream: true}, ExtStream, nil},
		{"neither", camera.Capabilities{}, "", ErrUnsupportedSource},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := Configure(tt.caps, Options{Dir: dir, FPS: 10, MaxSeconds: 60})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantExt, w.Ext())
		})
	}

	w, err := Configure(camera.Capabilities{DeliversJPEG: true, RecordWidth: 640, RecordHeight: 480}, Options{Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxSeconds*DefaultFPS, w.(*AVIWriter).Capacity())
}

func TestNewIDUsesUTC(t *testing.T) {
	loc := time.FixedZone("east", 5*3600)
	ts := time.Date(2025, 3, 9, 4, 5, 6, 0, loc)
	assert.Equal(t, "frontdoor_20250308_230506", NewID("frontdoor", ts))
}

func TestStreamWriterAppendsVerbatim(t *testing.T) {
	dir := NewDir(t.TempDir())
	w := NewStreamWriter(dir)

	units := [][]byte{{0, 0, 0, 1, 0x67}, {0, 0, 0, 1, 0x68, 0xAA}, {0, 0, 1, 0x65}}
	require.NoError(t, w.Begin("es"))
	for _, u := range units {
		require.NoError(t, w.WriteFrame(camera.NewFrame(u, camera.FormatElementaryStream, 0, 0, time.Now(), nil)))
	}
	require.NoError(t, w.End())

	got, err := os.ReadFile(dir.VideoPath("es", ExtStream))
	require.NoError(t, err)
	var want []byte
	for _, u := range units {
		want = append(want, u...)
	}
	assert.Equal(t, want, got)
	assert.Equal(t, 3, w.Frames())
	assert.Equal(t, int64(len(want)), w.Bytes())
	assert.ErrorIs(t, w.End(), ErrNotOpen)
}

func TestDirListAndRemove(t *testing.T) {
	root := t.TempDir()
	dir := NewDir(root)
	for _, name := range []string{
		"cam_20250102_000000.avi",
		"cam_20250101_000000.avi",
		"cam_20250101_000000_thumb.jpg",
		"cam_20250103_000000.h264",
		"notes.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub.avi"), 0o755))

	ids, err := dir.List(ExtAVI)
	require.NoError(t, err)
	assert.Equal(t, []string{"cam_20250101_000000", "cam_20250102_000000"}, ids)

	require.NoError(t, dir.Remove("cam_20250101_000000", ExtAVI))
	assert.NoFileExists(t, filepath.Join(root, "cam_20250101_000000.avi"))
	assert.NoFileExists(t, filepath.Join(root, "cam_20250101_000000_thumb.jpg"))

	// thumbnail already gone, still fine
	require.NoError(t, dir.Remove("cam_20250102_000000", ExtAVI))

	_, err = NewDir(filepath.Join(root, "missing")).List(ExtAVI)
	assert.Error(t, err)
}

func TestDirThumbnailAndFreeBytes(t *testing.T) {
	dir := NewDir(t.TempDir())
	require.NoError(t, dir.SaveThumbnail("c1", []byte{0xFF, 0xD8, 0xFF}))
	assert.FileExists(t, dir.ThumbnailPath("c1"))

	free, err := dir.FreeBytes()
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))
}

func TestOpenClipIsHiddenUntilEnd(t *testing.T) {
	cases := []struct {
		name   string
		ext    string
		writer func(Dir) Writer
		frame  *camera.Frame
	}{
		{"avi", ExtAVI, func(d Dir) Writer { return NewAVIWriter(d, 64, 48, 10, 10) }, jpegFrame(16, 1)},
		{"stream", ExtStream, func(d Dir) Writer { return NewStreamWriter(d) },
			camera.NewFrame([]byte{0, 0, 0, 1, 0x65}, camera.FormatElementaryStream, 0, 0, time.Now(), nil)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := NewDir(t.TempDir())
			w := tc.writer(dir)

			require.NoError(t, w.Begin("cam_20250101_000000"))
			require.NoError(t, w.WriteFrame(tc.frame))

			ids, err := dir.List(tc.ext)
			require.NoError(t, err)
			assert.Empty(t, ids)
			assert.FileExists(t, dir.PartialPath("cam_20250101_000000", tc.ext))
			assert.NoFileExists(t, dir.VideoPath("cam_20250101_000000", tc.ext))

			require.NoError(t, w.End())

			ids, err = dir.List(tc.ext)
			require.NoError(t, err)
			assert.Equal(t, []string{"cam_20250101_000000"}, ids)
			assert.NoFileExists(t, dir.PartialPath("cam_20250101_000000", tc.ext))
		})
	}
}
