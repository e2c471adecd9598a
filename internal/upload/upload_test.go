package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/securitycam/internal/camera"
	"github.com/mikeyg42/securitycam/internal/clip"
	"github.com/mikeyg42/securitycam/internal/recorder/recorderlog"
	"github.com/mikeyg42/securitycam/internal/recorder/storage"
)

func writeClip(t *testing.T, dir clip.Dir, id string, thumb bool) {
	t.Helper()
	require.NoError(t, os.WriteFile(dir.VideoPath(id, clip.ExtAVI), []byte("RIFF-video-"+id), 0o644))
	if thumb {
		require.NoError(t, dir.SaveThumbnail(id, []byte{0xFF, 0xD8, 0xFF, 0xD9}))
	}
}

type fakeTransport struct {
	mu         sync.Mutex
	prepared   []string
	prepareErr error
	videoErr   error
	thumbErr   error
	thumbs     []string
}

func (f *fakeTransport) Prepare(_ context.Context, a Artifacts) (Destination, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared = append(f.prepared, a.ID)
	if f.prepareErr != nil {
		return nil, f.prepareErr
	}
	return &fakeDestination{f: f, a: a}, nil
}

type fakeDestination struct {
	f *fakeTransport
	a Artifacts
}

func (d *fakeDestination) PutVideo(context.Context) error { return d.f.videoErr }

func (d *fakeDestination) PutThumbnail(context.Context) error {
	d.f.mu.Lock()
	d.f.thumbs = append(d.f.thumbs, d.a.ID)
	d.f.mu.Unlock()
	return d.f.thumbErr
}

type recordingSink struct {
	mu        sync.Mutex
	uploading []string
	uploaded  int
}

func (s *recordingSink) Recording(bool, time.Duration) {}
func (s *recordingSink) Uploading(on bool, clip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploading = append(s.uploading, fmt.Sprintf("%v:%s", on, clip))
}
func (s *recordingSink) Uploaded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploaded++
}

type fakeJournal struct {
	uploaded []string
	failed   []string
}

func (j *fakeJournal) MarkUploaded(_ context.Context, id string) error {
	j.uploaded = append(j.uploaded, id)
	return nil
}

func (j *fakeJournal) MarkUploadFailed(_ context.Context, id string, _ error) error {
	j.failed = append(j.failed, id)
	return nil
}

type failureCount struct{ n int }

func (f *failureCount) UploadFailed() { f.n++ }

func TestQueueNeverBlocks(t *testing.T) {
	q := NewQueue(2, recorderlog.NewNop())
	assert.True(t, q.Enqueue("a"))
	assert.True(t, q.Enqueue("b"))

	done := make(chan bool)
	go func() { done <- q.Enqueue("c") }()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}
	assert.ErrorIs(t, q.TryEnqueue("d"), ErrQueueFull)
	assert.Equal(t, uint64(2), q.Dropped())
	assert.Equal(t, 2, q.Len())

	q.Close()
	q.Close()
	assert.ErrorIs(t, q.TryEnqueue("e"), ErrQueueClosed)
	assert.Equal(t, DefaultQueueDepth, NewQueue(0, nil).Cap())
}

func TestWorkerUploadsAndDeletes(t *testing.T) {
	dir := clip.NewDir(t.TempDir())
	writeClip(t, dir, "cam_1", true)
	writeClip(t, dir, "cam_2", false)

	q := NewQueue(4, recorderlog.NewNop())
	tr := &fakeTransport{}
	sink := &recordingSink{}
	j := &fakeJournal{}
	w := NewWorker(q, tr, dir, clip.ExtAVI, WithStatus(sink), WithJournal(j), WithLogger(recorderlog.NewNop()))

	require.True(t, q.Enqueue("cam_1"))
	require.True(t, q.Enqueue("cam_2"))
	q.Close()
	w.Run(context.Background())

	assert.Equal(t, []string{"cam_1", "cam_2"}, tr.prepared)
	assert.Equal(t, []string{"cam_1"}, tr.thumbs, "missing thumbnail is skipped")
	assert.NoFileExists(t, dir.VideoPath("cam_1", clip.ExtAVI))
	assert.NoFileExists(t, dir.ThumbnailPath("cam_1"))
	assert.NoFileExists(t, dir.VideoPath("cam_2", clip.ExtAVI))
	assert.Equal(t, 2, sink.uploaded)
	assert.Equal(t, []string{"true:cam_1", "false:", "true:cam_2", "false:"}, sink.uploading)
	assert.Equal(t, []string{"cam_1", "cam_2"}, j.uploaded)
}

func TestWorkerKeepsArtifactsOnFailure(t *testing.T) {
	tests := []struct {
		name string
		tr   *fakeTransport
	}{
		{"prepare fails", &fakeTransport{prepareErr: errors.New("presign 500")}},
		{"video fails", &fakeTransport{videoErr: errors.New("put 503")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := clip.NewDir(t.TempDir())
			writeClip(t, dir, "cam_1", true)
			j := &fakeJournal{}
			fc := &failureCount{}
			w := NewWorker(NewQueue(1, nil), tt.tr, dir, clip.ExtAVI, WithJournal(j), WithFailureCounter(fc))

			err := w.process(context.Background(), "cam_1")
			require.Error(t, err)
			assert.FileExists(t, dir.VideoPath("cam_1", clip.ExtAVI))
			assert.FileExists(t, dir.ThumbnailPath("cam_1"))
			assert.Equal(t, []string{"cam_1"}, j.failed)
			assert.Equal(t, 1, fc.n)
		})
	}
}

func TestWorkerThumbnailFailureIsNotFatal(t *testing.T) {
	dir := clip.NewDir(t.TempDir())
	writeClip(t, dir, "cam_1", true)
	tr := &fakeTransport{thumbErr: errors.New("thumb 500")}
	w := NewWorker(NewQueue(1, nil), tr, dir, clip.ExtAVI)

	require.NoError(t, w.process(context.Background(), "cam_1"))
	assert.NoFileExists(t, dir.VideoPath("cam_1", clip.ExtAVI))
	assert.NoFileExists(t, dir.ThumbnailPath("cam_1"))
}

func TestWorkerMissingClipFails(t *testing.T) {
	dir := clip.NewDir(t.TempDir())
	tr := &fakeTransport{}
	w := NewWorker(NewQueue(1, nil), tr, dir, clip.ExtAVI)
	assert.Error(t, w.process(context.Background(), "ghost"))
	assert.Empty(t, tr.prepared)
}

func TestWorkerStopsOnContext(t *testing.T) {
	q := NewQueue(1, nil)
	w := NewWorker(q, &fakeTransport{}, clip.NewDir(t.TempDir()), clip.ExtAVI)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRequeueSkipsWhatDoesNotFit(t *testing.T) {
	dir := clip.NewDir(t.TempDir())
	for i := 0; i < 5; i++ {
		writeClip(t, dir, fmt.Sprintf("cam_%d", i), true)
	}
	q := NewQueue(3, nil)
	n, err := Requeue(dir, clip.ExtAVI, q, recorderlog.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, "cam_0", <-q.ch)

	q.Close()
	_, err = Requeue(dir, clip.ExtAVI, q, nil)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestRequeueSkipsPendingClips(t *testing.T) {
	dir := clip.NewDir(t.TempDir())
	writeClip(t, dir, "cam_1", true)
	writeClip(t, dir, "cam_2", true)
	q := NewQueue(4, nil)

	n, err := Requeue(dir, clip.ExtAVI, q, recorderlog.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = Requeue(dir, clip.ExtAVI, q, recorderlog.NewNop())
	require.NoError(t, err)
	assert.Zero(t, n, "both clips are still pending")
	assert.Equal(t, 2, q.Len())
	assert.Zero(t, q.Dropped())
	assert.True(t, q.Enqueue("cam_1"), "a pending id counts as queued")
	assert.Equal(t, 2, q.Len())

	tr := &fakeTransport{}
	j := &fakeJournal{}
	fc := &failureCount{}
	w := NewWorker(q, tr, dir, clip.ExtAVI, WithJournal(j), WithFailureCounter(fc))
	q.Close()
	w.Run(context.Background())

	assert.Equal(t, []string{"cam_1", "cam_2"}, tr.prepared)
	assert.Equal(t, []string{"cam_1", "cam_2"}, j.uploaded)
	assert.Empty(t, j.failed)
	assert.Zero(t, fc.n)
	assert.Empty(t, q.pending)
}

func TestRequeueSkipsClipBeingUploaded(t *testing.T) {
	dir := clip.NewDir(t.TempDir())
	writeClip(t, dir, "cam_1", true)
	q := NewQueue(4, nil)

	require.True(t, q.Enqueue("cam_1"))
	require.Equal(t, "cam_1", <-q.ch)

	n, err := Requeue(dir, clip.ExtAVI, q, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, q.Len())

	// the upload failed and the worker let go of it
	q.done("cam_1")
	n, err = Requeue(dir, clip.ExtAVI, q, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRequeueIgnoresClipStillRecording(t *testing.T) {
	dir := clip.NewDir(t.TempDir())
	writeClip(t, dir, "cam_20250101_000000", true)

	w := clip.NewAVIWriter(dir, 64, 48, 10, 600)
	require.NoError(t, w.Begin("cam_20250101_000100"))
	frame := make([]byte, 512)
	frame[0], frame[1] = 0xFF, 0xD8
	for i := 0; i < 5; i++ {
		require.NoError(t, w.WriteFrame(camera.NewFrame(frame, camera.FormatJPEG, 64, 48, time.Now(), nil)))
	}

	q := NewQueue(4, nil)
	n, err := Requeue(dir, clip.ExtAVI, q, recorderlog.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "cam_20250101_000000", <-q.ch)

	require.NoError(t, w.End())
	n, err = Requeue(dir, clip.ExtAVI, q, recorderlog.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "cam_20250101_000100", <-q.ch)

	st, err := os.Stat(dir.VideoPath("cam_20250101_000100", clip.ExtAVI))
	require.NoError(t, err)
	assert.Greater(t, st.Size(), int64(5*512))
}

func TestPresignTransport(t *testing.T) {
	dir := clip.NewDir(t.TempDir())
	writeClip(t, dir, "cam_1", true)

	var mu sync.Mutex
	puts := map[string]string{}
	bodies := map[string]int{}
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/presign":
			assert.Equal(t, "cam_1.avi", r.URL.Query().Get("clip"))
			assert.Equal(t, "cam_1_thumb.jpg", r.URL.Query().Get("thumb"))
			fmt.Fprintf(w, `{"clip_url":%q,"thumb_url":%q}`, srv.URL+"/put/clip", srv.URL+"/put/thumb")
		case r.Method == http.MethodPut:
			b, _ := io.ReadAll(r.Body)
			mu.Lock()
			puts[r.URL.Path] = r.Header.Get("Content-Type")
			bodies[r.URL.Path] = len(b)
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	tr, err := NewPresignTransport(PresignConfig{Endpoint: srv.URL + "/presign", RetryBackoff: time.Millisecond}, recorderlog.NewNop())
	require.NoError(t, err)

	w := NewWorker(NewQueue(1, nil), tr, dir, clip.ExtAVI)
	require.NoError(t, w.process(context.Background(), "cam_1"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "video/avi", puts["/put/clip"])
	assert.Equal(t, "image/jpeg", puts["/put/thumb"])
	assert.Equal(t, len("RIFF-video-cam_1"), bodies["/put/clip"])
	assert.Equal(t, 4, bodies["/put/thumb"])
	assert.NoFileExists(t, dir.VideoPath("cam_1", clip.ExtAVI))
}

func TestPresignTransportErrors(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		switch r.URL.Path {
		case "/forbidden":
			w.WriteHeader(http.StatusForbidden)
		case "/flaky":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/empty":
			fmt.Fprint(w, `{"thumb_url":"x"}`)
		}
	}))
	defer srv.Close()

	a := Artifacts{ID: "c", VideoExt: clip.ExtAVI, ThumbnailPath: "/tmp/c_thumb.jpg"}
	ctx := context.Background()

	tr, err := NewPresignTransport(PresignConfig{Endpoint: srv.URL + "/forbidden", RetryBackoff: time.Millisecond}, nil)
	require.NoError(t, err)
	_, err = tr.Prepare(ctx, a)
	assert.True(t, storage.IsAccessDenied(err))
	assert.Equal(t, int32(1), attempts.Load(), "4xx is not retried")

	attempts.Store(0)
	tr, err = NewPresignTransport(PresignConfig{Endpoint: srv.URL + "/flaky", MaxRetries: 2, RetryBackoff: time.Millisecond}, nil)
	require.NoError(t, err)
	_, err = tr.Prepare(ctx, a)
	assert.True(t, storage.IsRetryable(err))
	assert.Equal(t, int32(3), attempts.Load())

	tr, err = NewPresignTransport(PresignConfig{Endpoint: srv.URL + "/empty"}, nil)
	require.NoError(t, err)
	_, err = tr.Prepare(ctx, a)
	assert.Error(t, err)

	_, err = NewPresignTransport(PresignConfig{Endpoint: "not a url"}, nil)
	assert.Error(t, err)
}

type fakeStore struct {
	puts      map[string]string
	existing  map[string]bool
	existsErr error
	err       error
}

func (s *fakeStore) PutFile(_ context.Context, key, filePath string, _ ...storage.PutOption) error {
	if s.err != nil {
		return s.err
	}
	if s.puts == nil {
		s.puts = map[string]string{}
	}
	s.puts[key] = filePath
	return nil
}

func (s *fakeStore) Exists(_ context.Context, key string) (bool, error) {
	return s.existing[key], s.existsErr
}

func (s *fakeStore) HealthCheck(context.Context) error { return nil }

func TestObjectStoreTransportKeys(t *testing.T) {
	dir := clip.NewDir(t.TempDir())
	writeClip(t, dir, "cam_1", true)
	store := &fakeStore{}
	w := NewWorker(NewQueue(1, nil), NewObjectStoreTransport(store, "clips/frontdoor", "frontdoor"), dir, clip.ExtAVI)

	require.NoError(t, w.process(context.Background(), "cam_1"))
	assert.Equal(t, dir.VideoPath("cam_1", clip.ExtAVI), store.puts["clips/frontdoor/cam_1.avi"])
	assert.Equal(t, dir.ThumbnailPath("cam_1"), store.puts["clips/frontdoor/cam_1_thumb.jpg"])

	writeClip(t, dir, "cam_2", false)
	store.err = &storage.StorageError{Op: "put", Err: errors.New("down"), StatusCode: 503}
	assert.Error(t, w.process(context.Background(), "cam_2"))
	assert.FileExists(t, dir.VideoPath("cam_2", clip.ExtAVI))

	assert.Equal(t, "video/h264", ContentTypeFor(clip.ExtStream))
}

func TestObjectStoreTransportSkipsExistingVideo(t *testing.T) {
	dir := clip.NewDir(t.TempDir())
	writeClip(t, dir, "cam_1", true)
	store := &fakeStore{existing: map[string]bool{"cam_1.avi": true}}
	w := NewWorker(NewQueue(1, nil), NewObjectStoreTransport(store, "", ""), dir, clip.ExtAVI)

	require.NoError(t, w.process(context.Background(), "cam_1"))
	assert.NotContains(t, store.puts, "cam_1.avi")
	assert.Contains(t, store.puts, "cam_1_thumb.jpg")
	assert.NoFileExists(t, dir.VideoPath("cam_1", clip.ExtAVI))

	// a failed existence check falls back to uploading
	writeClip(t, dir, "cam_2", false)
	store.existing = map[string]bool{"cam_2.avi": true}
	store.existsErr = errors.New("stat timed out")
	require.NoError(t, w.process(context.Background(), "cam_2"))
	assert.Contains(t, store.puts, "cam_2.avi")
}
