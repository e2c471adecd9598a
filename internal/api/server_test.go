package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/securitycam/internal/input"
	"github.com/mikeyg42/securitycam/internal/recorder"
	"github.com/mikeyg42/securitycam/internal/recorder/recorderlog"
	"github.com/mikeyg42/securitycam/internal/recorder/storage"
	"github.com/mikeyg42/securitycam/internal/status"
)

type fakeRecorder struct{ st recorder.Status }

func (f fakeRecorder) Status() recorder.Status { return f.st }
func (f fakeRecorder) GetMetrics() map[string]uint64 {
	return map[string]uint64{"clips_started": 2}
}

type fakeQueue struct{}

func (fakeQueue) Len() int        { return 3 }
func (fakeQueue) Cap() int        { return 20 }
func (fakeQueue) Dropped() uint64 { return 1 }

type fakeJournal struct {
	clips     []storage.ClipRecord
	pending   []storage.ClipRecord
	err       error
	health    error
	lastLimit int
}

func (f *fakeJournal) Recent(_ context.Context, limit int) ([]storage.ClipRecord, error) {
	f.lastLimit = limit
	return f.clips, f.err
}
func (f *fakeJournal) Pending(context.Context) ([]storage.ClipRecord, error) {
	return f.pending, f.err
}
func (f *fakeJournal) Get(_ context.Context, id string) (*storage.ClipRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	for i := range f.clips {
		if f.clips[i].ClipID == id {
			return &f.clips[i], nil
		}
	}
	return nil, storage.ErrClipNotFound
}
func (f *fakeJournal) HealthCheck(context.Context) error { return f.health }

type fakeStore struct{ err error }

func (f *fakeStore) HealthCheck(context.Context) error { return f.err }

type fakeButtons struct {
	events []input.Event
	full   bool
}

func (f *fakeButtons) Submit(ev input.Event) bool {
	if f.full {
		return false
	}
	f.events = append(f.events, ev)
	return true
}

type harness struct {
	handler http.Handler
	journal *fakeJournal
	store   *fakeStore
	buttons *fakeButtons
	hub     *status.Hub
	requeue func() (int, error)
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		journal: &fakeJournal{},
		store:   &fakeStore{},
		buttons: &fakeButtons{},
		hub:     status.NewHub(recorderlog.NewNop()),
	}
	h.requeue = func() (int, error) { return 4, nil }

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv, err := NewServer(opts, Deps{
		Recorder: fakeRecorder{st: recorder.Status{State: "record", Clip: "cam_20260301_120000", ClipStart: start, ClipFrames: 12}},
		Hub:      h.hub,
		Queue:    fakeQueue{},
		Journal:  h.journal,
		Store:    h.store,
		Buttons:  h.buttons,
		Requeue:  func() (int, error) { return h.requeue() },
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("seccam_recording 1\n"))
		}),
		Logger: recorderlog.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { srv.limiter.Close() })
	h.handler = srv.Handler()
	return h
}

func (h *harness) do(method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func defaultOptions() Options {
	return Options{Addr: ":0", RateLimit: 100, RateBurst: 100}
}

func TestNewServerRequiresCore(t *testing.T) {
	_, err := NewServer(defaultOptions(), Deps{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, defaultOptions())
	rec := h.do(http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	h.journal.health = errors.New("database is locked")
	rec = h.do(http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"degraded","journal":"database is locked"}`, rec.Body.String())

	h.journal.health = nil
	h.store.err = errors.New("bucket clips does not exist")
	rec = h.do(http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"degraded","store":"bucket clips does not exist"}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	h := newHarness(t, defaultOptions())
	h.hub.Recording(true, 3*time.Second)

	rec := h.do(http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "record", got.Recorder.State)
	assert.Equal(t, "cam_20260301_120000", got.Recorder.Clip)
	assert.Equal(t, 12, got.Recorder.ClipFrames)
	assert.True(t, got.Screen.Recording)
	assert.Equal(t, 3.0, got.Screen.RecordingSeconds)
	assert.Equal(t, 3, got.QueueLength)
	assert.Equal(t, 20, got.QueueCapacity)
	assert.Equal(t, uint64(2), got.Counters["clips_started"])
}

func TestClips(t *testing.T) {
	h := newHarness(t, defaultOptions())

	rec := h.do(http.MethodGet, "/api/clips", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
	assert.Equal(t, defaultClipLimit, h.journal.lastLimit)

	h.journal.clips = []storage.ClipRecord{{ClipID: "cam_20260301_120000", Status: storage.ClipRecorded, Frames: 80}}
	rec = h.do(http.MethodGet, "/api/clips?limit=9999", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxClipLimit, h.journal.lastLimit)
	assert.Contains(t, rec.Body.String(), "cam_20260301_120000")

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/api/clips?limit=-1", nil).Code)

	h.journal.err = errors.New("boom")
	assert.Equal(t, http.StatusInternalServerError, h.do(http.MethodGet, "/api/clips", nil).Code)
}

func TestClipByID(t *testing.T) {
	h := newHarness(t, defaultOptions())
	h.journal.clips = []storage.ClipRecord{{ClipID: "cam_20260301_120000", Status: storage.ClipUploaded, Frames: 80}}

	rec := h.do(http.MethodGet, "/api/clips/cam_20260301_120000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got storage.ClipRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, storage.ClipUploaded, got.Status)
	assert.Equal(t, 80, got.Frames)

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/api/clips/cam_missing", nil).Code)

	h.journal.err = errors.New("boom")
	assert.Equal(t, http.StatusInternalServerError, h.do(http.MethodGet, "/api/clips/cam_20260301_120000", nil).Code)
}

func TestPendingClips(t *testing.T) {
	h := newHarness(t, defaultOptions())
	h.journal.pending = []storage.ClipRecord{
		{ClipID: "cam_20260301_110000", Status: storage.ClipUploadFailed, UploadAttempts: 2},
		{ClipID: "cam_20260301_120000", Status: storage.ClipRecorded},
	}

	rec := h.do(http.MethodGet, "/api/clips?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got []storage.ClipRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "cam_20260301_110000", got[0].ClipID)
	assert.Zero(t, h.journal.lastLimit, "pending is not limited")

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/api/clips?status=uploaded", nil).Code)
}

func TestRequeue(t *testing.T) {
	h := newHarness(t, defaultOptions())

	rec := h.do(http.MethodPost, "/api/uploads/requeue", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"queued":4}`, rec.Body.String())

	h.requeue = func() (int, error) { return 0, errors.New("upload queue closed") }
	rec = h.do(http.MethodPost, "/api/uploads/requeue", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	assert.Equal(t, http.StatusMethodNotAllowed, h.do(http.MethodGet, "/api/uploads/requeue", nil).Code)
}

func TestButtons(t *testing.T) {
	h := newHarness(t, defaultOptions())

	rec := h.do(http.MethodPost, "/api/buttons", []byte(`{"button":"play","press":"long"}`))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, h.buttons.events, 1)
	assert.Equal(t, input.Event{Button: input.ButtonPlay, Press: input.PressLong}, h.buttons.events[0])

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/api/buttons", []byte(`{"button":"power"}`)).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/api/buttons", []byte(`not json`)).Code)

	h.buttons.full = true
	assert.Equal(t, http.StatusServiceUnavailable, h.do(http.MethodPost, "/api/buttons", []byte(`{"button":"menu"}`)).Code)
}

func TestMetricsRoute(t *testing.T) {
	h := newHarness(t, defaultOptions())
	rec := h.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "seccam_recording"))
}

func TestMutatingRoutesAreRateLimited(t *testing.T) {
	h := newHarness(t, Options{Addr: ":0", RateLimit: 0.001, RateBurst: 2})

	assert.Equal(t, http.StatusAccepted, h.do(http.MethodPost, "/api/uploads/requeue", nil).Code)
	assert.Equal(t, http.StatusAccepted, h.do(http.MethodPost, "/api/uploads/requeue", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, h.do(http.MethodPost, "/api/uploads/requeue", nil).Code)

	// reads are not limited
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/status", nil).Code)
	}
}
