package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mikeyg42/securitycam/internal/recorder/recorderlog"
	"github.com/mikeyg42/securitycam/internal/recorder/storage"
)

// PresignConfig configures the presigned-URL transport.
type PresignConfig struct {
	// Endpoint answers GET ?clip=<file>&thumb=<file> with
	// {"clip_url": ..., "thumb_url": ...}.
	Endpoint       string
	RequestTimeout time.Duration
	UploadTimeout  time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
	Client         *http.Client
}

// PresignTransport asks an HTTP endpoint for one-shot upload URLs and PUTs
// the files to them.
type PresignTransport struct {
	endpoint *url.URL
	config   PresignConfig
	client   *http.Client
	logger   recorderlog.Logger
}

type presignResponse struct {
	ClipURL  string `json:"clip_url"`
	ThumbURL string `json:"thumb_url"`
}

func NewPresignTransport(config PresignConfig, logger recorderlog.Logger) (*PresignTransport, error) {
	u, err := url.Parse(config.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid presign endpoint %q", config.Endpoint)
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 15 * time.Second
	}
	if config.UploadTimeout == 0 {
		config.UploadTimeout = 2 * time.Minute
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RetryBackoff == 0 {
		config.RetryBackoff = 500 * time.Millisecond
	}
	client := config.Client
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = recorderlog.L()
	}
	return &PresignTransport{
		endpoint: u,
		config:   config,
		client:   client,
		logger:   logger.Named("presign"),
	}, nil
}

func (t *PresignTransport) newBackoff(ctx context.Context) backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = t.config.RetryBackoff
	ebo.Reset()
	var b backoff.BackOff = ebo
	if t.config.MaxRetries > 0 {
		b = backoff.WithMaxRetries(ebo, uint64(t.config.MaxRetries))
	}
	return backoff.WithContext(b, ctx)
}

// statusError classifies a non-2xx response; 4xx is not retried.
func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := &storage.StorageError{
		Op:         op,
		Err:        fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body),
		StatusCode: resp.StatusCode,
		Retryable:  resp.StatusCode >= 500,
	}
	if !err.Retryable {
		return backoff.Permanent(err)
	}
	return err
}

func (t *PresignTransport) Prepare(ctx context.Context, a Artifacts) (Destination, error) {
	u := *t.endpoint
	q := u.Query()
	q.Set("clip", a.ID+a.VideoExt)
	q.Set("thumb", filepath.Base(a.ThumbnailPath))
	u.RawQuery = q.Encode()

	var urls presignResponse
	op := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, t.config.RequestTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := t.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return statusError("presign", resp)
		}
		if err := json.NewDecoder(resp.Body).Decode(&urls); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode presign response: %w", err))
		}
		if urls.ClipURL == "" {
			return backoff.Permanent(errors.New("presign response has no clip_url"))
		}
		return nil
	}
	if err := backoff.Retry(op, t.newBackoff(ctx)); err != nil {
		return nil, err
	}

	t.logger.Debug("Got upload URLs", recorderlog.String("clip", a.ID))
	return &presignDestination{t: t, a: a, urls: urls}, nil
}

type presignDestination struct {
	t    *PresignTransport
	a    Artifacts
	urls presignResponse
}

func (d *presignDestination) PutVideo(ctx context.Context) error {
	return d.t.put(ctx, d.urls.ClipURL, d.a.VideoPath, d.a.VideoContentType)
}

func (d *presignDestination) PutThumbnail(ctx context.Context) error {
	if d.urls.ThumbURL == "" {
		return errors.New("presign response has no thumb_url")
	}
	return d.t.put(ctx, d.urls.ThumbURL, d.a.ThumbnailPath, thumbnailContentType)
}

func (t *PresignTransport) put(ctx context.Context, target, path, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return &storage.StorageError{Op: "put_file", Key: path, Err: err}
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return &storage.StorageError{Op: "put_file", Key: path, Err: err}
	}

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return backoff.Permanent(fmt.Errorf("seek reset failed: %w", err))
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, t.config.UploadTimeout)
		defer cancel()

		var body io.Reader = http.NoBody
		if st.Size() > 0 {
			body = io.NopCloser(f)
		}
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPut, target, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.ContentLength = st.Size()
		req.Header.Set("Content-Type", contentType)

		resp, err := t.client.Do(req)
		if err != nil {
			t.logger.Warn("Upload attempt failed",
				recorderlog.String("file", filepath.Base(path)),
				recorderlog.Int("attempt", attempt),
				recorderlog.Error(err))
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return statusError("put", resp)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return backoff.Retry(op, t.newBackoff(ctx))
}
