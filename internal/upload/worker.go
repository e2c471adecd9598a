package upload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/mikeyg42/securitycam/internal/clip"
	"github.com/mikeyg42/securitycam/internal/recorder/recorderlog"
	"github.com/mikeyg42/securitycam/internal/status"
)

// Journal is the part of the clip journal the worker reports to.
type Journal interface {
	MarkUploaded(ctx context.Context, clipID string) error
	MarkUploadFailed(ctx context.Context, clipID string, cause error) error
}

// FailureCounter is told about every failed upload.
type FailureCounter interface {
	UploadFailed()
}

// Worker drains the queue, uploading one clip at a time.
type Worker struct {
	queue     *Queue
	transport Transport
	dir       clip.Dir
	ext       string

	sink     status.Sink
	journal  Journal
	failures FailureCounter
	logger   recorderlog.Logger

	journalTimeout time.Duration
}

type WorkerOption func(*Worker)

func WithStatus(s status.Sink) WorkerOption { return func(w *Worker) { w.sink = s } }

func WithJournal(j Journal) WorkerOption { return func(w *Worker) { w.journal = j } }

func WithFailureCounter(c FailureCounter) WorkerOption {
	return func(w *Worker) { w.failures = c }
}

func WithLogger(l recorderlog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = l }
}

// NewWorker uploads clips named <id><ext> from dir.
func NewWorker(queue *Queue, transport Transport, dir clip.Dir, ext string, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:          queue,
		transport:      transport,
		dir:            dir,
		ext:            ext,
		sink:           status.Nop{},
		logger:         recorderlog.L(),
		journalTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named("upload-worker")
	return w
}

// Run processes clip ids until the queue is closed and drained or ctx ends.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("Upload worker started", recorderlog.String("dir", w.dir.Root()))
	defer w.logger.Info("Upload worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-w.queue.ch:
			if !ok {
				return
			}
			if err := w.process(ctx, id); err != nil {
				w.logger.Error("Clip upload failed; artifacts kept",
					recorderlog.String("clip", id),
					recorderlog.Error(err))
			}
			w.queue.done(id)
		}
	}
}

// process uploads one clip and deletes its local artifacts on success. The
// result is the video outcome; a thumbnail problem is only logged.
func (w *Worker) process(ctx context.Context, id string) (err error) {
	a := artifactsFor(w.dir, id, w.ext)

	w.sink.Uploading(true, id)
	defer w.sink.Uploading(false, "")

	defer func() {
		if err != nil {
			if w.failures != nil {
				w.failures.UploadFailed()
			}
			w.journalCall(func(jctx context.Context) error { return w.journal.MarkUploadFailed(jctx, id, err) })
		}
	}()

	if _, err := os.Stat(a.VideoPath); err != nil {
		return fmt.Errorf("clip file unavailable: %w", err)
	}

	start := time.Now()
	dest, err := w.transport.Prepare(ctx, a)
	if err != nil {
		return fmt.Errorf("failed to prepare upload: %w", err)
	}

	videoErr := dest.PutVideo(ctx)

	if _, statErr := os.Stat(a.ThumbnailPath); statErr != nil {
		if errors.Is(statErr, fs.ErrNotExist) {
			w.logger.Warn("Clip has no thumbnail", recorderlog.String("clip", id))
		} else {
			w.logger.Warn("Thumbnail unreadable", recorderlog.String("clip", id), recorderlog.Error(statErr))
		}
	} else if err := dest.PutThumbnail(ctx); err != nil {
		w.logger.Warn("Thumbnail upload failed",
			recorderlog.String("clip", id),
			recorderlog.Error(err))
	}

	if videoErr != nil {
		return fmt.Errorf("failed to upload video: %w", videoErr)
	}

	if err := w.dir.Remove(id, w.ext); err != nil {
		w.logger.Warn("Uploaded clip could not be removed", recorderlog.String("clip", id), recorderlog.Error(err))
	}
	w.sink.Uploaded()
	w.journalCall(func(jctx context.Context) error { return w.journal.MarkUploaded(jctx, id) })

	w.logger.Info("Clip uploaded",
		recorderlog.String("clip", id),
		recorderlog.Duration("took", time.Since(start)))
	return nil
}

// journalCall runs fn with its own deadline so a cancelled worker context
// still records the outcome. Journal failures are only logged.
func (w *Worker) journalCall(fn func(context.Context) error) {
	if w.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.journalTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		w.logger.Warn("Clip journal update failed", recorderlog.Error(err))
	}
}

// Requeue queues every finished clip file with extension ext found in dir.
// Clips that are already pending are left alone; clips that do not fit are
// skipped and stay on disk. It returns how many were newly queued.
func Requeue(dir clip.Dir, ext string, q *Queue, logger recorderlog.Logger) (int, error) {
	if logger == nil {
		logger = recorderlog.L()
	}
	ids, err := dir.List(ext)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, id := range ids {
		err := q.TryEnqueue(id)
		if errors.Is(err, ErrAlreadyQueued) {
			logger.Debug("Clip already pending", recorderlog.String("clip", id))
			continue
		}
		if err != nil {
			logger.Warn("Skipping clip during requeue",
				recorderlog.String("clip", id),
				recorderlog.Error(err))
			if errors.Is(err, ErrQueueClosed) {
				return queued, err
			}
			continue
		}
		queued++
	}
	logger.Info("Requeued pending clips",
		recorderlog.Int("queued", queued),
		recorderlog.Int("found", len(ids)))
	return queued, nil
}
