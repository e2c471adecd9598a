// Package upload moves finished clips from the local clip directory to remote
// storage on a single background worker.
package upload

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/mikeyg42/securitycam/internal/recorder/recorderlog"
)

const DefaultQueueDepth = 20

var (
	ErrQueueFull     = errors.New("upload queue full")
	ErrQueueClosed   = errors.New("upload queue closed")
	ErrAlreadyQueued = errors.New("clip already queued")
)

// Queue is the bounded FIFO of clip ids between the recorder and the worker.
// Producers never block. An id is pending from the moment it is queued until
// the worker is done with it, and a pending id is never queued twice.
type Queue struct {
	mu      sync.Mutex
	closed  bool
	ch      chan string
	pending map[string]struct{}

	dropped atomic.Uint64
	logger  recorderlog.Logger
}

func NewQueue(depth int, logger recorderlog.Logger) *Queue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	if logger == nil {
		logger = recorderlog.L()
	}
	return &Queue{
		ch:      make(chan string, depth),
		pending: make(map[string]struct{}, depth),
		logger:  logger.Named("upload-queue"),
	}
}

// TryEnqueue queues a clip id without blocking.
func (q *Queue) TryEnqueue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if _, ok := q.pending[id]; ok {
		return ErrAlreadyQueued
	}
	select {
	case q.ch <- id:
		q.pending[id] = struct{}{}
		return nil
	default:
		q.dropped.Add(1)
		return ErrQueueFull
	}
}

// Enqueue is TryEnqueue that logs the refusal and reports whether the id is
// now pending.
func (q *Queue) Enqueue(id string) bool {
	err := q.TryEnqueue(id)
	if errors.Is(err, ErrAlreadyQueued) {
		return true
	}
	if err != nil {
		q.logger.Warn("Clip not queued for upload; it stays on disk",
			recorderlog.String("clip", id),
			recorderlog.Error(err))
		return false
	}
	return true
}

// Close stops accepting ids. Queued ids are still delivered to the worker.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// done releases an id once the worker has finished with it, whatever the
// outcome, so a later requeue can pick it up again.
func (q *Queue) done(id string) {
	q.mu.Lock()
	delete(q.pending, id)
	q.mu.Unlock()
}

func (q *Queue) Len() int { return len(q.ch) }

func (q *Queue) Cap() int { return cap(q.ch) }

// Dropped counts ids refused because the queue was full.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }
