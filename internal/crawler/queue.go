package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrQueueClosed is returned by Dequeue once the queue is closed and drained.
var ErrQueueClosed = errors.New("crawler: queue closed")

// downloadQueue is a bounded in-memory queue feeding the download workers.
// Discovery enqueues, workers dequeue; both respect context cancellation.
type downloadQueue struct {
	ch      chan Download
	closeMu sync.Mutex
	closed  bool
}

func newDownloadQueue(capacity int) *downloadQueue {
	return &downloadQueue{
		ch: make(chan Download, capacity),
	}
}

// Enqueue pushes a download or returns if the context ends first.
func (q *downloadQueue) Enqueue(ctx context.Context, d Download) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("crawler: enqueue canceled: %w", ctx.Err())
	case q.ch <- d:
		return nil
	}
}

// Dequeue pops the next download, respecting context cancellation. It returns
// ErrQueueClosed once the queue is closed and empty.
func (q *downloadQueue) Dequeue(ctx context.Context) (Download, error) {
	select {
	case <-ctx.Done():
		return Download{}, fmt.Errorf("crawler: dequeue canceled: %w", ctx.Err())
	case d, ok := <-q.ch:
		if !ok {
			return Download{}, ErrQueueClosed
		}
		return d, nil
	}
}

// Close marks the producer side finished. Safe to call multiple times.
func (q *downloadQueue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
