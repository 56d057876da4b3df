package indexer

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrQueueFull is returned by Add when the queue is at capacity. Callers
// should back off and retry delivery.
var ErrQueueFull = errors.New("batch queue full")

// FlushFunc receives a snapshot of queued documents. Panics are contained;
// a panicking flush loses that batch only.
type FlushFunc func(docs []Document)

// BatchQueue accumulates documents and flushes them when the batch size is
// reached or the flush interval elapses, whichever comes first. Flushes are
// single-writer: one drain runs at a time.
type BatchQueue struct {
	mu    sync.Mutex
	queue []Document

	flushMu sync.Mutex

	batchSize     int
	maxQueueSize  int
	flushInterval time.Duration
	flush         FlushFunc
	logger        *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewBatchQueue creates and starts a batch queue. Stop must be called to
// drain it.
func NewBatchQueue(batchSize, maxQueueSize int, flushInterval time.Duration, flush FlushFunc, logger *slog.Logger) *BatchQueue {
	if batchSize < 1 {
		batchSize = 1
	}
	if maxQueueSize < batchSize {
		maxQueueSize = batchSize
	}
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &BatchQueue{
		queue:         make([]Document, 0, batchSize),
		batchSize:     batchSize,
		maxQueueSize:  maxQueueSize,
		flushInterval: flushInterval,
		flush:         flush,
		logger:        logger,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go q.flushLoop()
	return q
}

// Add enqueues a document, flushing immediately when the batch size is
// reached. While a flush is in progress, documents keep queueing instead of
// stacking up callers; ErrQueueFull signals the queue hit capacity.
func (q *BatchQueue) Add(doc Document) error {
	q.mu.Lock()
	if len(q.queue) >= q.maxQueueSize {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.queue = append(q.queue, doc)
	shouldFlush := len(q.queue) >= q.batchSize
	q.mu.Unlock()

	if shouldFlush {
		q.tryDrain()
	}
	return nil
}

// Size reports the number of queued documents.
func (q *BatchQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Stop halts the periodic flusher and performs one final drain.
func (q *BatchQueue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
	})
	<-q.doneCh
}

func (q *BatchQueue) flushLoop() {
	defer close(q.doneCh)

	ticker := time.NewTicker(q.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.drain()
		case <-q.stopCh:
			q.drain()
			return
		}
	}
}

// tryDrain flushes unless another flush is already running.
func (q *BatchQueue) tryDrain() {
	if !q.flushMu.TryLock() {
		return
	}
	defer q.flushMu.Unlock()
	q.drainLocked()
}

func (q *BatchQueue) drain() {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()
	q.drainLocked()
}

// drainLocked must be called with flushMu held.
func (q *BatchQueue) drainLocked() {
	q.mu.Lock()
	batch := q.take()
	q.mu.Unlock()

	if batch != nil {
		q.runFlush(batch)
	}
}

// take must be called with mu held.
func (q *BatchQueue) take() []Document {
	if len(q.queue) == 0 {
		return nil
	}
	batch := q.queue
	q.queue = make([]Document, 0, q.batchSize)
	return batch
}

// runFlush must be called with flushMu held.
func (q *BatchQueue) runFlush(batch []Document) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("flush callback panicked, batch lost", "count", len(batch), "panic", r)
		}
	}()
	q.flush(batch)
}
