package indexer

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// collectFlush gathers flushed documents behind a mutex.
type collectFlush struct {
	mu      sync.Mutex
	batches [][]Document
}

func (c *collectFlush) flush(docs []Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, docs)
}

func (c *collectFlush) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.batches {
		n += len(b)
	}
	return n
}

func TestBatchQueue_FlushesAtBatchSize(t *testing.T) {
	sink := &collectFlush{}
	q := NewBatchQueue(3, 10, time.Hour, sink.flush, quietLogger())
	defer q.Stop()

	for i := 0; i < 3; i++ {
		if err := q.Add(Document{ID: "d", Content: "c"}); err != nil {
			t.Fatalf("add %d failed: %v", i, err)
		}
	}

	if got := sink.total(); got != 3 {
		t.Errorf("expected 3 flushed documents, got %d", got)
	}
	if q.Size() != 0 {
		t.Errorf("queue should be empty after flush, size %d", q.Size())
	}
}

func TestBatchQueue_RejectsWhenFull(t *testing.T) {
	// A stalled flush keeps the queue from draining.
	entered := make(chan struct{})
	block := make(chan struct{})
	q := NewBatchQueue(1, 2, time.Hour, func([]Document) {
		close(entered)
		<-block
	}, quietLogger())
	defer func() {
		close(block)
		q.Stop()
	}()

	go q.Add(Document{ID: "1"}) // triggers the flush, which stalls
	<-entered

	if err := q.Add(Document{ID: "2"}); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := q.Add(Document{ID: "3"}); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := q.Add(Document{ID: "4"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestBatchQueue_StopDrains(t *testing.T) {
	sink := &collectFlush{}
	q := NewBatchQueue(100, 100, time.Hour, sink.flush, quietLogger())

	for i := 0; i < 5; i++ {
		if err := q.Add(Document{ID: "d"}); err != nil {
			t.Fatalf("add failed: %v", err)
		}
	}
	q.Stop()

	if got := sink.total(); got != 5 {
		t.Errorf("expected final drain of 5 documents, got %d", got)
	}
}

func TestBatchQueue_AccountingInvariant(t *testing.T) {
	sink := &collectFlush{}
	q := NewBatchQueue(4, 100, time.Hour, sink.flush, quietLogger())

	added := 17
	for i := 0; i < added; i++ {
		if err := q.Add(Document{ID: "d"}); err != nil {
			t.Fatalf("add failed: %v", err)
		}
	}

	if got := sink.total() + q.Size(); got != added {
		t.Errorf("flushed+queued = %d, want %d", got, added)
	}
	q.Stop()
	if got := sink.total(); got != added {
		t.Errorf("after stop, flushed = %d, want %d", got, added)
	}
}

func TestBatchQueue_PanickingFlushContained(t *testing.T) {
	q := NewBatchQueue(1, 10, time.Hour, func([]Document) { panic("boom") }, quietLogger())
	defer q.Stop()

	if err := q.Add(Document{ID: "d"}); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	// A second add still works after the panic.
	if err := q.Add(Document{ID: "d2"}); err != nil {
		t.Errorf("queue unusable after panicking flush: %v", err)
	}
}

func TestBatchQueue_IntervalFlush(t *testing.T) {
	sink := &collectFlush{}
	q := NewBatchQueue(100, 100, 20*time.Millisecond, sink.flush, quietLogger())
	defer q.Stop()

	if err := q.Add(Document{ID: "d"}); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for sink.total() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("interval flush never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
