package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/crystaldolphin/pingbridge/internal/schema"
)

// serialExecutor runs tasks one at a time per key, in submission order.
// Different keys run concurrently. A key's goroutine exits once its queue
// drains.
type serialExecutor struct {
	mu     sync.Mutex
	queues map[string][]func()
	closed bool
	wg     sync.WaitGroup
}

func newSerialExecutor() *serialExecutor {
	return &serialExecutor{queues: make(map[string][]func())}
}

// Submit enqueues task under key. It returns false after Close.
func (e *serialExecutor) Submit(key string, task func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	q, running := e.queues[key]
	e.queues[key] = append(q, task)
	if !running {
		e.wg.Add(1)
		go e.drain(key)
	}
	return true
}

func (e *serialExecutor) drain(key string) {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		q := e.queues[key]
		if len(q) == 0 {
			delete(e.queues, key)
			e.mu.Unlock()
			return
		}
		task := q[0]
		e.queues[key] = q[1:]
		e.mu.Unlock()

		runTask(key, task)
	}
}

func runTask(key string, task func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dispatch: task panicked", "key", key, "panic", r)
		}
	}()
	task()
}

// Do runs fn under key and waits for it. If ctx ends first, Do returns
// ctx.Err() and fn still runs in its turn.
func (e *serialExecutor) Do(ctx context.Context, key string, fn func()) error {
	done := make(chan struct{})
	if !e.Submit(key, func() {
		defer close(done)
		fn()
	}) {
		return schema.ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects new tasks and waits for queued ones to finish.
func (e *serialExecutor) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
}
