package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrSerializerClosed is returned when work is submitted after Close.
var ErrSerializerClosed = errors.New("path serializer closed")

// PathSerializer runs work for the same path one task at a time, in
// submission order. Different paths run in parallel. A path's queue exists
// only while it has pending work.
type PathSerializer struct {
	logger zerolog.Logger

	mu     sync.Mutex
	queues map[string]*pathQueue
	closed bool
	wg     sync.WaitGroup
}

type pathQueue struct {
	tasks []func()
}

// NewPathSerializer creates a new PathSerializer
func NewPathSerializer(logger zerolog.Logger) *PathSerializer {
	return &PathSerializer{
		logger: logger.With().Str("component", "PathSerializer").Logger(),
		queues: make(map[string]*pathQueue),
	}
}

// Submit queues task behind any pending work for path and returns
// immediately. It reports false once the serializer is closed.
func (ps *PathSerializer) Submit(path string, task func()) bool {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return false
	}
	if q, exists := ps.queues[path]; exists {
		q.tasks = append(q.tasks, task)
		ps.mu.Unlock()
		return true
	}

	q := &pathQueue{tasks: []func(){task}}
	ps.queues[path] = q
	ps.wg.Add(1)
	ps.mu.Unlock()

	go ps.drain(path, q)
	return true
}

// Do runs task in path's queue and waits for its result. If ctx ends first
// Do returns ctx.Err(); the task still runs when its turn comes.
func (ps *PathSerializer) Do(ctx context.Context, path string, task func() error) error {
	done := make(chan error, 1)
	if !ps.Submit(path, func() { done <- task() }) {
		return ErrSerializerClosed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActivePaths returns the number of paths with queued or running work.
func (ps *PathSerializer) ActivePaths() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.queues)
}

// Wait blocks until every queued task has finished.
func (ps *PathSerializer) Wait() {
	ps.wg.Wait()
}

// Close rejects new work and waits for queued work to finish.
func (ps *PathSerializer) Close() {
	ps.mu.Lock()
	ps.closed = true
	ps.mu.Unlock()
	ps.wg.Wait()
}

func (ps *PathSerializer) drain(path string, q *pathQueue) {
	defer ps.wg.Done()
	for {
		ps.mu.Lock()
		if len(q.tasks) == 0 {
			delete(ps.queues, path)
			ps.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		ps.mu.Unlock()

		ps.run(path, task)
	}
}

func (ps *PathSerializer) run(path string, task func()) {
	defer func() {
		if r := recover(); r != nil {
			ps.logger.Error().Str("path", path).Str("panic", fmt.Sprint(r)).Msg("Recovered from panic in path task")
		}
	}()
	task()
}
