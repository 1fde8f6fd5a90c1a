package watcher

import (
	"fmt"
	"sync"
	"time"
)

// FakeSource is an in-memory Source for tests. Events are injected with Emit.
type FakeSource struct {
	events chan Event

	mu     sync.Mutex
	active map[string]int
	opened int
	// SubscribeErr, when set, is returned by Subscribe.
	SubscribeErr error
}

var _ Source = (*FakeSource)(nil)

// NewFakeSource creates a FakeSource with a buffered event channel.
func NewFakeSource() *FakeSource {
	return &FakeSource{
		events: make(chan Event, 1024),
		active: make(map[string]int),
	}
}

func (f *FakeSource) Events() <-chan Event { return f.events }

func (f *FakeSource) Subscribe(dir string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubscribeErr != nil {
		return nil, f.SubscribeErr
	}
	f.active[dir]++
	f.opened++
	return &fakeSubscription{dir: dir, source: f}, nil
}

func (f *FakeSource) Close() error { return nil }

// Emit injects a raw notification.
func (f *FakeSource) Emit(path string, kind EventKind) {
	f.events <- Event{Path: path, Kind: kind, At: time.Now()}
}

// ActiveSubscriptions returns the number of open subscriptions for dir.
func (f *FakeSource) ActiveSubscriptions(dir string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[dir]
}

// TotalActive returns the number of open subscriptions across all directories.
func (f *FakeSource) TotalActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.active {
		n += c
	}
	return n
}

// Opened returns how many subscriptions were ever created.
func (f *FakeSource) Opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

type fakeSubscription struct {
	dir    string
	source *FakeSource
	once   sync.Once
}

func (s *fakeSubscription) Dir() string { return s.dir }

func (s *fakeSubscription) Close() error {
	closed := false
	s.once.Do(func() {
		s.source.mu.Lock()
		defer s.source.mu.Unlock()
		if s.source.active[s.dir] <= 0 {
			return
		}
		s.source.active[s.dir]--
		if s.source.active[s.dir] == 0 {
			delete(s.source.active, s.dir)
		}
		closed = true
	})
	if !closed {
		return fmt.Errorf("subscription for %s already closed", s.dir)
	}
	return nil
}
