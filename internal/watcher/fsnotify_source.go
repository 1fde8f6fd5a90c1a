package watcher

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ErrSourceClosed is returned when subscribing to a closed source.
var ErrSourceClosed = errors.New("notification source closed")

// FSNotifySource watches directories with one fsnotify watcher and one
// forwarding goroutine per directory.
type FSNotifySource struct {
	events chan Event
	done   chan struct{}
	logger zerolog.Logger

	mu     sync.Mutex
	subs   map[*fsSubscription]struct{}
	closed bool
}

var _ Source = (*FSNotifySource)(nil)

// NewFSNotifySource creates a source whose fan-in channel holds buffer events.
func NewFSNotifySource(buffer int, logger zerolog.Logger) *FSNotifySource {
	if buffer <= 0 {
		buffer = 256
	}
	return &FSNotifySource{
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "FSNotifySource").Logger(),
		subs:   make(map[*fsSubscription]struct{}),
	}
}

// Events returns the fan-in channel shared by all subscriptions.
func (s *FSNotifySource) Events() <-chan Event {
	return s.events
}

// Subscribe starts watching dir.
func (s *FSNotifySource) Subscribe(dir string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSourceClosed
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch directory '%s': %w", dir, err)
	}

	sub := &fsSubscription{
		dir:     dir,
		watcher: w,
		source:  s,
		stop:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	s.subs[sub] = struct{}{}
	go sub.run()

	s.logger.Info().Str("directory", dir).Msg("Directory subscription started")
	return sub, nil
}

// Close tears down every subscription. The events channel is left open so
// readers select on their own context.
func (s *FSNotifySource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	subs := make([]*fsSubscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		errs = append(errs, sub.Close())
	}
	return errors.Join(errs...)
}

func (s *FSNotifySource) forget(sub *fsSubscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

type fsSubscription struct {
	dir     string
	watcher *fsnotify.Watcher
	source  *FSNotifySource
	stop    chan struct{}
	exited  chan struct{}
	once    sync.Once
	err     error
}

func (sub *fsSubscription) Dir() string { return sub.dir }

func (sub *fsSubscription) Close() error {
	sub.once.Do(func() {
		close(sub.stop)
		sub.err = sub.watcher.Close()
		<-sub.exited
		sub.source.forget(sub)
		sub.source.logger.Info().Str("directory", sub.dir).Msg("Directory subscription stopped")
	})
	return sub.err
}

func (sub *fsSubscription) run() {
	defer close(sub.exited)
	logger := sub.source.logger
	for {
		select {
		case <-sub.stop:
			return
		case ev, ok := <-sub.watcher.Events:
			if !ok {
				return
			}
			kind, relevant := translateOp(ev.Op)
			if !relevant {
				continue
			}
			out := Event{Path: filepath.Clean(ev.Name), Kind: kind, At: time.Now()}
			select {
			case sub.source.events <- out:
			case <-sub.stop:
				return
			case <-sub.source.done:
				return
			}
		case err, ok := <-sub.watcher.Errors:
			if !ok {
				return
			}
			// Overflow means notifications were dropped; reconciliation covers the gap.
			logger.Error().Err(err).Str("directory", sub.dir).Msg("File watcher error")
		}
	}
}

// translateOp maps fsnotify operations onto event kinds. Renames away from the
// watched name look like deletions; metadata-only changes are reported as
// modifications and later discarded by digest comparison.
func translateOp(op fsnotify.Op) (EventKind, bool) {
	switch {
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return Deleted, true
	case op.Has(fsnotify.Create):
		return Created, true
	case op.Has(fsnotify.Write), op.Has(fsnotify.Chmod):
		return Modified, true
	default:
		return "", false
	}
}
