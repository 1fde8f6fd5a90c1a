package debounce

import (
	"context"
	"sync"
	"time"

	"github.com/aleister1102/anchorwatch/internal/watcher"
	"github.com/rs/zerolog"
)

// DefaultWindow is the coalescing window used when none is configured.
const DefaultWindow = 300 * time.Millisecond

// maxDelayWindows caps how many windows a continuous burst can hold back
// its change.
const maxDelayWindows = 4

// Change is one logical change for a path, coalesced from a burst of raw events.
type Change struct {
	Path string
	Kind watcher.EventKind
	// RawEvents is the number of notifications merged into this change.
	RawEvents int
	FirstSeen time.Time
}

// EmitFunc receives coalesced changes. It is called from timer goroutines,
// one call at a time, and must not block for long.
type EmitFunc func(Change)

// FilterFunc reports whether events for path should be considered at all.
type FilterFunc func(path string) bool

type pending struct {
	kind      watcher.EventKind
	sawDelete bool
	count     int
	first     time.Time
	deadline  time.Time
	timer     *time.Timer
}

// Debouncer collapses bursts of raw notifications per path. The window for a
// path opens at its first event and every further event extends it by the
// window length, up to a maximum delay measured from the first event. One
// Change is emitted when the window closes. Within a window the last kind wins, except that a deletion followed by a
// re-creation or write is reported as a single Modified change.
type Debouncer struct {
	window   time.Duration
	maxDelay time.Duration
	emit     EmitFunc
	filter FilterFunc
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pending
	stopped bool

	// emitMu keeps emissions ordered across windows of the same path.
	emitMu sync.Mutex
}

// New creates a Debouncer. A non-positive window selects DefaultWindow.
func New(window time.Duration, emit EmitFunc, logger zerolog.Logger) *Debouncer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Debouncer{
		window:   window,
		maxDelay: maxDelayWindows * window,
		emit:     emit,
		logger:   logger.With().Str("component", "Debouncer").Logger(),
		pending:  make(map[string]*pending),
	}
}

// SetFilter installs a predicate that drops events for uninteresting paths.
func (d *Debouncer) SetFilter(filter FilterFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filter = filter
}

// Window returns the configured coalescing window.
func (d *Debouncer) Window() time.Duration {
	return d.window
}

// MaxDelay returns the longest time a change can be held back by a burst.
func (d *Debouncer) MaxDelay() time.Duration {
	return d.maxDelay
}

// Add merges one raw event into the window for its path.
func (d *Debouncer) Add(ev watcher.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.filter != nil && !d.filter(ev.Path) {
		return
	}

	now := time.Now()
	p, ok := d.pending[ev.Path]
	if !ok {
		p = &pending{first: now, deadline: now.Add(d.window)}
		d.pending[ev.Path] = p
		path := ev.Path
		p.timer = time.AfterFunc(d.window, func() { d.fire(path, p) })
	} else {
		p.deadline = now.Add(d.window)
		if limit := p.first.Add(d.maxDelay); p.deadline.After(limit) {
			p.deadline = limit
		}
	}
	p.count++

	switch {
	case ev.Kind == watcher.Deleted:
		p.sawDelete = true
		p.kind = watcher.Deleted
	case p.sawDelete:
		p.kind = watcher.Modified
	default:
		p.kind = ev.Kind
	}
}

func (d *Debouncer) fire(path string, p *pending) {
	d.mu.Lock()
	if d.stopped || d.pending[path] != p {
		d.mu.Unlock()
		return
	}
	if remaining := time.Until(p.deadline); remaining > 0 {
		p.timer = time.AfterFunc(remaining, func() { d.fire(path, p) })
		d.mu.Unlock()
		return
	}
	delete(d.pending, path)
	change := Change{Path: path, Kind: p.kind, RawEvents: p.count, FirstSeen: p.first}
	d.emitMu.Lock()
	d.mu.Unlock()

	d.logger.Debug().Str("path", path).Str("kind", string(change.Kind)).Int("raw_events", change.RawEvents).Msg("Emitting coalesced change")
	d.emit(change)
	d.emitMu.Unlock()
}

// Run feeds events into the debouncer until ctx ends or the channel closes.
func (d *Debouncer) Run(ctx context.Context, events <-chan watcher.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			d.Add(ev)
		}
	}
}

// Pending returns the number of paths with an open window.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels every open window without emitting. Later events are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for path, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, path)
	}
}
