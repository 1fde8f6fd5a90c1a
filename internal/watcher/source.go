package watcher

import "time"

// EventKind is the kind of raw change a notification source reports.
type EventKind string

const (
	Created  EventKind = "created"
	Modified EventKind = "modified"
	Deleted  EventKind = "deleted"
)

// Event is one raw notification. Sources may deliver duplicates and may
// deliver them out of order.
type Event struct {
	Path string
	Kind EventKind
	At   time.Time
}

// Subscription is a live watch on one directory.
type Subscription interface {
	Dir() string
	// Close stops delivery for the directory and returns once its worker has exited.
	Close() error
}

// Source delivers raw file notifications for subscribed directories on a
// single fan-in channel.
type Source interface {
	Subscribe(dir string) (Subscription, error)
	Events() <-chan Event
	Close() error
}
