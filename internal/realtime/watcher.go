package realtime

import "context"

// Watcher is one attached consumer of the event stream, typically a
// WebSocket connection on the admin dashboard.
type Watcher interface {
	// ID identifies the watcher in logs.
	ID() string

	// Deliver hands the watcher one event. An error detaches the watcher.
	Deliver(event Event) error

	// Close releases the watcher's connection. Called by Bus.Detach.
	Close() error

	// Context ends when the watcher's connection is gone; the bus detaches
	// it on the next fan-out.
	Context() context.Context
}
