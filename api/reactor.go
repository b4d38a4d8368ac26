// Package api defines public contracts consumed and produced by SafeIPC.
package api

// IOEvents is a bit set of file descriptor readiness conditions.
type IOEvents uint8

const (
	// EventReadable indicates the descriptor has data to read.
	EventReadable IOEvents = 1 << iota
	// EventWritable indicates the descriptor accepts writes.
	EventWritable
)

// Readable reports whether the set contains EventReadable.
func (e IOEvents) Readable() bool { return e&EventReadable != 0 }

// Writable reports whether the set contains EventWritable.
func (e IOEvents) Writable() bool { return e&EventWritable != 0 }

// Registration represents a file descriptor registered with a Reactor.
type Registration interface {
	// UpdateInterest replaces the set of events the callback wants.
	UpdateInterest(interest IOEvents) error
	// Deregister removes the descriptor from the reactor. A callback that
	// was already dispatched may still run concurrently with Deregister.
	Deregister() error
}

// Event is a software-triggered event. Trigger may be called from any
// goroutine; the callback runs on the reactor's dispatch context.
type Event interface {
	Trigger()
	// Cancel removes the event; a concurrent Trigger may still deliver one
	// final callback.
	Cancel() error
}

// Reactor delivers file descriptor readiness and software events to
// callbacks. All callbacks of one reactor are delivered serially, so a
// connection driven by a single reactor never sees concurrent callbacks.
type Reactor interface {
	// RegisterFD watches fd for the given interest set.
	RegisterFD(fd int, interest IOEvents, cb func(IOEvents)) (Registration, error)
	// NewEvent creates a software event delivering cb when triggered.
	NewEvent(cb func()) (Event, error)
	// Shutdown stops event delivery and releases the reactor's resources.
	Shutdown() error
}
