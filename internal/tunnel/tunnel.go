// Package tunnel defines how the daemon drives a tunnel attempt and
// provides the OpenVPN-backed implementation.
package tunnel

import "github.com/matst80/tunneld/internal/remote"

// Event is a lifecycle notification from a running tunnel.
type Event int

const (
	Up Event = iota
	Down
)

func (e Event) String() string {
	if e == Up {
		return "Up"
	}
	return "Down"
}

// EventSink receives tunnel events. It may be called from any goroutine,
// concurrently, and after the receiver has lost interest.
type EventSink func(Event)

// CloseHandle is the right to stop one tunnel attempt.
type CloseHandle interface {
	// Close asks the tunnel to stop and blocks until its process is gone.
	Close() error
}

// Monitor is one outstanding tunnel attempt.
type Monitor interface {
	CloseHandle() CloseHandle
	// Wait blocks until the tunnel terminates for any reason.
	Wait() error
}

// Starter launches tunnel attempts.
type Starter interface {
	Start(endpoint remote.Endpoint, sink EventSink) (Monitor, error)
}
