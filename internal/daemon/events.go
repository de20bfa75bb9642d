package daemon

import (
	"context"
	"sync"

	"github.com/matst80/tunneld/internal/management"
	"github.com/matst80/tunneld/internal/tunnel"
)

// Event is everything the daemon loop can receive.
type Event interface{ daemonEvent() string }

// TunnelEvent is a lifecycle notification from tunnel attempt Attempt.
type TunnelEvent struct {
	Attempt uint64
	Event   tunnel.Event
}

// TunnelExit reports that the process of attempt Attempt is gone.
type TunnelExit struct {
	Attempt uint64
	Err     error
}

// ManagementCommand wraps a command from a management client.
type ManagementCommand struct {
	Command management.Command
}

// ManagementExit reports that the management server stopped.
type ManagementExit struct {
	Err error
}

func (TunnelEvent) daemonEvent() string       { return "tunnel_event" }
func (TunnelExit) daemonEvent() string        { return "tunnel_exit" }
func (ManagementCommand) daemonEvent() string { return "management_command" }
func (ManagementExit) daemonEvent() string    { return "management_exit" }

// queue is the daemon's inbound event queue. Pushing never blocks, so
// producers such as a tunnel monitor can't stall behind a busy loop.
type queue struct {
	mu     sync.Mutex
	items  []Event
	ready  chan struct{}
	closed bool
}

func newQueue() *queue {
	return &queue{ready: make(chan struct{}, 1)}
}

// push appends e. It reports false once the daemon has stopped.
func (q *queue) push(e Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, e)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// pop blocks for the next event in arrival order.
func (q *queue) pop(ctx context.Context) (Event, bool) {
	for {
		if ctx.Err() != nil {
			return nil, false
		}
		q.mu.Lock()
		if len(q.items) > 0 {
			e := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return e, true
		}
		q.mu.Unlock()
		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
}

// Sink is the producer side of the queue, safe to copy and share.
type Sink struct{ q *queue }

// Send enqueues e; after the daemon stopped the event is dropped.
func (s Sink) Send(e Event) bool { return s.q.push(e) }
