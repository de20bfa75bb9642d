package management

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/matst80/tunneld/internal/states"
)

// Command is a request from a management client to the daemon.
type Command interface{ command() }

// SetTargetState asks the daemon to work towards State.
type SetTargetState struct {
	State states.TargetState
}

// GetState asks for the last broadcast security state.
type GetState struct {
	Reply *StateReply
}

func (SetTargetState) command() {}
func (GetState) command()       {}

// CommandSink delivers commands to the daemon. It must be safe to call
// from any goroutine.
type CommandSink func(Command)

var (
	ErrAlreadyReplied = errors.New("management: state already replied")
	ErrReceiverGone   = errors.New("management: requesting client is gone")
)

// StateReply is a one-shot response slot for a single GetState.
type StateReply struct {
	ctx  context.Context
	ch   chan states.SecurityState
	sent atomic.Bool
}

// NewStateReply ties the reply to ctx: once ctx is done the asker is
// considered gone.
func NewStateReply(ctx context.Context) *StateReply {
	return &StateReply{ctx: ctx, ch: make(chan states.SecurityState, 1)}
}

// Send delivers s. Only the first call succeeds.
func (r *StateReply) Send(s states.SecurityState) error {
	if r.ctx.Err() != nil {
		return ErrReceiverGone
	}
	if !r.sent.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}
	r.ch <- s
	return nil
}

// Wait blocks until the reply arrives or ctx ends.
func (r *StateReply) Wait(ctx context.Context) (states.SecurityState, error) {
	select {
	case s := <-r.ch:
		return s, nil
	case <-ctx.Done():
		return states.Unsecured, ctx.Err()
	case <-r.ctx.Done():
		return states.Unsecured, r.ctx.Err()
	}
}
