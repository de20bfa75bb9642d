// Package daemon reconciles the tunnel the management clients want with
// the tunnel that is actually running.
//
// All daemon state lives in one goroutine, the one calling Run. Tunnel
// monitors and the management server only ever enqueue events; Run applies
// them one at a time, in arrival order, and performs the side effects each
// transition asks for before taking the next event.
package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/matst80/tunneld/internal/management"
	"github.com/matst80/tunneld/internal/obs"
	"github.com/matst80/tunneld/internal/remote"
	"github.com/matst80/tunneld/internal/states"
	"github.com/matst80/tunneld/internal/tunnel"
)

const managementStopTimeout = 5 * time.Second

// Broadcaster notifies management subscribers of security state changes.
type Broadcaster interface {
	NotifyNewState(states.SecurityState)
}

// ManagementServer is the control surface the daemon starts and watches.
type ManagementServer interface {
	Address() string
	Broadcaster() Broadcaster
	// Wait blocks until the server stops.
	Wait() error
	Stop(ctx context.Context) error
}

// ManagementStarter launches the management server, delivering client
// commands to sink.
type ManagementStarter func(sink management.CommandSink) (ManagementServer, error)

// Options wires a Daemon to its collaborators.
type Options struct {
	Remotes         []remote.Endpoint
	Tunnels         tunnel.Starter
	StartManagement ManagementStarter
}

// Daemon is the aggregate root. It is consumed by Run.
type Daemon struct {
	state           states.TunnelState
	targetState     states.TargetState
	lastBroadcasted states.SecurityState

	queue       *queue
	closeHandle tunnel.CloseHandle // non-nil iff state is Down or Up
	attempt     uint64
	attemptAt   time.Time

	remotes     *remote.Selector
	tunnels     tunnel.Starter
	management  ManagementServer
	broadcaster Broadcaster
}

// New starts the management server and returns a daemon that is not yet
// processing events.
func New(opts Options) (*Daemon, error) {
	if opts.Tunnels == nil || opts.StartManagement == nil {
		return nil, fmt.Errorf("daemon: missing collaborators")
	}
	remotes, err := remote.NewSelector(opts.Remotes)
	if err != nil {
		return nil, err
	}
	q := newQueue()
	srv, err := startManagement(opts.StartManagement, Sink{q})
	if err != nil {
		return nil, err
	}
	return &Daemon{
		state:           states.NotRunning,
		targetState:     states.TargetUnsecured,
		lastBroadcasted: states.Unsecured,
		queue:           q,
		remotes:         remotes,
		tunnels:         opts.Tunnels,
		management:      srv,
		broadcaster:     srv.Broadcaster(),
	}, nil
}

func startManagement(start ManagementStarter, sink Sink) (ManagementServer, error) {
	srv, err := start(func(cmd management.Command) {
		sink.Send(ManagementCommand{Command: cmd})
	})
	if err != nil {
		return nil, newError(KindManagementInterface, "failed to start server", err)
	}
	obs.Info("management.listening", obs.Fields{"address": srv.Address()})
	go func() {
		err := srv.Wait()
		obs.Debug("management.shutdown", obs.Fields{})
		sink.Send(ManagementExit{Err: err})
	}()
	return srv, nil
}

// Sink returns a handle for feeding events into the daemon.
func (d *Daemon) Sink() Sink { return Sink{d.queue} }

// ManagementAddress is where management clients connect.
func (d *Daemon) ManagementAddress() string { return d.management.Address() }

// Run processes events until ctx is cancelled, which is a clean stop, or an
// event fails fatally, in which case that error is returned. Either way an
// outstanding tunnel is closed and the management server stopped.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.teardown()
	for {
		ev, ok := d.queue.pop(ctx)
		if !ok {
			obs.Debug("daemon.stopping", obs.Fields{})
			return nil
		}
		if err := d.handleEvent(ev); err != nil {
			obs.ErrorsTotal.WithLabelValues("fatal").Inc()
			return err
		}
	}
}

func (d *Daemon) teardown() {
	d.queue.close()
	if h := d.closeHandle; h != nil {
		d.closeHandle = nil
		if err := h.Close(); err != nil {
			obs.Error("tunnel.close.teardown", obs.Fields{"err": err.Error()})
		}
		d.setState(states.NotRunning)
	}
	ctx, cancel := context.WithTimeout(context.Background(), managementStopTimeout)
	defer cancel()
	if err := d.management.Stop(ctx); err != nil {
		obs.Error("management.stop", obs.Fields{"err": err.Error()})
	}
}

func (d *Daemon) handleEvent(ev Event) error {
	obs.DaemonEventsTotal.WithLabelValues(ev.daemonEvent()).Inc()
	switch e := ev.(type) {
	case TunnelEvent:
		d.handleTunnelEvent(e)
		return nil
	case TunnelExit:
		return d.handleTunnelExit(e)
	case ManagementCommand:
		return d.handleManagementCommand(e.Command)
	case ManagementExit:
		return d.handleManagementExit(e.Err)
	default:
		return newError(KindInvalidState, fmt.Sprintf("unknown event %T", ev), nil)
	}
}

// stale reports whether an event belongs to an attempt that is no longer
// outstanding, e.g. one that was closed on request.
func (d *Daemon) stale(attempt uint64) bool {
	return attempt != d.attempt || d.closeHandle == nil
}

func (d *Daemon) handleTunnelEvent(e TunnelEvent) {
	if d.stale(e.Attempt) {
		obs.Debug("tunnel.event.stale", obs.Fields{"event": e.Event.String(), "attempt": e.Attempt})
		return
	}
	obs.Info("tunnel.event", obs.Fields{"event": e.Event.String()})
	switch e.Event {
	case tunnel.Up:
		obs.TunnelConnectSeconds.Observe(time.Since(d.attemptAt).Seconds())
		d.setState(states.Up)
	case tunnel.Down:
		d.setState(states.Down)
	}
}

func (d *Daemon) handleTunnelExit(e TunnelExit) error {
	if d.stale(e.Attempt) {
		obs.Debug("tunnel.exit.stale", obs.Fields{"attempt": e.Attempt})
		return nil
	}
	d.closeHandle = nil
	if e.Err != nil {
		obs.TunnelExitsTotal.WithLabelValues("error").Inc()
		obs.Error("tunnel.exit.unexpected", obs.Fields{"err": e.Err.Error(), "cause": obs.ErrorChain(e.Err)})
	} else {
		obs.TunnelExitsTotal.WithLabelValues("ok").Inc()
		obs.Info("tunnel.exit", obs.Fields{})
	}
	d.setState(states.NotRunning)
	if d.targetState == states.TargetSecured {
		return d.startTunnel()
	}
	return nil
}

func (d *Daemon) handleManagementCommand(cmd management.Command) error {
	switch c := cmd.(type) {
	case management.SetTargetState:
		return d.setTargetState(c.State)
	case management.GetState:
		if c.Reply == nil {
			return nil
		}
		if err := c.Reply.Send(d.lastBroadcasted); err != nil {
			obs.Warn("management.reply.failed", obs.Fields{"err": err.Error()})
		}
		return nil
	default:
		obs.Warn("management.command.unknown", obs.Fields{"type": fmt.Sprintf("%T", cmd)})
		return nil
	}
}

// handleManagementExit is always fatal: without the server no client can
// reach the daemon.
func (d *Daemon) handleManagementExit(err error) error {
	return newError(KindManagementInterface, "server exited unexpectedly", err)
}

// setTargetState acts on changes of the target only.
func (d *Daemon) setTargetState(target states.TargetState) error {
	if target == d.targetState {
		return nil
	}
	d.targetState = target
	obs.Info("daemon.target_state", obs.Fields{"target": target.String()})

	switch target {
	case states.TargetSecured:
		if d.state == states.NotRunning {
			obs.Debug("tunnel.start.requested", obs.Fields{})
			return d.startTunnel()
		}
	case states.TargetUnsecured:
		if h := d.closeHandle; h != nil {
			obs.Debug("tunnel.stop.requested", obs.Fields{})
			d.closeHandle = nil
			// blocks until the tunnel process is gone
			if err := h.Close(); err != nil {
				return newError(KindTunnel, "unable to kill tunnel", err)
			}
			d.setState(states.NotRunning)
		}
	}
	return nil
}

// setState records an observed tunnel state and broadcasts the derived
// security state when it changed.
func (d *Daemon) setState(s states.TunnelState) {
	if s == d.state {
		return
	}
	d.state = s
	if s == states.Up {
		obs.Info("tunnel.connected", obs.Fields{})
	}
	sec := s.SecurityState()
	if sec == d.lastBroadcasted {
		return
	}
	d.lastBroadcasted = sec
	obs.StateBroadcastsTotal.Inc()
	if sec == states.Secured {
		obs.SecurityState.Set(1)
	} else {
		obs.SecurityState.Set(0)
	}
	d.broadcaster.NotifyNewState(sec)
}

func (d *Daemon) startTunnel() error {
	if d.state != states.NotRunning {
		return newError(KindInvalidState, "tunnel start while state is "+d.state.String(), nil)
	}
	ep := d.remotes.Next()
	d.attempt++
	attempt := d.attempt
	sink := Sink{d.queue}

	obs.Info("tunnel.connecting", obs.Fields{"remote": ep.String(), "attempt": attempt})
	obs.TunnelAttemptsTotal.WithLabelValues(ep.String()).Inc()
	m, err := d.tunnels.Start(ep, func(e tunnel.Event) {
		sink.Send(TunnelEvent{Attempt: attempt, Event: e})
	})
	if err != nil {
		return newError(KindTunnel, "unable to start tunnel monitor", err)
	}
	d.closeHandle = m.CloseHandle()
	d.attemptAt = time.Now()
	go func() {
		err := m.Wait()
		sink.Send(TunnelExit{Attempt: attempt, Err: err})
		obs.Debug("tunnel.waiter.exit", obs.Fields{"attempt": attempt})
	}()
	d.setState(states.Down)
	return nil
}

type serverAdapter struct{ *management.Server }

func (a serverAdapter) Broadcaster() Broadcaster { return a.EventBroadcaster() }

// StartWebSocketManagement returns a ManagementStarter for the JSON-RPC
// websocket server.
func StartWebSocketManagement(opts management.Options) ManagementStarter {
	return func(sink management.CommandSink) (ManagementServer, error) {
		srv, err := management.Start(opts, sink)
		if err != nil {
			return nil, err
		}
		return serverAdapter{srv}, nil
	}
}
