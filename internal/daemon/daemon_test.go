package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matst80/tunneld/internal/management"
	"github.com/matst80/tunneld/internal/remote"
	"github.com/matst80/tunneld/internal/states"
	"github.com/matst80/tunneld/internal/tunnel"
)

type fakeMonitor struct {
	closeErr error
	once     sync.Once
	done     chan struct{}
	exitErr  error
	closed   bool
}

func newFakeMonitor() *fakeMonitor { return &fakeMonitor{done: make(chan struct{})} }

func (m *fakeMonitor) CloseHandle() tunnel.CloseHandle { return m }

func (m *fakeMonitor) Close() error {
	if m.closeErr != nil {
		return m.closeErr
	}
	m.closed = true
	m.exit(nil)
	return nil
}

func (m *fakeMonitor) exit(err error) {
	m.once.Do(func() {
		m.exitErr = err
		close(m.done)
	})
}

func (m *fakeMonitor) Wait() error {
	<-m.done
	return m.exitErr
}

type fakeStarter struct {
	mu        sync.Mutex
	endpoints []remote.Endpoint
	monitors  []*fakeMonitor
	startErr  error
	closeErr  error
}

func (s *fakeStarter) Start(ep remote.Endpoint, _ tunnel.EventSink) (tunnel.Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return nil, s.startErr
	}
	m := newFakeMonitor()
	m.closeErr = s.closeErr
	s.endpoints = append(s.endpoints, ep)
	s.monitors = append(s.monitors, m)
	return m, nil
}

func (s *fakeStarter) started() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.monitors)
}

func (s *fakeStarter) monitor(i int) *fakeMonitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitors[i]
}

type fakeManagement struct {
	mu         sync.Mutex
	broadcasts []states.SecurityState
	notified   chan states.SecurityState
	exit       chan error
	stopOnce   sync.Once
	stopped    chan struct{}
}

func newFakeManagement() *fakeManagement {
	return &fakeManagement{
		notified: make(chan states.SecurityState, 16),
		exit:     make(chan error, 1),
		stopped:  make(chan struct{}),
	}
}

func (f *fakeManagement) Address() string          { return "ws://fake" }
func (f *fakeManagement) Broadcaster() Broadcaster { return f }

func (f *fakeManagement) NotifyNewState(s states.SecurityState) {
	f.mu.Lock()
	f.broadcasts = append(f.broadcasts, s)
	f.mu.Unlock()
	f.notified <- s
}

func (f *fakeManagement) Wait() error {
	select {
	case err := <-f.exit:
		return err
	case <-f.stopped:
		return nil
	}
}

func (f *fakeManagement) Stop(context.Context) error {
	f.stopOnce.Do(func() { close(f.stopped) })
	return nil
}

func (f *fakeManagement) sent() []states.SecurityState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]states.SecurityState(nil), f.broadcasts...)
}

var testRemotes = []remote.Endpoint{
	{Host: "se5.mullvad.net", Port: 1300},
	{Host: "se6.mullvad.net", Port: 1300},
	{Host: "se7.mullvad.net", Port: 1300},
}

func newTestDaemon(t *testing.T) (*Daemon, *fakeStarter, *fakeManagement) {
	t.Helper()
	st := &fakeStarter{}
	mgmt := newFakeManagement()
	d, err := New(Options{
		Remotes: testRemotes,
		Tunnels: st,
		StartManagement: func(management.CommandSink) (ManagementServer, error) {
			return mgmt, nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = mgmt.Stop(context.Background()) })
	return d, st, mgmt
}

// step feeds one event and checks the daemon's structural invariants.
func step(t *testing.T, d *Daemon, ev Event) error {
	t.Helper()
	err := d.handleEvent(ev)
	running := d.state == states.Down || d.state == states.Up
	if running != (d.closeHandle != nil) {
		t.Fatalf("after %T: state %v with handle present=%v", ev, d.state, d.closeHandle != nil)
	}
	if d.lastBroadcasted != d.state.SecurityState() {
		t.Fatalf("after %T: broadcast %v but state %v", ev, d.lastBroadcasted, d.state)
	}
	return err
}

func mustStep(t *testing.T, d *Daemon, ev Event) {
	t.Helper()
	if err := step(t, d, ev); err != nil {
		t.Fatalf("%T: %v", ev, err)
	}
}

func target(s states.TargetState) Event {
	return ManagementCommand{Command: management.SetTargetState{State: s}}
}

func getState(t *testing.T, d *Daemon) states.SecurityState {
	t.Helper()
	r := management.NewStateReply(context.Background())
	mustStep(t, d, ManagementCommand{Command: management.GetState{Reply: r}})
	s, err := r.Wait(context.Background())
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	return s
}

func equalStates(a, b []states.SecurityState) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSecureConnectsAndBroadcastsOnUp(t *testing.T) {
	d, st, mgmt := newTestDaemon(t)
	if got := getState(t, d); got != states.Unsecured {
		t.Fatalf("initial state %v", got)
	}

	mustStep(t, d, target(states.TargetSecured))
	if st.started() != 1 || st.endpoints[0] != testRemotes[0] {
		t.Fatalf("starts %v", st.endpoints)
	}
	if d.state != states.Down || len(mgmt.sent()) != 0 {
		t.Fatalf("state %v broadcasts %v", d.state, mgmt.sent())
	}

	mustStep(t, d, TunnelEvent{Attempt: 1, Event: tunnel.Up})
	if !equalStates(mgmt.sent(), []states.SecurityState{states.Secured}) {
		t.Errorf("broadcasts %v", mgmt.sent())
	}
	if got := getState(t, d); got != states.Secured {
		t.Errorf("get_state %v", got)
	}
}

func TestUnsecureClosesTunnel(t *testing.T) {
	d, st, mgmt := newTestDaemon(t)
	mustStep(t, d, target(states.TargetSecured))
	mustStep(t, d, TunnelEvent{Attempt: 1, Event: tunnel.Up})
	mustStep(t, d, target(states.TargetUnsecured))

	if !st.monitor(0).closed {
		t.Error("tunnel not closed")
	}
	if d.state != states.NotRunning {
		t.Errorf("state %v", d.state)
	}
	want := []states.SecurityState{states.Secured, states.Unsecured}
	if !equalStates(mgmt.sent(), want) {
		t.Errorf("broadcasts %v want %v", mgmt.sent(), want)
	}

	// the exit of the closed attempt arrives later and changes nothing
	mustStep(t, d, TunnelExit{Attempt: 1})
	if st.started() != 1 || d.state != states.NotRunning {
		t.Errorf("exit after close restarted: starts=%d state=%v", st.started(), d.state)
	}
}

func TestTargetStateIsEdgeTriggered(t *testing.T) {
	d, st, _ := newTestDaemon(t)
	mustStep(t, d, target(states.TargetUnsecured))
	if st.started() != 0 {
		t.Fatal("unsecured target started a tunnel")
	}
	mustStep(t, d, target(states.TargetSecured))
	mustStep(t, d, target(states.TargetSecured))
	if st.started() != 1 {
		t.Errorf("starts = %d", st.started())
	}
}

func TestBroadcastOnlyOnSecurityChange(t *testing.T) {
	d, _, mgmt := newTestDaemon(t)
	mustStep(t, d, target(states.TargetSecured))
	mustStep(t, d, TunnelEvent{Attempt: 1, Event: tunnel.Down})
	mustStep(t, d, TunnelEvent{Attempt: 1, Event: tunnel.Up})
	mustStep(t, d, TunnelEvent{Attempt: 1, Event: tunnel.Up})
	mustStep(t, d, TunnelEvent{Attempt: 1, Event: tunnel.Down})
	mustStep(t, d, TunnelEvent{Attempt: 1, Event: tunnel.Down})
	want := []states.SecurityState{states.Secured, states.Unsecured}
	if !equalStates(mgmt.sent(), want) {
		t.Errorf("broadcasts %v want %v", mgmt.sent(), want)
	}
}

func TestExitReconnectsRoundRobin(t *testing.T) {
	d, st, mgmt := newTestDaemon(t)
	mustStep(t, d, target(states.TargetSecured))
	mustStep(t, d, TunnelEvent{Attempt: 1, Event: tunnel.Up})

	for attempt := uint64(1); attempt <= 3; attempt++ {
		mustStep(t, d, TunnelExit{Attempt: attempt, Err: errors.New("process exited")})
		if d.state != states.Down {
			t.Fatalf("after exit %d: state %v", attempt, d.state)
		}
	}
	want := []remote.Endpoint{testRemotes[0], testRemotes[1], testRemotes[2], testRemotes[0]}
	for i, ep := range want {
		if st.endpoints[i] != ep {
			t.Errorf("attempt %d went to %v want %v", i+1, st.endpoints[i], ep)
		}
	}
	if !equalStates(mgmt.sent(), []states.SecurityState{states.Secured, states.Unsecured}) {
		t.Errorf("broadcasts %v", mgmt.sent())
	}
}

func TestStaleEventsIgnored(t *testing.T) {
	d, st, mgmt := newTestDaemon(t)
	mustStep(t, d, target(states.TargetSecured))
	mustStep(t, d, target(states.TargetUnsecured))
	mustStep(t, d, target(states.TargetSecured))
	if st.started() != 2 || d.attempt != 2 {
		t.Fatalf("starts=%d attempt=%d", st.started(), d.attempt)
	}

	mustStep(t, d, TunnelEvent{Attempt: 1, Event: tunnel.Up})
	mustStep(t, d, TunnelExit{Attempt: 1})
	if d.state != states.Down || st.started() != 2 {
		t.Errorf("stale attempt leaked: state=%v starts=%d", d.state, st.started())
	}
	if len(mgmt.sent()) != 0 {
		t.Errorf("broadcasts %v", mgmt.sent())
	}

	mustStep(t, d, TunnelEvent{Attempt: 2, Event: tunnel.Up})
	if d.state != states.Up {
		t.Errorf("current attempt ignored, state %v", d.state)
	}
}

func TestEventsWithoutTunnelIgnored(t *testing.T) {
	d, st, mgmt := newTestDaemon(t)
	mustStep(t, d, TunnelEvent{Attempt: 0, Event: tunnel.Up})
	mustStep(t, d, TunnelExit{Attempt: 0})
	if d.state != states.NotRunning || st.started() != 0 || len(mgmt.sent()) != 0 {
		t.Errorf("state=%v starts=%d broadcasts=%v", d.state, st.started(), mgmt.sent())
	}
}

func TestCloseFailureIsFatal(t *testing.T) {
	d, st, _ := newTestDaemon(t)
	st.closeErr = errors.New("permission denied")
	mustStep(t, d, target(states.TargetSecured))
	err := d.handleEvent(target(states.TargetUnsecured))
	if !errors.Is(err, ErrTunnel) {
		t.Fatalf("got %v want tunnel error", err)
	}
	if !errors.Is(err, st.closeErr) {
		t.Errorf("cause not wrapped: %v", err)
	}
}

func TestStartFailureIsFatal(t *testing.T) {
	d, st, _ := newTestDaemon(t)
	st.startErr = errors.New("no such binary")
	err := d.handleEvent(target(states.TargetSecured))
	if !errors.Is(err, ErrTunnel) {
		t.Fatalf("got %v", err)
	}
	var de *Error
	if !errors.As(err, &de) || de.Msg != "unable to start tunnel monitor" {
		t.Errorf("unexpected error %#v", err)
	}
}

func TestStartWhileRunningIsInvalid(t *testing.T) {
	d, _, _ := newTestDaemon(t)
	mustStep(t, d, target(states.TargetSecured))
	if err := d.startTunnel(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("got %v", err)
	}
}

func TestManagementExitIsFatal(t *testing.T) {
	for _, cause := range []error{nil, errors.New("accept: closed")} {
		d, _, _ := newTestDaemon(t)
		err := d.handleEvent(ManagementExit{Err: cause})
		if !errors.Is(err, ErrManagementInterface) {
			t.Errorf("cause %v: got %v", cause, err)
		}
	}
}

func TestReplyToGoneClientIsNotFatal(t *testing.T) {
	d, _, _ := newTestDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := management.NewStateReply(ctx)
	if err := step(t, d, ManagementCommand{Command: management.GetState{Reply: r}}); err != nil {
		t.Errorf("got %v", err)
	}
}

func TestNewFailures(t *testing.T) {
	mgmtErr := errors.New("address in use")
	_, err := New(Options{
		Remotes: testRemotes,
		Tunnels: &fakeStarter{},
		StartManagement: func(management.CommandSink) (ManagementServer, error) {
			return nil, mgmtErr
		},
	})
	if !errors.Is(err, ErrManagementInterface) || !errors.Is(err, mgmtErr) {
		t.Errorf("management failure: %v", err)
	}

	_, err = New(Options{
		Tunnels:         &fakeStarter{},
		StartManagement: func(management.CommandSink) (ManagementServer, error) { return newFakeManagement(), nil },
	})
	if !errors.Is(err, remote.ErrNoEndpoints) {
		t.Errorf("no remotes: %v", err)
	}
}

func runDaemon(t *testing.T, d *Daemon, ctx context.Context) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	return done
}

func waitNotified(t *testing.T, mgmt *fakeManagement, want states.SecurityState) {
	t.Helper()
	select {
	case got := <-mgmt.notified:
		if got != want {
			t.Fatalf("notified %v want %v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no %v broadcast", want)
	}
}

func TestRunStopsOnCancelAndClosesTunnel(t *testing.T) {
	d, st, mgmt := newTestDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := runDaemon(t, d, ctx)

	sink := d.Sink()
	sink.Send(target(states.TargetSecured))
	sink.Send(TunnelEvent{Attempt: 1, Event: tunnel.Up})
	waitNotified(t, mgmt, states.Secured)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if !st.monitor(0).closed {
		t.Error("tunnel left running")
	}
	select {
	case <-mgmt.stopped:
	default:
		t.Error("management server not stopped")
	}
	if sink.Send(target(states.TargetUnsecured)) {
		t.Error("Send accepted after stop")
	}
}

func TestRunReconnectsAfterCrash(t *testing.T) {
	d, st, mgmt := newTestDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runDaemon(t, d, ctx)

	d.Sink().Send(target(states.TargetSecured))
	d.Sink().Send(TunnelEvent{Attempt: 1, Event: tunnel.Up})
	waitNotified(t, mgmt, states.Secured)

	st.monitor(0).exit(errors.New("exit status 1"))
	waitNotified(t, mgmt, states.Unsecured)

	deadline := time.Now().Add(2 * time.Second)
	for st.started() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("no reconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
	d.Sink().Send(TunnelEvent{Attempt: 2, Event: tunnel.Up})
	waitNotified(t, mgmt, states.Secured)

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestRunReturnsFatalManagementExit(t *testing.T) {
	d, _, mgmt := newTestDaemon(t)
	done := runDaemon(t, d, context.Background())
	mgmt.exit <- errors.New("listener closed")
	select {
	case err := <-done:
		if !errors.Is(err, ErrManagementInterface) {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestQueuePreservesOrder(t *testing.T) {
	q := newQueue()
	for i := uint64(1); i <= 3; i++ {
		q.push(TunnelExit{Attempt: i})
	}
	for i := uint64(1); i <= 3; i++ {
		ev, ok := q.pop(context.Background())
		if !ok || ev.(TunnelExit).Attempt != i {
			t.Fatalf("pop %d: %v %v", i, ev, ok)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := q.pop(ctx); ok {
		t.Error("pop on cancelled context")
	}
}

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("boom")
	err := newError(KindTunnel, "unable to kill tunnel", cause)
	if got := err.Error(); got != "tunnel monitor error: unable to kill tunnel" {
		t.Errorf("Error() = %q", got)
	}
	if errors.Unwrap(err) != cause {
		t.Error("Unwrap lost cause")
	}
	if errors.Is(err, ErrManagementInterface) {
		t.Error("kind mismatch matched")
	}
}
