package tunnel

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/matst80/tunneld/internal/obs"
	"github.com/matst80/tunneld/internal/openvpn"
	"github.com/matst80/tunneld/internal/proto"
	"github.com/matst80/tunneld/internal/remote"
)

// EventSocketEnv names the unix socket the event shim reports to.
const EventSocketEnv = "TUNNELD_EVENT_SOCKET"

// replaced in tests
var execCommand = exec.Command

const shimReadTimeout = 10 * time.Second

// OpenVPN starts one openvpn process per attempt. The process runs the
// event shim as its up/down scripts; the shim reports back over a unix
// socket private to that attempt.
type OpenVPN struct {
	Binary      string        `yaml:"binary"`
	EventShim   string        `yaml:"event_shim"`
	ExtraArgs   []string      `yaml:"extra_args"`
	SocketDir   string        `yaml:"socket_dir"`
	KillTimeout time.Duration `yaml:"kill_timeout"`
}

var _ Starter = (*OpenVPN)(nil)

func (o *OpenVPN) args(ep remote.Endpoint) []string {
	args := []string{
		"--client",
		"--nobind",
		"--remote", ep.Host, strconv.Itoa(int(ep.Port)),
		"--script-security", "2",
		"--up", o.EventShim,
		"--route-up", o.EventShim,
		"--down", o.EventShim,
		"--route-pre-down", o.EventShim,
	}
	return append(args, o.ExtraArgs...)
}

func (o *OpenVPN) Start(ep remote.Endpoint, sink EventSink) (Monitor, error) {
	dir, err := os.MkdirTemp(o.SocketDir, "tunneld-")
	if err != nil {
		return nil, fmt.Errorf("event socket dir: %w", err)
	}
	sock := filepath.Join(dir, "events.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("listen event socket: %w", err)
	}

	cmd := execCommand(o.Binary, o.args(ep)...)
	cmd.Env = append(os.Environ(), EventSocketEnv+"="+sock)
	cmd.Stdout = &lineLogger{remote: ep.String()}
	cmd.Stderr = &lineLogger{remote: ep.String(), stderr: true}
	if err := cmd.Start(); err != nil {
		_ = ln.Close()
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("start %s: %w", o.Binary, err)
	}
	obs.Debug("tunnel.process.started", obs.Fields{"pid": cmd.Process.Pid, "remote": ep.String()})

	killTimeout := o.KillTimeout
	if killTimeout <= 0 {
		killTimeout = 5 * time.Second
	}
	m := &processMonitor{
		cmd:         cmd,
		ln:          ln,
		dir:         dir,
		remote:      ep.String(),
		done:        make(chan struct{}),
		killTimeout: killTimeout,
	}
	m.handlers.Add(1)
	go m.acceptEvents(sink)
	go m.reap()
	return m, nil
}

type processMonitor struct {
	cmd         *exec.Cmd
	ln          net.Listener
	dir         string
	remote      string
	killTimeout time.Duration

	handlers sync.WaitGroup
	done     chan struct{}
	err      error
}

func (m *processMonitor) CloseHandle() CloseHandle { return closeHandle{m} }

func (m *processMonitor) Wait() error {
	<-m.done
	return m.err
}

// reap waits for the process, then for every shim connection still being
// read, so all events of the attempt are delivered before Wait returns.
func (m *processMonitor) reap() {
	err := m.cmd.Wait()
	_ = m.ln.Close()
	m.handlers.Wait()
	_ = os.RemoveAll(m.dir)
	if err != nil {
		m.err = fmt.Errorf("openvpn (%s) exited: %w", m.remote, err)
	}
	close(m.done)
}

func (m *processMonitor) acceptEvents(sink EventSink) {
	defer m.handlers.Done()
	for {
		c, err := m.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				obs.Error("tunnel.events.accept", obs.Fields{"err": err.Error(), "remote": m.remote})
			}
			return
		}
		m.handlers.Add(1)
		go m.handleShim(c, sink)
	}
}

func (m *processMonitor) handleShim(c net.Conn, sink EventSink) {
	defer m.handlers.Done()
	defer c.Close()
	_ = c.SetReadDeadline(time.Now().Add(shimReadTimeout))
	sc := bufio.NewScanner(c)
	for sc.Scan() {
		var ev proto.PluginEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			obs.Error("tunnel.events.json", obs.Fields{"err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("shim_json").Inc()
			continue
		}
		id := openvpn.EventID(ev.Event)
		switch openvpn.TransitionFor(id) {
		case openvpn.TransitionUp:
			sink(Up)
		case openvpn.TransitionDown:
			sink(Down)
		default:
			obs.Debug("tunnel.events.ignored", obs.Fields{"event": ev.Event, "name": openvpn.EventName(id)})
		}
	}
}

type closeHandle struct{ m *processMonitor }

// Close sends SIGTERM and escalates to SIGKILL after the kill timeout.
func (h closeHandle) Close() error {
	m := h.m
	select {
	case <-m.done:
		return nil
	default:
	}
	if err := m.cmd.Process.Signal(unix.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal openvpn: %w", err)
	}
	select {
	case <-m.done:
		return nil
	case <-time.After(m.killTimeout):
	}
	obs.Warn("tunnel.close.kill", obs.Fields{"remote": m.remote, "pid": m.cmd.Process.Pid})
	if err := m.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill openvpn: %w", err)
	}
	<-m.done
	return nil
}

// lineLogger forwards process output to the debug log one line at a time.
type lineLogger struct {
	remote string
	stderr bool
	buf    []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		line := string(l.buf[:i])
		l.buf = l.buf[i+1:]
		if line == "" {
			continue
		}
		obs.Debug("tunnel.openvpn.output", obs.Fields{"remote": l.remote, "stderr": l.stderr, "line": line})
	}
	return len(p), nil
}
