package management

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/matst80/tunneld/internal/obs"
	"github.com/matst80/tunneld/internal/proto"
	"github.com/matst80/tunneld/internal/ratelimit"
	"github.com/matst80/tunneld/internal/states"
)

const (
	DefaultAddress = "127.0.0.1:0"
	outQueueSize   = 32
	writeTimeout   = 5 * time.Second
	maxMessageSize = 64 * 1024
	stateTimeout   = 10 * time.Second
)

// Options configures the management server.
type Options struct {
	Addr    string
	Limiter *ratelimit.Limiter
	Mirrors []Publisher
}

// Server exposes the daemon over JSON-RPC 2.0 on a local WebSocket.
type Server struct {
	ln          net.Listener
	http        *http.Server
	sink        CommandSink
	limiter     *ratelimit.Limiter
	broadcaster *EventBroadcaster

	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup
	nextID atomic.Uint64

	done chan struct{}
	err  error
}

// Start listens on opts.Addr and serves in the background. Commands from
// clients are handed to sink.
func Start(opts Options, sink CommandSink) (*Server, error) {
	if sink == nil {
		return nil, errors.New("management: nil command sink")
	}
	addr := opts.Addr
	if addr == "" {
		addr = DefaultAddress
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		ln:          ln,
		sink:        sink,
		limiter:     opts.Limiter,
		broadcaster: newEventBroadcaster(opts.Mirrors),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		err := s.http.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.err = err
		close(s.done)
	}()
	return s, nil
}

// Address is the ws:// URL clients connect to.
func (s *Server) Address() string { return "ws://" + s.ln.Addr().String() }

func (s *Server) EventBroadcaster() *EventBroadcaster { return s.broadcaster }

// Wait blocks until the server stops serving.
func (s *Server) Wait() error {
	<-s.done
	return s.err
}

// Stop closes the listener and every client connection.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	err := s.http.Shutdown(ctx)
	s.conns.Wait()
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		obs.Error("management.accept", obs.Fields{"err": err.Error(), "remote": r.RemoteAddr})
		obs.ErrorsTotal.WithLabelValues("ws_accept").Inc()
		return
	}
	s.conns.Add(1)
	defer s.conns.Done()
	ws.SetReadLimit(maxMessageSize)

	ctx, cancel := context.WithCancel(s.ctx)
	c := &clientConn{
		id:     "conn-" + strconv.FormatUint(s.nextID.Add(1), 10),
		ws:     ws,
		out:    make(chan any, outQueueSize),
		cancel: cancel,
	}
	obs.ManagementConnections.Inc()
	obs.Debug("management.conn.open", obs.Fields{"conn": c.id, "remote": r.RemoteAddr})
	defer func() {
		cancel()
		removed := s.broadcaster.unsubscribeAll(c)
		s.limiter.Forget(c.id)
		_ = ws.Close(websocket.StatusNormalClosure, "")
		obs.ManagementConnections.Dec()
		obs.Debug("management.conn.closed", obs.Fields{"conn": c.id, "subscriptions": removed})
	}()

	go c.writeLoop(ctx)
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				obs.Debug("management.conn.read", obs.Fields{"conn": c.id, "err": err.Error()})
			}
			return
		}
		resp, ok := s.dispatch(ctx, c, data)
		if !ok {
			continue
		}
		if !c.reply(ctx, resp) {
			return
		}
	}
}

// dispatch handles one frame. ok is false for notifications, which get no response.
func (s *Server) dispatch(ctx context.Context, c *clientConn, data []byte) (proto.Response, bool) {
	var req proto.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return proto.NewError(nil, proto.CodeParseError, "parse error"), true
	}
	if req.JSONRPC != proto.Version || req.Method == "" {
		return proto.NewError(req.ID, proto.CodeInvalidRequest, "invalid request"), true
	}
	isNotification := len(req.ID) == 0
	obs.ManagementRequests.WithLabelValues(req.Method).Inc()

	if !s.limiter.Allow(c.id) {
		obs.ManagementRateLimited.Inc()
		return proto.NewError(req.ID, proto.CodeRateLimited, "rate limited"), !isNotification
	}

	result, rpcErr := s.call(ctx, c, req)
	if isNotification {
		return proto.Response{}, false
	}
	if rpcErr != nil {
		return proto.NewError(req.ID, rpcErr.Code, rpcErr.Message), true
	}
	resp, err := proto.NewResult(req.ID, result)
	if err != nil {
		return proto.NewError(req.ID, proto.CodeInternalError, err.Error()), true
	}
	return resp, true
}

func (s *Server) call(ctx context.Context, c *clientConn, req proto.Request) (any, *proto.Error) {
	switch req.Method {
	case proto.MethodSetTargetState:
		var target states.TargetState
		if err := singleParam(req.Params, &target); err != nil {
			return nil, &proto.Error{Code: proto.CodeInvalidParams, Message: err.Error()}
		}
		s.sink(SetTargetState{State: target})
		return nil, nil

	case proto.MethodGetState:
		reply := NewStateReply(ctx)
		s.sink(GetState{Reply: reply})
		wctx, cancel := context.WithTimeout(ctx, stateTimeout)
		state, err := reply.Wait(wctx)
		cancel()
		if err != nil {
			return nil, &proto.Error{Code: proto.CodeInternalError, Message: "no state available: " + err.Error()}
		}
		return state, nil

	case proto.MethodSubscribe:
		id, err := s.broadcaster.subscribe(c)
		if err != nil {
			return nil, &proto.Error{Code: proto.CodeInternalError, Message: err.Error()}
		}
		return id, nil

	case proto.MethodUnsubscribe:
		var id string
		if err := singleParam(req.Params, &id); err != nil {
			return nil, &proto.Error{Code: proto.CodeInvalidParams, Message: err.Error()}
		}
		return s.broadcaster.unsubscribe(c, id), nil

	default:
		return nil, &proto.Error{Code: proto.CodeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

// singleParam accepts both ["x"] and a bare "x".
func singleParam(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("missing params")
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) != 1 {
			return fmt.Errorf("expected 1 param, got %d", len(arr))
		}
		raw = arr[0]
	}
	return json.Unmarshal(raw, v)
}

// clientConn serialises all writes to one websocket through out.
type clientConn struct {
	id     string
	ws     *websocket.Conn
	out    chan any
	cancel context.CancelFunc
}

func (c *clientConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.ws, v)
			cancel()
			if err != nil {
				obs.Debug("management.conn.write", obs.Fields{"conn": c.id, "err": err.Error()})
				c.cancel()
				return
			}
		}
	}
}

func (c *clientConn) reply(ctx context.Context, v any) bool {
	select {
	case c.out <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *clientConn) notify(v any) bool {
	select {
	case c.out <- v:
		return true
	default:
		return false
	}
}

func (c *clientConn) closeSlow() { c.cancel() }
