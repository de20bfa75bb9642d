package management

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/matst80/tunneld/internal/proto"
	"github.com/matst80/tunneld/internal/states"
)

var ErrClientClosed = errors.New("management: client closed")

// Client talks to a Server. It is safe for concurrent use.
type Client struct {
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	nextID  uint64
	pending map[string]chan incoming
	states  chan states.SecurityState
	err     error
}

type incoming struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *proto.Error    `json:"error"`
	Params *struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

// Dial connects to the ws:// address of a Server.
func Dial(ctx context.Context, addr string) (*Client, error) {
	ws, _, err := websocket.Dial(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		ws:      ws,
		ctx:     cctx,
		cancel:  cancel,
		pending: make(map[string]chan incoming),
		states:  make(chan states.SecurityState, 16),
	}
	go c.readLoop()
	return c, nil
}

// States delivers new_state notifications of all subscriptions made by this
// client. It is closed when the connection ends.
func (c *Client) States() <-chan states.SecurityState { return c.states }

func (c *Client) Close() error {
	c.cancel()
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

func (c *Client) readLoop() {
	defer close(c.states)
	for {
		var msg incoming
		if err := wsjson.Read(c.ctx, c.ws, &msg); err != nil {
			c.fail(err)
			return
		}
		if msg.Method == proto.MethodNewState && msg.Params != nil {
			var s states.SecurityState
			if err := json.Unmarshal(msg.Params.Result, &s); err == nil {
				select {
				case c.states <- s:
				case <-c.ctx.Done():
					return
				}
			}
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[string(msg.ID)]
		delete(c.pending, string(msg.ID))
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Call invokes method and decodes the result into result, which may be nil.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrClientClosed, err)
	}
	c.nextID++
	id := strconv.FormatUint(c.nextID, 10)
	ch := make(chan incoming, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := proto.Request{JSONRPC: proto.Version, ID: json.RawMessage(id), Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return err
		}
		req.Params = b
	}
	if err := wsjson.Write(ctx, c.ws, req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return ErrClientClosed
		}
		if msg.Error != nil {
			return msg.Error
		}
		if result != nil {
			return json.Unmarshal(msg.Result, result)
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	}
}

func (c *Client) SetTargetState(ctx context.Context, t states.TargetState) error {
	return c.Call(ctx, proto.MethodSetTargetState, []states.TargetState{t}, nil)
}

func (c *Client) GetState(ctx context.Context) (states.SecurityState, error) {
	var s states.SecurityState
	err := c.Call(ctx, proto.MethodGetState, nil, &s)
	return s, err
}

// Subscribe starts new_state notifications on States and returns the subscription id.
func (c *Client) Subscribe(ctx context.Context) (string, error) {
	var id string
	err := c.Call(ctx, proto.MethodSubscribe, nil, &id)
	return id, err
}

func (c *Client) Unsubscribe(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := c.Call(ctx, proto.MethodUnsubscribe, []string{id}, &ok)
	return ok, err
}
