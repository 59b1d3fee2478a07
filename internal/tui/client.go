package tui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/basket/pushkeeper/internal/protocol"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// ErrClosed is returned by Call once the connection is gone.
var ErrClosed = errors.New("host connection closed")

// HostClient is a host-role WebSocket connection to the daemon.
type HostClient struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	seq     atomic.Int64

	mu      sync.Mutex
	pending map[string]chan protocol.Envelope
	closed  bool

	events    chan protocol.Envelope
	done      chan struct{}
	quit      chan struct{}
	closeOnce sync.Once
}

// DialHost connects to baseURL (http or ws scheme) as a host client.
func DialHost(ctx context.Context, baseURL, token string) (*HostClient, error) {
	u := strings.TrimRight(baseURL, "/")
	u = strings.Replace(u, "http://", "ws://", 1)
	u = strings.Replace(u, "https://", "wss://", 1)

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.Dial(ctx, u+"/ws?role=host", &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dial host socket: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	c := &HostClient{
		conn:    conn,
		pending: make(map[string]chan protocol.Envelope),
		events:  make(chan protocol.Envelope, 64),
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events delivers notifications pushed by the daemon. It is closed when the
// connection ends.
func (c *HostClient) Events() <-chan protocol.Envelope { return c.events }

// Call sends a request and decodes the reply result into result, which may
// be nil.
func (c *HostClient) Call(ctx context.Context, method string, params, result any) error {
	id := "host-" + strconv.FormatInt(c.seq.Add(1), 10)
	env, err := protocol.Request(id, method, params)
	if err != nil {
		return err
	}

	ch := make(chan protocol.Envelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err = wsjson.Write(ctx, c.conn, env)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	case reply := <-ch:
		if reply.Error != nil {
			return reply.Error
		}
		if result == nil || len(reply.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(reply.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	}
}

// Close ends the connection.
func (c *HostClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.quit)
		err = c.conn.Close(websocket.StatusNormalClosure, "bye")
	})
	return err
}

func (c *HostClient) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		close(c.events)
	}()
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		if env.IsReply() {
			c.mu.Lock()
			ch := c.pending[protocol.RequestID(env.ID)]
			c.mu.Unlock()
			if ch != nil {
				select {
				case ch <- env:
				default:
				}
			}
			continue
		}
		select {
		case c.events <- env:
		case <-c.quit:
			return
		}
	}
}
