package wsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"opsnotify/internal/leader"
	logx "opsnotify/pkg/logx"
)

var (
	ErrNotConnected = errors.New("wsbus: not connected")
	ErrClosed       = errors.New("wsbus: client closed")
)

// Client is a leader.Channel over one relay connection. Run owns the
// connection; subscriptions outlive reconnects.
type Client struct {
	url    string
	dialer *websocket.Dialer
	log    logx.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[uint64]chan leader.Message
	nextID uint64
	closed bool

	wmu sync.Mutex
}

var _ leader.Channel = (*Client)(nil)

func NewClient(url string, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		url:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    log.Component("wsbus.client"),
		subs:   map[uint64]chan leader.Message{},
	}
}

// Connected reports whether a relay connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run dials the relay and reads until the connection fails or ctx ends.
// It returns nil only on cancellation, so callers can restart it on error.
func (c *Client) Run(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()
	c.log.Info("relay connected", logx.String("url", c.url))

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read relay: %w", err)
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil || f.Topic != TopicLeader {
			continue
		}
		var m leader.Message
		if err := json.Unmarshal(f.Data, &m); err != nil {
			c.log.Debug("relay message rejected", logx.Err(err))
			continue
		}
		c.deliver(m)
	}
}

func (c *Client) deliver(m leader.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- m:
		default:
		}
	}
}

func (c *Client) Publish(ctx context.Context, m leader.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(Frame{Topic: TopicLeader, Data: data})
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("write relay: %w", err)
	}
	return nil
}

func (c *Client) Subscribe(buffer int) (<-chan leader.Message, func(), error) {
	if buffer <= 0 {
		buffer = sendBufferSize
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, ErrClosed
	}
	id := c.nextID
	c.nextID++
	ch := make(chan leader.Message, buffer)
	c.subs[id] = ch

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
	return ch, unsub, nil
}

// Close drops the connection and ends every subscription.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.mu.Unlock()
	if conn != nil {
		c.wmu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.wmu.Unlock()
		return conn.Close()
	}
	return nil
}
