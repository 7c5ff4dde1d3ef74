// Package ws implements the realtime transport contract over a websocket
// connection: JSON frames, one subscription per topic, correlation-id
// request/reply, and a single read pump.
package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pedrolmn/chatlink/internal/transport"
	"go.uber.org/zap"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// frame is the wire format. Exactly one op per frame.
type frame struct {
	Op     string           `json:"op"`
	ID     string           `json:"id,omitempty"`
	Topic  string           `json:"topic,omitempty"`
	Status string           `json:"status,omitempty"`
	Error  string           `json:"error,omitempty"`
	Token  string           `json:"token,omitempty"`
	Event  *transport.Event `json:"event,omitempty"`
}

// Client ops.
const (
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opPublish     = "publish"
	opRequest     = "request"
	opAuth        = "auth"
)

// Server ops.
const (
	opStatus = "status"
	opEvent  = "event"
	opReply  = "reply"
)

// Client is a websocket-backed transport.Client. Safe for concurrent use;
// all reads happen on one pump goroutine, writes are serialized by a mutex.
type Client struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[string]transport.SubscribeOptions
	pending map[string]chan frame
	token   string
	closed  bool

	done chan struct{}
}

// Dial connects to the realtime server at url and starts the read pump.
func Dial(url string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{
		conn:    conn,
		logger:  logger.Named("ws"),
		subs:    make(map[string]transport.SubscribeOptions),
		pending: make(map[string]chan frame),
		done:    make(chan struct{}),
	}
	go c.readPump()
	go c.pingLoop()
	return c, nil
}

// Subscribe registers callbacks for topic and asks the server for a
// subscription. Acknowledgment arrives as a status frame on the read pump.
// A second subscribe to the same topic replaces the first.
func (c *Client) Subscribe(topic string, opts transport.SubscribeOptions) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("transport is closed")
	}
	c.subs[topic] = opts
	token := c.token
	c.mu.Unlock()

	if err := c.write(frame{Op: opSubscribe, Topic: topic, Token: token}); err != nil {
		c.mu.Lock()
		delete(c.subs, topic)
		c.mu.Unlock()
		return nil, err
	}

	return func() {
		c.mu.Lock()
		_, ok := c.subs[topic]
		delete(c.subs, topic)
		closed := c.closed
		c.mu.Unlock()
		if ok && !closed {
			if err := c.write(frame{Op: opUnsubscribe, Topic: topic}); err != nil {
				c.logger.Debug("unsubscribe write failed", zap.String("topic", topic), zap.Error(err))
			}
		}
	}, nil
}

// Publish delivers evt to topic without waiting for a reply.
func (c *Client) Publish(ctx context.Context, topic string, evt transport.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.write(frame{Op: opPublish, Topic: topic, Event: &evt})
}

// Request delivers evt to topic and waits for the correlated reply.
func (c *Client) Request(ctx context.Context, topic string, evt transport.Event) (transport.Event, error) {
	id := uuid.NewString()
	ch := make(chan frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.Event{}, errors.New("transport is closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.write(frame{Op: opRequest, ID: id, Topic: topic, Event: &evt}); err != nil {
		cleanup()
		return transport.Event{}, err
	}

	select {
	case reply, ok := <-ch:
		cleanup()
		if !ok {
			return transport.Event{}, errors.New("connection lost before reply")
		}
		if reply.Error != "" {
			return transport.Event{}, errors.New(reply.Error)
		}
		if reply.Event == nil {
			return transport.Event{}, errors.New("reply carried no event")
		}
		return *reply.Event, nil
	case <-ctx.Done():
		cleanup()
		return transport.Event{}, ctx.Err()
	}
}

// UpdateToken stores the new bearer credential and announces it to the
// server. Open subscriptions are untouched.
func (c *Client) UpdateToken(token string) {
	c.mu.Lock()
	c.token = token
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	if err := c.write(frame{Op: opAuth, Token: token}); err != nil {
		c.logger.Warn("token update write failed", zap.Error(err))
	}
}

// Close tears down the connection. Subscriptions receive no further
// callbacks; in-flight requests fail.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	return c.conn.Close()
}

func (c *Client) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(f)
}

// readPump dispatches server frames until the connection fails or Close is
// called. A read failure is fanned out to every open subscription.
func (c *Client) readPump() {
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.fail(err)
			return
		}
		switch f.Op {
		case opEvent:
			if f.Event == nil {
				continue
			}
			if opts, ok := c.subFor(f.Topic); ok && opts.OnEvent != nil {
				opts.OnEvent(*f.Event)
			}
		case opStatus:
			opts, ok := c.subFor(f.Topic)
			if !ok || opts.OnStatus == nil {
				continue
			}
			switch f.Status {
			case "ok":
				opts.OnStatus(transport.Subscribed, nil)
			case "timed_out":
				opts.OnStatus(transport.TimedOut, errors.New(f.Error))
			default:
				opts.OnStatus(transport.ChannelError, errors.New(f.Error))
			}
		case opReply:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		default:
			c.logger.Debug("unknown server frame", zap.String("op", f.Op))
		}
	}
}

// fail notifies every open subscription and pending request that the
// connection is gone. Skipped after a local Close.
func (c *Client) fail(err error) {
	c.mu.Lock()
	closed := c.closed
	subs := make(map[string]transport.SubscribeOptions, len(c.subs))
	for topic, opts := range c.subs {
		subs[topic] = opts
	}
	c.subs = make(map[string]transport.SubscribeOptions)
	pending := c.pending
	c.pending = make(map[string]chan frame)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if closed {
		return
	}
	c.logger.Warn("connection lost", zap.Error(err))
	for _, opts := range subs {
		if opts.OnStatus != nil {
			opts.OnStatus(transport.ChannelError, err)
		}
	}
}

func (c *Client) subFor(topic string) (transport.SubscribeOptions, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	opts, ok := c.subs[topic]
	return opts, ok
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
