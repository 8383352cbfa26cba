package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/geotrack/geotrack/pkg/logx"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192
)

// Frame is the wire envelope in both directions
type Frame struct {
	Event   string           `json:"event"`
	Channel string           `json:"channel,omitempty"`
	Payload *json.RawMessage `json:"payload,omitempty"`
}

// WSChannel speaks a small JSON protocol over a websocket:
// subscribe/track/untrack/leave upstream, subscribed and
// presence_join/presence_leave/presence_sync downstream.
type WSChannel struct {
	url     string
	channel string
	logger  *logx.Logger
	handler Handler
	timeout time.Duration

	mu      sync.Mutex // guards conn and writes
	conn    *websocket.Conn
	done    chan struct{}
	closing chan struct{}
}

// NewWSChannel creates a channel for rawURL; nothing connects until Subscribe
func NewWSChannel(rawURL, channel string, logger *logx.Logger, handler Handler) *WSChannel {
	return &WSChannel{
		url:     rawURL,
		channel: channel,
		logger:  logger,
		handler: handler,
		timeout: 10 * time.Second,
	}
}

func (c *WSChannel) dialURL() (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("channel", c.channel)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Subscribe implements Channel
func (c *WSChannel) Subscribe(ctx context.Context) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		select {
		case <-c.done:
			c.logger.Warn("websocket presence connection lost, redialing", "channel", c.channel)
			close(c.closing)
			c.conn.Close()
			c.conn = nil
		default:
			return StatusSubscribed, nil
		}
	}

	target, err := c.dialURL()
	if err != nil {
		return StatusChannelError, fmt.Errorf("bad presence url: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, target, nil)
	if err != nil {
		if dialCtx.Err() == context.DeadlineExceeded {
			return StatusTimedOut, fmt.Errorf("presence dial: %w", err)
		}
		return StatusChannelError, fmt.Errorf("presence dial: %w", err)
	}

	if err := writeFrame(conn, Frame{Event: "subscribe", Channel: c.channel}); err != nil {
		conn.Close()
		return StatusChannelError, err
	}

	conn.SetReadDeadline(time.Now().Add(c.timeout))
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			conn.Close()
			var ne interface{ Timeout() bool }
			if errors.As(err, &ne) && ne.Timeout() {
				return StatusTimedOut, fmt.Errorf("no subscribe ack: %w", err)
			}
			return StatusChannelError, fmt.Errorf("presence handshake: %w", err)
		}
		if f.Event == "subscribed" {
			break
		}
		if f.Event == "error" {
			conn.Close()
			return StatusChannelError, fmt.Errorf("presence server refused subscribe")
		}
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.conn = conn
	c.done = make(chan struct{})
	c.closing = make(chan struct{})
	go c.readPump(conn, c.done)
	go c.pingPump(conn, c.closing)

	c.logger.Info("websocket presence subscribed", "channel", c.channel)
	return StatusSubscribed, nil
}

func writeFrame(conn *websocket.Conn, f Frame) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("presence write %s: %w", f.Event, err)
	}
	return nil
}

func (c *WSChannel) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket presence read failed", "error", err)
			}
			return
		}

		var kind EventKind
		switch f.Event {
		case "presence_join":
			kind = EventJoin
		case "presence_leave":
			kind = EventLeave
		case "presence_sync":
			kind = EventSync
		default:
			continue
		}

		var p Payload
		if f.Payload != nil {
			if err := json.Unmarshal(*f.Payload, &p); err != nil {
				c.logger.Debug("ignoring malformed presence frame", "error", err)
				continue
			}
		}
		if c.handler != nil {
			c.handler(Event{Kind: kind, Payload: p})
		}
	}
}

func (c *WSChannel) pingPump(conn *websocket.Conn, closing chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closing:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *WSChannel) send(event string, payload interface{}) error {
	if c.conn == nil {
		return fmt.Errorf("websocket presence not subscribed")
	}
	f := Frame{Event: event, Channel: c.channel}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		msg := json.RawMessage(raw)
		f.Payload = &msg
	}
	return writeFrame(c.conn, f)
}

// Track implements Channel
func (c *WSChannel) Track(ctx context.Context, p Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send("track", p)
}

// Untrack implements Channel
func (c *WSChannel) Untrack(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.send("untrack", nil)
}

// Leave implements Channel. It waits for the read loop to exit.
func (c *WSChannel) Leave(ctx context.Context) error {
	c.mu.Lock()
	conn, done, closing := c.conn, c.done, c.closing
	if conn == nil {
		c.mu.Unlock()
		return nil
	}
	err := c.send("leave", nil)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.conn = nil
	close(closing)
	c.mu.Unlock()

	conn.Close()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return err
}
