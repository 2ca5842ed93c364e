package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/classmeet/internal/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var (
	// ErrNotOpen is returned by Send when the channel is not connected.
	ErrNotOpen = errors.New("signaling channel is not open")
	// ErrClosed is reported through OnClose when the relay ends the channel.
	ErrClosed = errors.New("signaling channel closed by relay")
)

// Client is a WebSocket connection to the meeting relay. Inbound messages are
// delivered one at a time from a single read goroutine.
type Client struct {
	baseURL string

	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	onMsg   func(*Message)
	onClose func(error)

	writeMu sync.Mutex
}

// NewClient creates a client for the relay at baseURL, e.g. ws://host:8080/ws.
func NewClient(baseURL string) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/")}
}

// OnMessage registers the handler for inbound messages.
func (c *Client) OnMessage(fn func(*Message)) {
	c.mu.Lock()
	c.onMsg = fn
	c.mu.Unlock()
}

// OnClose registers the handler fired once when the channel ends for any
// reason other than a local Close.
func (c *Client) OnClose(fn func(error)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// Connect dials the relay's meeting endpoint. It is a no-op when already open.
func (c *Client) Connect(ctx context.Context, roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	u, err := url.Parse(c.baseURL + "/meet")
	if err != nil {
		return fmt.Errorf("invalid relay URL: %w", err)
	}
	q := u.Query()
	q.Set("classroomId", roomID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.conn = conn
	c.done = make(chan struct{})

	go c.readPump(conn)
	go c.pingLoop(conn, c.done)

	util.LogDebug("signaling channel open: %s", u.Redacted())
	return nil
}

// IsOpen reports whether the channel is connected.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes one message as a JSON text frame. Nothing is queued when the
// channel is not open.
func (c *Client) Send(msg *Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotOpen
	}

	data, err := Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

// Close shuts the channel down without firing OnClose. Safe to call repeatedly.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	done := c.done
	c.conn = nil
	c.done = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	close(done)

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	return conn.Close()
}

func (c *Client) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.finish(conn, err)
			return
		}

		msg, err := Decode(data)
		if err != nil {
			util.LogWarning("dropping relay frame: %v", err)
			continue
		}

		c.mu.Lock()
		fn := c.onMsg
		c.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// finish reports a remote or network close. A local Close has already
// detached conn, in which case nothing is reported.
func (c *Client) finish(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	close(c.done)
	c.done = nil
	fn := c.onClose
	c.mu.Unlock()

	conn.Close()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		err = ErrClosed
	} else {
		err = fmt.Errorf("%w: %v", ErrClosed, err)
	}
	util.LogDebug("signaling channel ended: %v", err)

	if fn != nil {
		fn(err)
	}
}
