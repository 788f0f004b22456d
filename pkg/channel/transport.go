package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// ErrCleanClose lets non-websocket transports report a normal closure.
var ErrCleanClose = errors.New("channel: connection closed cleanly")

// Conn is one open push connection. ReadMessage is called from a single
// goroutine; WriteMessage and Close may be called concurrently.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

// Transport opens push connections.
type Transport interface {
	Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error)
}

// IsCleanClose reports whether err is a normal (code 1000) closure.
func IsCleanClose(err error) bool {
	return errors.Is(err, ErrCleanClose) || websocket.IsCloseError(err, websocket.CloseNormalClosure)
}

type wsTransport struct {
	dialer    *websocket.Dialer
	readLimit int64
}

// NewWebSocketTransport returns the gorilla/websocket backed transport.
func NewWebSocketTransport(protocols []string, readLimit int64) Transport {
	d := *websocket.DefaultDialer
	d.Subprotocols = protocols
	d.EnableCompression = true
	return &wsTransport{dialer: &d, readLimit: readLimit}
}

func (t *wsTransport) Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error) {
	conn, resp, err := t.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, fmt.Errorf("ws dial %s (status=%d): %w", endpoint, status, err)
	}
	if t.readLimit > 0 {
		conn.SetReadLimit(t.readLimit)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		c.mu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
