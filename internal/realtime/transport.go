package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout   = 10 * time.Second
	maxFrameBytes  = 64 * 1024
	closeGraceTime = time.Second
)

// ErrPeerClosed is returned by Conn.Receive when the peer closed cleanly.
var ErrPeerClosed = errors.New("peer closed connection")

// Transport is the outbound half of a client connection.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// Conn is an already-negotiated, framed, ordered message connection.
type Conn interface {
	Transport
	// Receive blocks for the next inbound frame. A clean close by the peer
	// returns an error wrapping ErrPeerClosed.
	Receive() ([]byte, error)
}

// gracefulCloser is implemented by transports that can send a close handshake.
type gracefulCloser interface {
	CloseGracefully(code int, reason string) error
}

// pinger is implemented by transports with a protocol-level keepalive.
type pinger interface {
	Ping() error
}

// pongNotifier is implemented by transports that report protocol-level pongs.
type pongNotifier interface {
	OnPong(fn func())
}

// WSConn adapts a gorilla WebSocket connection to Conn.
type WSConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writers; gorilla allows one concurrent writer
}

// NewWSConn wraps an upgraded connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	conn.SetReadLimit(maxFrameBytes)
	return &WSConn{conn: conn}
}

// Send writes one text frame.
func (c *WSConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Receive returns the next text or binary frame.
func (c *WSConn) Receive() ([]byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil, errors.Join(ErrPeerClosed, err)
			}
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Ping sends a protocol-level ping; browsers answer with a pong automatically.
func (c *WSConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// OnPong installs fn as the pong handler. Must be called before reading starts.
func (c *WSConn) OnPong(fn func()) {
	c.conn.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

// CloseGracefully sends a close frame with code and reason.
func (c *WSConn) CloseGracefully(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(closeGraceTime))
}

// Close releases the underlying network connection.
func (c *WSConn) Close() error {
	return c.conn.Close()
}
