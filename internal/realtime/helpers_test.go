package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/marcus-qen/sqlpulse/internal/protocol"
)

var errFakeClosed = errors.New("use of closed network connection")

// fakeConn is an in-memory Conn. Frames pushed to inbox are returned by
// Receive; closing inbox simulates a clean peer close.
type fakeConn struct {
	mu       sync.Mutex
	sent     [][]byte
	sendErr  error
	closed   bool
	graceful []int
	onSend   func(n int)

	inbox     chan []byte
	recvErr   chan error
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbox:   make(chan []byte, 16),
		recvErr: make(chan error, 1),
		closeCh: make(chan struct{}),
	}
}

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.closed {
		return errFakeClosed
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	if f.onSend != nil {
		hook, n := f.onSend, len(f.sent)
		f.mu.Unlock()
		hook(n)
		f.mu.Lock()
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.closeCh) })
	return nil
}

func (f *fakeConn) CloseGracefully(code int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.graceful = append(f.graceful, code)
	return nil
}

func (f *fakeConn) Receive() ([]byte, error) {
	select {
	case data, ok := <-f.inbox:
		if !ok {
			return nil, ErrPeerClosed
		}
		return data, nil
	case err := <-f.recvErr:
		return nil, err
	case <-f.closeCh:
		return nil, errFakeClosed
	}
}

func (f *fakeConn) failSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) closeCodes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.graceful...)
}

// wireMessage mirrors protocol.Message with a raw payload for decoding.
type wireMessage struct {
	Type      protocol.EventType `json:"type"`
	Channel   protocol.Channel   `json:"channel"`
	Data      json.RawMessage    `json:"data"`
	Timestamp int64              `json:"timestamp"`
	ID        string             `json:"id"`
}

func (f *fakeConn) messages(t *testing.T) []wireMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wireMessage, 0, len(f.sent))
	for _, raw := range f.sent {
		var m wireMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("decode sent message %s: %v", raw, err)
		}
		out = append(out, m)
	}
	return out
}

func (f *fakeConn) messagesOfType(t *testing.T, typ protocol.EventType) []wireMessage {
	t.Helper()
	var out []wireMessage
	for _, m := range f.messages(t) {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, ok func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ok() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for condition after %s", timeout)
}

// registerOpen registers conn and moves it straight to Open, as Manager.Open
// does once the ack is delivered.
func registerOpen(reg *Registry, conn *fakeConn) *Client {
	c, err := reg.Register(conn, Identity{})
	if err != nil {
		panic(err)
	}
	c.setState(StateOpen)
	return c
}
