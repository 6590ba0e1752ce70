package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/marcus-qen/sqlpulse/internal/metrics"
	"github.com/marcus-qen/sqlpulse/internal/protocol"
	"go.uber.org/zap"
)

// ConnState is the lifecycle state of one connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// ManagerConfig controls what a freshly opened connection receives.
type ManagerConfig struct {
	DefaultSubscriptions []protocol.Channel
	HeartbeatInterval    time.Duration
	ChunkSize            int
	ServerVersion        string
	AllowedOrigins       []string
}

// Manager drives the per-connection state machine.
type Manager struct {
	registry *Registry
	router   *Router
	cfg      ManagerConfig
	logger   *zap.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	// onTransition, when set, observes every state change.
	onTransition func(clientID string, from, to ConnState)
}

// NewManager creates a connection manager.
func NewManager(registry *Registry, router *Router, cfg ManagerConfig, logger *zap.Logger, m *metrics.Metrics) *Manager {
	mgr := &Manager{
		registry: registry,
		router:   router,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
	}
	mgr.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     mgr.checkOrigin,
	}
	return mgr
}

// OnTransition installs an observer for state changes. Not safe to call
// once connections are being served.
func (m *Manager) OnTransition(fn func(clientID string, from, to ConnState)) {
	m.onTransition = fn
}

func (m *Manager) transition(c *Client, to ConnState) {
	m.notify(c, c.setState(to), to)
}

func (m *Manager) notify(c *Client, from, to ConnState) {
	if from == to {
		return
	}
	m.logger.Debug("connection state",
		zap.String("client_id", c.ID),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	if m.onTransition != nil {
		m.onTransition(c.ID, from, to)
	}
}

// Open registers t, applies default subscriptions and sends the connection
// acknowledgment. On capacity refusal t is closed and ErrCapacityExceeded returned.
func (m *Manager) Open(t Transport, id Identity) (*Client, error) {
	c, err := m.registry.Register(t, id)
	if err != nil {
		m.metrics.ConnectionRejected()
		m.logger.Warn("connection rejected", zap.Error(err), zap.Int("max", m.registry.Max()))
		if gc, ok := t.(gracefulCloser); ok {
			_ = gc.CloseGracefully(websocket.CloseTryAgainLater, "server at capacity")
		}
		_ = t.Close()
		return nil, err
	}

	if pn, ok := t.(pongNotifier); ok {
		clientID := c.ID
		pn.OnPong(func() { m.registry.TouchHeartbeat(clientID) })
	}

	// The ack goes out while the client is still Connecting so no channel
	// or broadcast traffic can reach it first.
	subs := defaultChannels(m.cfg.DefaultSubscriptions)
	ack := protocol.ConnectionAckPayload{
		ClientID:            c.ID,
		ServerVersion:       m.cfg.ServerVersion,
		Channels:            protocol.SubscribableChannels(),
		Subscriptions:       subs,
		HeartbeatIntervalMs: m.cfg.HeartbeatInterval.Milliseconds(),
		ChunkSize:           m.cfg.ChunkSize,
	}
	if ok, err := m.router.send(c, ack); err != nil || !ok {
		if err == nil {
			err = errors.New("connection ack not delivered")
		}
		return nil, fmt.Errorf("open client %s: %w", c.ID, err)
	}

	for _, ch := range subs {
		m.registry.Subscribe(c.ID, ch)
	}
	m.transition(c, StateOpen)

	m.logger.Info("client connected",
		zap.String("client_id", c.ID),
		zap.String("user_id", id.UserID),
		zap.Int("connections", m.registry.Count()),
	)

	if !id.Anonymous() {
		_, _ = m.router.Publish(protocol.ChannelCollaboration, protocol.UserJoinedPayload{
			UserPayload: protocol.UserPayload{ClientID: c.ID, UserID: id.UserID, Username: id.Username},
		})
	}
	return c, nil
}

// Close gracefully closes a registered client: Open -> Closing -> Closed.
func (m *Manager) Close(c *Client, code int, reason string) {
	from, ok := c.beginClosing()
	if !ok {
		return
	}
	m.notify(c, from, StateClosing)
	m.registry.Deregister(c.ID)
	if gc, ok := c.transport.(gracefulCloser); ok {
		if err := gc.CloseGracefully(code, reason); err != nil {
			m.logger.Debug("close handshake", zap.String("client_id", c.ID), zap.Error(err))
		}
	}
	_ = c.Close()
	m.transition(c, StateClosed)
}

// abort handles an unrecoverable transport error: Open -> Closed.
func (m *Manager) abort(c *Client, cause error) {
	m.logger.Warn("connection aborted", zap.String("client_id", c.ID), zap.Error(cause))
	m.registry.Deregister(c.ID)
	_ = c.Close()
	m.transition(c, StateClosed)
}

// Serve runs one connection until the peer goes away or ctx is cancelled.
// A clean close returns nil; an unrecoverable transport error is returned.
func (m *Manager) Serve(ctx context.Context, conn Conn, id Identity) error {
	c, err := m.Open(conn, id)
	if err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		m.Close(c, websocket.CloseGoingAway, "server shutting down")
	})
	defer stop()

	for {
		raw, err := conn.Receive()
		if err != nil {
			switch {
			case ctx.Err() != nil, errors.Is(err, ErrPeerClosed):
				m.Close(c, websocket.CloseNormalClosure, "")
				m.logger.Info("client disconnected", zap.String("client_id", c.ID))
				return nil
			case c.State() == StateClosed:
				// Evicted by the router or heartbeat monitor while reading.
				return nil
			default:
				m.abort(c, err)
				return err
			}
		}
		m.handleFrame(c, raw)
	}
}

func (m *Manager) handleFrame(c *Client, raw []byte) {
	frame, err := protocol.ParseControlFrame(raw)
	if err != nil {
		m.logger.Debug("malformed frame", zap.String("client_id", c.ID), zap.Error(err))
		_, _ = m.router.send(c, protocol.ErrorPayload{Message: err.Error(), Code: "malformed_frame"})
		return
	}

	switch frame.Type {
	case protocol.FrameSubscribe:
		m.registry.Subscribe(c.ID, frame.Channel)
	case protocol.FrameUnsubscribe:
		m.registry.Unsubscribe(c.ID, frame.Channel)
	case protocol.FrameHeartbeat:
		m.registry.TouchHeartbeat(c.ID)
	}
}

// HandleWS upgrades an HTTP request and serves the connection for the
// lifetime of ctx. Identity is taken from the userId and username query parameters.
func (m *Manager) HandleWS(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.registry.Full() {
			m.metrics.ConnectionRejected()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": ErrCapacityExceeded.Error(),
				"code":  "capacity_exceeded",
			})
			return
		}

		q := r.URL.Query()
		id := Identity{UserID: q.Get("userId"), Username: q.Get("username")}

		ws, err := m.upgrader.Upgrade(w, r, nil)
		if err != nil {
			m.logger.Error("upgrade failed", zap.Error(err))
			return
		}

		if err := m.Serve(ctx, NewWSConn(ws), id); err != nil && !errors.Is(err, ErrCapacityExceeded) {
			m.logger.Debug("connection ended with error", zap.Error(err))
		}
	}
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	if len(m.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range m.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// defaultChannels returns chs without duplicates in sorted order.
func defaultChannels(chs []protocol.Channel) []protocol.Channel {
	seen := make(map[protocol.Channel]struct{}, len(chs))
	out := make([]protocol.Channel, 0, len(chs))
	for _, ch := range chs {
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
