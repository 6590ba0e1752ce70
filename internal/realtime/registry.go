// Package realtime manages browser WebSocket connections: the client registry,
// channel routing, heartbeat liveness and the per-connection state machine.
package realtime

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/marcus-qen/sqlpulse/internal/protocol"
)

// ErrCapacityExceeded is returned by Register when the registry is full.
var ErrCapacityExceeded = errors.New("connection capacity exceeded")

// Identity is the optional caller-supplied identity of a connection.
type Identity struct {
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
}

// Anonymous reports whether no identity was supplied.
func (i Identity) Anonymous() bool {
	return i.UserID == "" && i.Username == ""
}

// Client represents one registered connection.
type Client struct {
	ID          string
	Identity    Identity
	ConnectedAt time.Time

	transport Transport
	sendMu    sync.Mutex
	closeOnce sync.Once
	closeErr  error

	mu            sync.Mutex
	channels      map[protocol.Channel]struct{}
	lastHeartbeat time.Time
	state         ConnState
}

// Send writes data to the client's transport. Sends to one client are serialized.
func (c *Client) Send(data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.transport.Send(data)
}

// Close releases the transport. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.transport.Close()
	})
	return c.closeErr
}

// LastHeartbeat returns the time of the most recent heartbeat.
func (c *Client) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// Subscribed reports whether the client receives messages on ch.
func (c *Client) Subscribed(ch protocol.Channel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[ch]
	return ok
}

// Channels returns the client's subscriptions in sorted order.
func (c *Client) Channels() []protocol.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Channel, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// State returns the connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s ConnState) ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.state
	c.state = s
	return prev
}

// beginClosing moves an open client to Closing. It reports false if the
// client is already closing or closed.
func (c *Client) beginClosing() (ConnState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosing || c.state == StateClosed {
		return c.state, false
	}
	prev := c.state
	c.state = StateClosing
	return prev, true
}

// ClientInfo is the JSON view of a client.
type ClientInfo struct {
	ID            string             `json:"id"`
	UserID        string             `json:"user_id,omitempty"`
	Username      string             `json:"username,omitempty"`
	Channels      []protocol.Channel `json:"channels"`
	ConnectedAt   time.Time          `json:"connected_at"`
	LastHeartbeat time.Time          `json:"last_heartbeat"`
	State         string             `json:"state"`
}

// Info returns a point-in-time view of the client.
func (c *Client) Info() ClientInfo {
	return ClientInfo{
		ID:            c.ID,
		UserID:        c.Identity.UserID,
		Username:      c.Identity.Username,
		Channels:      c.Channels(),
		ConnectedAt:   c.ConnectedAt,
		LastHeartbeat: c.LastHeartbeat(),
		State:         c.State().String(),
	}
}

// Registry tracks every live client.
type Registry struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	max      int
	clock    clock.Clock
	onRemove []func(*Client)
}

// NewRegistry creates a registry admitting at most max clients (0 = unlimited).
func NewRegistry(max int, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Registry{
		clients: make(map[string]*Client),
		max:     max,
		clock:   clk,
	}
}

// OnRemove installs a callback run after a client is removed.
// Callbacks run outside the registry lock.
func (r *Registry) OnRemove(fn func(*Client)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = append(r.onRemove, fn)
}

// Register admits a new client with a fresh id.
func (r *Registry) Register(t Transport, id Identity) (*Client, error) {
	now := r.clock.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.max > 0 && len(r.clients) >= r.max {
		return nil, ErrCapacityExceeded
	}

	clientID := uuid.NewString()
	for r.clients[clientID] != nil {
		clientID = uuid.NewString()
	}

	c := &Client{
		ID:            clientID,
		Identity:      id,
		ConnectedAt:   now,
		transport:     t,
		channels:      make(map[protocol.Channel]struct{}),
		lastHeartbeat: now,
		state:         StateConnecting,
	}
	r.clients[clientID] = c
	return c, nil
}

// Deregister removes a client. Returns false if it was not registered.
func (r *Registry) Deregister(clientID string) bool {
	r.mu.Lock()
	c, ok := r.clients[clientID]
	if ok {
		delete(r.clients, clientID)
	}
	hooks := r.onRemove
	r.mu.Unlock()

	if !ok {
		return false
	}
	for _, fn := range hooks {
		fn(c)
	}
	return true
}

// Get returns the client with the given id.
func (r *Registry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID]
	return c, ok
}

// Subscribe adds ch to the client's subscriptions. Unknown clients are ignored.
func (r *Registry) Subscribe(clientID string, ch protocol.Channel) bool {
	c, ok := r.Get(clientID)
	if !ok {
		return false
	}
	c.mu.Lock()
	c.channels[ch] = struct{}{}
	c.mu.Unlock()
	return true
}

// Unsubscribe removes ch from the client's subscriptions. Unknown clients are ignored.
func (r *Registry) Unsubscribe(clientID string, ch protocol.Channel) bool {
	c, ok := r.Get(clientID)
	if !ok {
		return false
	}
	c.mu.Lock()
	delete(c.channels, ch)
	c.mu.Unlock()
	return true
}

// TouchHeartbeat records a heartbeat for the client. Unknown clients are ignored.
func (r *Registry) TouchHeartbeat(clientID string) bool {
	c, ok := r.Get(clientID)
	if !ok {
		return false
	}
	now := r.clock.Now().UTC()
	c.mu.Lock()
	c.lastHeartbeat = now
	c.mu.Unlock()
	return true
}

// ListSubscribers returns a snapshot of clients subscribed to ch.
func (r *Registry) ListSubscribers(ch protocol.Channel) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		if c.Subscribed(ch) {
			out = append(out, c)
		}
	}
	return out
}

// Snapshot returns every registered client.
func (r *Registry) Snapshot() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// Count returns the number of registered clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Full reports whether a Register call would currently be refused.
func (r *Registry) Full() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.max > 0 && len(r.clients) >= r.max
}

// Max returns the configured capacity (0 = unlimited).
func (r *Registry) Max() int {
	return r.max
}

// Now returns the registry's notion of the current time.
func (r *Registry) Now() time.Time {
	return r.clock.Now().UTC()
}
