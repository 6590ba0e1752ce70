package realtime

import (
	"fmt"

	"github.com/marcus-qen/sqlpulse/internal/metrics"
	"github.com/marcus-qen/sqlpulse/internal/protocol"
	"go.uber.org/zap"
)

// Eviction reasons, used in logs and the evictions metric.
const (
	evictDelivery  = "delivery"
	evictHeartbeat = "heartbeat"
)

// Router fans messages out to the clients subscribed to a channel.
type Router struct {
	registry *Registry
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewRouter creates a router over registry.
func NewRouter(registry *Registry, logger *zap.Logger, m *metrics.Metrics) *Router {
	return &Router{registry: registry, logger: logger, metrics: m}
}

// Publish delivers payload to every client subscribed to channel and returns
// the number of successful deliveries. Per-client failures evict that client
// and are never returned; err is set only when the message cannot be built.
func (r *Router) Publish(channel protocol.Channel, p protocol.Payload) (int, error) {
	msg, err := protocol.NewMessage(channel, p)
	if err != nil {
		return 0, err
	}
	data, err := msg.Marshal()
	if err != nil {
		return 0, err
	}
	r.metrics.MessagePublished(string(channel), string(msg.Type))

	delivered := 0
	for _, c := range r.registry.ListSubscribers(channel) {
		if r.deliver(c, msg, data) {
			delivered++
		}
	}
	return delivered, nil
}

// SendTo delivers payload directly to one client on the system channel.
// It reports false when the client is unknown or the send failed.
func (r *Router) SendTo(clientID string, p protocol.Payload) (bool, error) {
	c, ok := r.registry.Get(clientID)
	if !ok {
		return false, nil
	}
	return r.send(c, p)
}

// Broadcast delivers payload to every registered client on the system channel.
func (r *Router) Broadcast(p protocol.Payload) (int, error) {
	msg, err := protocol.NewMessage(protocol.ChannelSystem, p)
	if err != nil {
		return 0, err
	}
	data, err := msg.Marshal()
	if err != nil {
		return 0, err
	}
	r.metrics.MessagePublished(string(protocol.ChannelSystem), string(msg.Type))

	delivered := 0
	for _, c := range r.registry.Snapshot() {
		// Connecting clients have not received their ack yet.
		if c.State() == StateConnecting {
			continue
		}
		if r.deliver(c, msg, data) {
			delivered++
		}
	}
	return delivered, nil
}

func (r *Router) send(c *Client, p protocol.Payload) (bool, error) {
	msg, err := protocol.NewMessage(protocol.ChannelSystem, p)
	if err != nil {
		return false, err
	}
	data, err := msg.Marshal()
	if err != nil {
		return false, fmt.Errorf("encode direct message: %w", err)
	}
	r.metrics.MessagePublished(string(protocol.ChannelSystem), string(msg.Type))
	return r.deliver(c, msg, data), nil
}

func (r *Router) deliver(c *Client, msg protocol.Message, data []byte) bool {
	if err := c.Send(data); err != nil {
		r.logger.Warn("delivery failed, evicting client",
			zap.String("client_id", c.ID),
			zap.String("type", string(msg.Type)),
			zap.String("channel", string(msg.Channel)),
			zap.Error(err),
		)
		r.metrics.DeliveryFailed()
		r.evict(c, evictDelivery)
		return false
	}
	return true
}

func (r *Router) evict(c *Client, reason string) {
	if r.registry.Deregister(c.ID) {
		r.metrics.ClientEvicted(reason)
	}
	c.setState(StateClosed)
	_ = c.Close()
}
