package realtime

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/marcus-qen/sqlpulse/internal/metrics"
	"github.com/marcus-qen/sqlpulse/internal/protocol"
	"go.uber.org/zap"
)

// SweepResult summarizes one heartbeat sweep.
type SweepResult struct {
	Evicted []string
	Pinged  int
}

// Monitor periodically evicts clients whose heartbeat is older than the
// timeout and pings the rest.
type Monitor struct {
	registry *Registry
	router   *Router
	clock    clock.Clock
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewMonitor creates a heartbeat monitor. timeout must exceed interval.
func NewMonitor(registry *Registry, router *Router, clk clock.Clock, interval, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *Monitor {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Monitor{
		registry: registry,
		router:   router,
		clock:    clk,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		metrics:  m,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clock.After(m.interval):
			m.Sweep()
		}
	}
}

// Sweep performs one eviction pass followed by a heartbeat broadcast.
func (m *Monitor) Sweep() SweepResult {
	var res SweepResult
	now := m.clock.Now().UTC()

	for _, c := range m.registry.Snapshot() {
		idle := now.Sub(c.LastHeartbeat())
		if idle <= m.timeout {
			continue
		}
		m.logger.Info("evicting unresponsive client",
			zap.String("client_id", c.ID),
			zap.Duration("idle", idle),
		)
		if m.registry.Deregister(c.ID) {
			m.metrics.ClientEvicted(evictHeartbeat)
			res.Evicted = append(res.Evicted, c.ID)
		}
		c.setState(StateClosed)
		if err := c.Close(); err != nil {
			m.logger.Debug("close evicted client", zap.String("client_id", c.ID), zap.Error(err))
		}
	}

	for _, c := range m.registry.Snapshot() {
		if p, ok := c.transport.(pinger); ok {
			if err := p.Ping(); err != nil {
				m.logger.Debug("protocol ping failed", zap.String("client_id", c.ID), zap.Error(err))
			}
		}
	}

	pinged, err := m.router.Broadcast(protocol.HeartbeatPayload{ServerTime: now.UnixMilli()})
	if err != nil {
		m.logger.Error("heartbeat broadcast", zap.Error(err))
	}
	res.Pinged = pinged
	return res
}
