package realtime

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/marcus-qen/sqlpulse/internal/metrics"
	"github.com/marcus-qen/sqlpulse/internal/protocol"
	"go.uber.org/zap"
)

// Config holds realtime layer settings.
type Config struct {
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	MaxConnections       int
	DefaultSubscriptions []protocol.Channel
	ChunkSize            int
	ServerVersion        string
	AllowedOrigins       []string
}

// Option customizes a Service.
type Option func(*Service)

// WithClock sets the time source for heartbeats and registry timestamps.
func WithClock(clk clock.Clock) Option {
	return func(s *Service) { s.clock = clk }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service owns the registry, router, heartbeat monitor and connection manager.
type Service struct {
	cfg     Config
	logger  *zap.Logger
	clock   clock.Clock
	metrics *metrics.Metrics

	registry *Registry
	router   *Router
	monitor  *Monitor
	manager  *Manager

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Service. Call Start before serving connections and Close on shutdown.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{cfg: cfg, logger: logger, clock: clock.WallClock}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.registry = NewRegistry(cfg.MaxConnections, s.clock)
	s.router = NewRouter(s.registry, logger.Named("router"), s.metrics)
	s.monitor = NewMonitor(s.registry, s.router, s.clock, cfg.HeartbeatInterval, cfg.HeartbeatTimeout, logger.Named("heartbeat"), s.metrics)
	s.manager = NewManager(s.registry, s.router, ManagerConfig{
		DefaultSubscriptions: cfg.DefaultSubscriptions,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ChunkSize:            cfg.ChunkSize,
		ServerVersion:        cfg.ServerVersion,
		AllowedOrigins:       cfg.AllowedOrigins,
	}, logger.Named("conn"), s.metrics)

	s.registry.OnRemove(s.announceLeft)
	return s
}

// Start launches the heartbeat monitor. The monitor stops when ctx or the
// service is done.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runCtx, cancel := context.WithCancel(s.ctx)
	stop := context.AfterFunc(ctx, cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stop()
		_ = s.monitor.Run(runCtx)
	}()
	s.logger.Info("realtime service started",
		zap.Duration("heartbeat_interval", s.cfg.HeartbeatInterval),
		zap.Duration("heartbeat_timeout", s.cfg.HeartbeatTimeout),
		zap.Int("max_connections", s.cfg.MaxConnections),
	)
}

// Close stops the monitor and closes every connection gracefully.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
	for _, c := range s.registry.Snapshot() {
		s.manager.Close(c, websocket.CloseGoingAway, "server shutting down")
	}
}

func (s *Service) announceLeft(c *Client) {
	if c.Identity.Anonymous() {
		return
	}
	_, _ = s.router.Publish(protocol.ChannelCollaboration, protocol.UserLeftPayload{
		UserPayload: protocol.UserPayload{ClientID: c.ID, UserID: c.Identity.UserID, Username: c.Identity.Username},
	})
}

// HandleWS is the WebSocket HTTP entry point.
func (s *Service) HandleWS(w http.ResponseWriter, r *http.Request) {
	s.manager.HandleWS(s.ctx)(w, r)
}

// Serve runs an already-upgraded connection until it closes.
func (s *Service) Serve(conn Conn, id Identity) error {
	return s.manager.Serve(s.ctx, conn, id)
}

// Register opens a connection whose inbound frames the caller reads itself.
func (s *Service) Register(t Transport, id Identity) (*Client, error) {
	return s.manager.Open(t, id)
}

// Deregister closes and removes a client. Unknown ids are ignored.
func (s *Service) Deregister(clientID string) {
	if c, ok := s.registry.Get(clientID); ok {
		s.manager.Close(c, websocket.CloseNormalClosure, "")
	}
}

// Publish sends payload to every subscriber of channel.
func (s *Service) Publish(channel protocol.Channel, p protocol.Payload) (int, error) {
	return s.router.Publish(channel, p)
}

// SendTo sends payload to one client.
func (s *Service) SendTo(clientID string, p protocol.Payload) (bool, error) {
	return s.router.SendTo(clientID, p)
}

// Count returns the number of live clients. Safe on a nil Service.
func (s *Service) Count() int {
	if s == nil {
		return 0
	}
	return s.registry.Count()
}

// Clients returns info about every live client, oldest first.
func (s *Service) Clients() []ClientInfo {
	clients := s.registry.Snapshot()
	out := make([]ClientInfo, 0, len(clients))
	for _, c := range clients {
		out = append(out, c.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Registry exposes the client registry.
func (s *Service) Registry() *Registry { return s.registry }

// Router exposes the channel router.
func (s *Service) Router() *Router { return s.router }

// Monitor exposes the heartbeat monitor.
func (s *Service) Monitor() *Monitor { return s.monitor }

// Manager exposes the connection manager.
func (s *Service) Manager() *Manager { return s.manager }
