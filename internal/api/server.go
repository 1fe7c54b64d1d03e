package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-fanout/internal/bus"
	"github.com/nerrad567/gray-logic-fanout/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-fanout/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-fanout/internal/iottcp"
	"github.com/nerrad567/gray-logic-fanout/internal/journal"
	"github.com/nerrad567/gray-logic-fanout/internal/mqttlink"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// defaultRequestTimeout bounds how long a handler waits for a bus reply.
const defaultRequestTimeout = 5 * time.Second

// replyBuffer is the number of correlated replies kept per request.
const replyBuffer = 16

// JournalReader is the read side of the lifecycle journal.
type JournalReader interface {
	List(ctx context.Context, filter journal.Filter) (*journal.ListResult, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	Router   *bus.Router
	Pool     *mqttlink.Pool
	Listener *iottcp.Listener

	// Journal is optional; /journal answers 503 without it.
	Journal JournalReader

	// Gatherer is optional; /metrics is mounted at MetricsPath when set.
	Gatherer    prometheus.Gatherer
	MetricsPath string

	// RequestTimeout bounds bus round trips. Zero means 5s.
	RequestTimeout time.Duration

	Version string
}

// Server is the admin HTTP API of the gateway.
//
// It is also a bus endpoint: pool requests are sent with the server's
// address as source and the replies are matched by transaction.
type Server struct {
	*bus.Port

	cfg            config.APIConfig
	wsCfg          config.WebSocketConfig
	logger         *logging.Logger
	router         *bus.Router
	pool           *mqttlink.Pool
	listener       *iottcp.Listener
	journal        JournalReader
	gatherer       prometheus.Gatherer
	metricsPath    string
	requestTimeout time.Duration
	version        string
	startTime      time.Time

	hub *Hub

	mu      sync.Mutex
	waiters map[string]chan bus.Envelope
	subs    []bus.Subscription

	server    *http.Server
	ln        net.Listener
	cancel    context.CancelFunc
	stopTap   func()
	closeOnce sync.Once
}

// New creates the API server and registers it on the router.
//
// The HTTP listener is not opened until Start() is called.
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Logger == nil:
		return nil, fmt.Errorf("%w: logger", ErrMissingDependency)
	case deps.Router == nil:
		return nil, fmt.Errorf("%w: router", ErrMissingDependency)
	case deps.Pool == nil:
		return nil, fmt.Errorf("%w: mqtt pool", ErrMissingDependency)
	case deps.Listener == nil:
		return nil, fmt.Errorf("%w: device listener", ErrMissingDependency)
	}

	s := &Server{
		Port:           bus.NewPort(bus.NewAddress("api")),
		cfg:            deps.Config,
		wsCfg:          deps.WS,
		logger:         deps.Logger.With("component", "api"),
		router:         deps.Router,
		pool:           deps.Pool,
		listener:       deps.Listener,
		journal:        deps.Journal,
		gatherer:       deps.Gatherer,
		metricsPath:    deps.MetricsPath,
		requestTimeout: deps.RequestTimeout,
		version:        deps.Version,
		startTime:      time.Now(),
		waiters:        make(map[string]chan bus.Envelope),
	}
	if s.metricsPath == "" {
		s.metricsPath = "/metrics"
	}
	if s.requestTimeout <= 0 {
		s.requestTimeout = defaultRequestTimeout
	}
	s.hub = NewHub(s.wsCfg, s.logger)

	s.Inbound().Subscribe(bus.ForMe(s, s.deliver))
	s.router.Register(s)

	// Replies to the server are emitted, not sent: the pool republishes
	// member events on its outbound and the router reports unknown
	// destinations on its own.
	s.subs = append(s.subs,
		s.router.Subscribe(s.router.Addr(), s.observe),
		s.router.Subscribe(s.pool.Addr(), s.observe),
	)
	return s, nil
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start opens the HTTP listener and serves in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	s.stopTap = s.hub.Attach(s.router)

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.ln = ln
	s.logger.Info("API server listening", "address", ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// ListenAddr returns the bound HTTP address, or nil before Start.
func (s *Server) ListenAddr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close gracefully shuts down the HTTP server, detaches from the bus and
// unregisters the server. Calling Close more than once is a no-op.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.stopTap != nil {
			s.stopTap()
		}

		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
			defer cancel()
			s.logger.Info("API server shutting down")
			if shutdownErr := s.server.Shutdown(ctx); shutdownErr != nil {
				err = fmt.Errorf("shutting down API server: %w", shutdownErr)
			}
		}

		for _, sub := range s.subs {
			sub.Unsubscribe()
		}
		s.router.Unregister(s)
		s.Port.Close()
	})
	return err
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// observe picks envelopes addressed to the server off a watched outbound.
func (s *Server) observe(env bus.Envelope) {
	if env.Dst == s.Addr() {
		s.deliver(env)
	}
}

// deliver hands env to the request waiting on its transaction. Envelopes
// nobody waits for any more are dropped.
func (s *Server) deliver(env bus.Envelope) {
	s.mu.Lock()
	ch, ok := s.waiters[env.Transaction]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- env:
	default:
		s.logger.Warn("reply buffer full, dropping", "type", env.Type, "transaction", env.Transaction)
	}
}

// exchange sends env from the server and collects the replies correlated
// to its transaction. Delivery is synchronous, so everything the request
// caused inline is already collected when Send returns. With wait set and
// nothing collected, exchange blocks for the first reply until ctx or the
// request timeout expires.
func (s *Server) exchange(ctx context.Context, env bus.Envelope, wait bool) ([]bus.Envelope, error) {
	env.Src = s.Addr()
	env.Transaction = bus.TransactionOf(env)

	ch := make(chan bus.Envelope, replyBuffer)
	s.mu.Lock()
	s.waiters[env.Transaction] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, env.Transaction)
		s.mu.Unlock()
	}()

	s.router.Send(env)

	replies := drain(ch, nil)
	if len(replies) > 0 || !wait {
		return replies, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()
	select {
	case first := <-ch:
		return drain(ch, []bus.Envelope{first}), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s %s", ErrNoReply, env.Type, env.Transaction)
	}
}

func drain(ch chan bus.Envelope, out []bus.Envelope) []bus.Envelope {
	for {
		select {
		case env := <-ch:
			out = append(out, env)
		default:
			return out
		}
	}
}
