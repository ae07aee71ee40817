// Package server exposes the automation Service over HTTP: a JSON API, a
// WebSocket stream of lifecycle events and a rate-limited webhook trigger.
package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/crashkill/hub-automation-sub001/am"
	"github.com/crashkill/hub-automation-sub001/automation"
	"github.com/crashkill/hub-automation-sub001/errors"
	"github.com/crashkill/hub-automation-sub001/logger"
	"github.com/crashkill/hub-automation-sub001/pulse/events"
)

const (
	// MaxClients bounds concurrent event stream connections
	MaxClients = 100

	// ShutdownTimeout bounds how long Stop waits for client goroutines
	ShutdownTimeout = 5 * time.Second
)

// ServerState is the lifecycle state of the HTTP server
type ServerState int32

const (
	ServerStateRunning ServerState = iota
	ServerStateDraining
	ServerStateStopped
)

// EventSource is the part of the event bus the server subscribes to
type EventSource interface {
	Subscribe(handler events.Handler, kinds ...events.Kind) (func(), error)
}

// Config configures the HTTP surface
type Config struct {
	Port              int
	AllowedOrigins    []string
	MaxFiresPerMinute int // webhook fires per automation per minute, 0 for unlimited
}

// ConfigFrom extracts the server settings from the hub configuration
func ConfigFrom(cfg *am.Config) Config {
	return Config{
		Port:              cfg.Server.Port,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		MaxFiresPerMinute: cfg.Webhook.MaxFiresPerMinute,
	}
}

// Server serves the automation API
type Server struct {
	svc      *automation.Service
	events   EventSource
	cfg      Config
	logger   *zap.SugaredLogger
	hooks    *hookLimiter
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	clients  map[*Client]bool
	listener net.Listener

	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	state      atomic.Int32
	drops      atomic.Int64
}

// New creates a server. Call Start to listen, or mount Handler directly.
func New(svc *automation.Service, source EventSource, cfg Config, log *zap.SugaredLogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		svc:     svc,
		events:  source,
		cfg:     cfg,
		logger:  logger.OrNop(log).Named("server"),
		hooks:   newHookLimiter(cfg.MaxFiresPerMinute),
		clients: make(map[*Client]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Start binds the configured port and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(s.cfg.Port))
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %d", s.cfg.Port)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("HTTP server failed", logger.FieldError, err)
		}
	}()

	s.logger.Infow("Server listening", logger.FieldAddress, ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains HTTP requests, closes event streams and waits for goroutines
func (s *Server) Stop(ctx context.Context) error {
	if s.getState() == ServerStateStopped {
		return nil
	}
	s.setState(ServerStateDraining)

	// Hijacked websocket connections are not tracked by http.Server
	s.mu.Lock()
	toClose := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		toClose = append(toClose, c)
	}
	s.mu.Unlock()
	if len(toClose) > 0 {
		s.logger.Infow("Closing event streams", logger.FieldCount, len(toClose))
	}
	for _, c := range toClose {
		c.close()
	}

	err := s.httpServer.Shutdown(ctx)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(ShutdownTimeout):
		s.logger.Warnw("Server goroutines did not stop in time", "timeout", ShutdownTimeout)
	}

	s.setState(ServerStateStopped)
	s.logger.Infow("Server stopped", "event_drops", s.drops.Load())
	if err != nil {
		return errors.Wrap(err, "failed to shut down HTTP server")
	}
	return nil
}

func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

func (s *Server) setState(state ServerState) {
	s.state.Store(int32(state))
	s.logger.Infow("Server state changed", logger.FieldState, stateString(state))
}

func stateString(state ServerState) string {
	switch state {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
