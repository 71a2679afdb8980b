// Package gateway serves the HTTP control plane for supervised processes.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"procvisor/internal/config"
	"procvisor/internal/gateway/handlers"
	"procvisor/internal/gateway/middleware"
	"procvisor/internal/gateway/websocket"
	"procvisor/internal/procutil"
	"procvisor/pkg/logger"
)

// Version is reported by the health endpoint. It is set by the CLI.
var Version = "dev"

// Deps are the components the gateway exposes.
type Deps struct {
	Manager handlers.ProcessManager
	// Journal may be nil when the journal is disabled.
	Journal handlers.JournalReader
	// Cron may be nil.
	Cron handlers.CronScheduler
	// Hub receives lifecycle events; it must also be registered as a
	// procutil.Observer by the caller.
	Hub *websocket.Hub
}

// Server represents the HTTP gateway server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	hub        *websocket.Hub
	config     config.ServerConfig

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a gateway server and registers every route.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	router := mux.NewRouter()

	// Recovery -> Logging -> router
	handler := middleware.Recovery(middleware.Logging(router))

	s := &Server{
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			// Wait requests may block for minutes; no write timeout.
			WriteTimeout: 0,
			IdleTimeout:  120 * time.Second,
		},
		router: router,
		hub:    deps.Hub,
		config: cfg,
	}
	s.setupRoutes(deps)
	return s
}

func (s *Server) setupRoutes(deps Deps) {
	var ping func() error
	if p, ok := deps.Journal.(interface{ Ping() error }); ok {
		ping = p.Ping
	}
	s.router.Handle("/api/v1/health", handlers.NewHealth(Version, deps.Manager, ping)).Methods("GET")

	handlers.NewProcessHandler(deps.Manager, deps.Journal).RegisterRoutes(s.router)
	if deps.Cron != nil {
		handlers.NewCronHandler(deps.Cron).RegisterRoutes(s.router)
	}

	if s.hub != nil {
		s.hub.SetLookup(func(pid int) (procutil.Info, bool) {
			return deps.Manager.Get(procutil.Handle(pid))
		})
		s.router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			websocket.ServeWs(s.hub, w, r)
		})
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlers.SendError(w, http.StatusMethodNotAllowed, handlers.ErrCodeInvalidRequest, "method not allowed")
	})
}

// Listen opens the configured listener: the pipe when server.pipe is set,
// host:port otherwise.
func Listen(cfg config.ServerConfig) (net.Listener, error) {
	if cfg.Pipe != "" {
		ln, err := listenPipe(cfg.Pipe)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", cfg.Pipe, err)
		}
		return ln, nil
	}
	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr(), err)
	}
	return ln, nil
}

// Start listens and serves until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	ln, err := Listen(s.config)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	if s.hub != nil {
		go s.hub.Run()
	}

	logger.Info().
		Str("addr", ln.Addr().String()).
		Str("network", ln.Addr().Network()).
		Msg("Starting gateway server")

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown gracefully shuts down the server and closes WebSocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info().Msg("Shutting down gateway server")

	if s.hub != nil {
		s.hub.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

// Router returns the underlying router for testing.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the router wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *websocket.Hub {
	return s.hub
}
