package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskdirector/taskdirector/internal/logging"
)

// upgrader accepts WebSocket upgrades from any origin: the Director is
// meant to sit behind a private network, not to be browser-facing, so
// the usual same-origin check would only get in the way of worker
// clients.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ConnMetrics tracks connection churn at the transport layer.
// Implemented by observability.EndpointMetrics.
type ConnMetrics interface {
	Connected()
	Disconnected()
}

type noopConnMetrics struct{}

func (noopConnMetrics) Connected()    {}
func (noopConnMetrics) Disconnected() {}

// Server is the HTTP listener that accepts worker connections on
// /api/<a>/<b>/ (two opaque path segments, carried as connection
// metadata only, never used for instance matching) and upgrades them to
// the Connection Endpoint protocol.
type Server struct {
	addr      string
	handler   FrameHandler
	logger    logging.Logger
	queueSize int
	metrics   ConnMetrics

	httpServer *http.Server
	listener   net.Listener

	shutdownMu sync.Mutex
	isShutdown bool
}

// NewServer builds a Server listening on addr, routing accepted
// connections to handler. queueSize bounds each endpoint's outbound
// frame buffer; <= 0 falls back to defaultOutboundQueueSize. metrics may
// be nil, in which case connection churn goes unrecorded.
func NewServer(addr string, handler FrameHandler, logger logging.Logger, queueSize int, metrics ConnMetrics) *Server {
	if logger == nil {
		logger = logging.Noop()
	}
	if metrics == nil {
		metrics = noopConnMetrics{}
	}
	s := &Server{
		addr:      addr,
		handler:   handler,
		logger:    logger,
		queueSize: queueSize,
		metrics:   metrics,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/", s.handleUpgrade)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// handleUpgrade accepts the WebSocket handshake on /api/<a>/<b>/. The
// two path segments are logged but otherwise unused: they exist on the
// wire for the caller's own routing/observability needs, not for
// schema-instance matching, which is driven entirely by the INIT
// payload.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(segments) != 3 {
		http.Error(w, "expected /api/<a>/<b>/", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", "error", err.Error(), "path", r.URL.Path)
		return
	}

	id := NewID()
	s.logger.Info("endpoint_connected", "endpoint", id, "path_a", segments[1], "path_b", segments[2])

	ep := NewEndpoint(id, conn, s.handler, s.logger, s.queueSize)
	s.handler.Attach(id, ep)
	s.metrics.Connected()
	go func() {
		ep.Run()
		s.metrics.Disconnected()
	}()
}

// Start listens and serves until the process is terminated. Blocks the
// calling goroutine.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = lis

	s.logger.Info("transport_server_started", "address", s.addr)
	if err := s.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// StartBackground starts the server in a goroutine and returns a
// channel that receives its terminal error, if any.
func (s *Server) StartBackground() (<-chan error, error) {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = lis

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("transport_server_started_background", "address", s.addr)
		if err := s.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh, nil
}

// Shutdown gracefully stops the server, waiting up to timeout for
// in-flight connections to finish before forcing a close.
func (s *Server) Shutdown(timeout time.Duration) {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	if s.isShutdown {
		return
	}
	s.isShutdown = true

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("transport_graceful_shutdown_initiated")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("transport_graceful_shutdown_timeout", "error", err.Error())
		_ = s.httpServer.Close()
	}
	s.logger.Info("transport_graceful_shutdown_completed")
}

// Address returns the address the server is configured to listen on.
func (s *Server) Address() string {
	return s.addr
}
