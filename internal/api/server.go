// Package api exposes the daemon over three transports carrying the same
// JSON-RPC envelope: a newline-delimited unix socket, HTTP POST, and a
// server-sent-event stream for event broadcast. A websocket gateway mirrors
// the event stream for browser clients.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
	"github.com/agentmux/agentmux/pkg/jsonrpc"
)

// Dispatcher routes a decoded JSON-RPC request to its handler.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response
}

// HealthChecker produces the report served on GET /health.
type HealthChecker interface {
	Check(ctx context.Context) *v1.HealthReport
}

// Server multiplexes the unix socket, the HTTP endpoints, and the websocket
// gateway onto one dispatcher.
type Server struct {
	dispatcher Dispatcher
	bus        bus.EventBus
	health     HealthChecker
	cfg        *config.Config
	logger     *logger.Logger

	httpSrv  *http.Server
	wsSrv    *http.Server
	socketLn net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	subs  map[*sseClient]struct{}
	wg    sync.WaitGroup
}

// NewServer wires the transports. Nothing listens until Start.
func NewServer(dispatcher Dispatcher, eventBus bus.EventBus, health HealthChecker, cfg *config.Config, log *logger.Logger) *Server {
	return &Server{
		dispatcher: dispatcher,
		bus:        eventBus,
		health:     health,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "api")),
		conns:      make(map[net.Conn]struct{}),
		subs:       make(map[*sseClient]struct{}),
	}
}

// Start brings up all three listeners. Each accepts clients concurrently;
// failures after startup are logged, not fatal.
func (s *Server) Start(ctx context.Context) error {
	if err := s.startSocket(ctx); err != nil {
		return err
	}

	if strings.ToLower(s.cfg.LogLevel) != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.httpSrv = &http.Server{
		Addr:        fmt.Sprintf(":%d", s.cfg.HTTPPort),
		Handler:     s.httpHandler(),
		ReadTimeout: s.cfg.RequestTimeoutDuration(),
	}
	go func() {
		s.logger.Info("HTTP API listening", zap.Int("port", s.cfg.HTTPPort))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	s.startWebsocket()
	return nil
}

// httpHandler builds the gin router for the HTTP port.
func (s *Server) httpHandler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.corsMiddleware())
	router.POST("/rpc", s.handleRPC)
	router.GET("/events", s.handleEvents)
	router.GET("/health", s.handleHealth)
	return router
}

// Shutdown stops accepting on every transport, unlinks the socket, and
// closes all event-stream subscribers. The store is flushed by its own
// Close, which the caller runs after this returns.
func (s *Server) Shutdown(ctx context.Context) {
	if s.socketLn != nil {
		_ = s.socketLn.Close()
		_ = os.Remove(s.cfg.UnixSocket)
	}
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Warn("HTTP shutdown", zap.Error(err))
		}
	}
	if s.wsSrv != nil {
		if err := s.wsSrv.Shutdown(ctx); err != nil {
			s.logger.Warn("websocket shutdown", zap.Error(err))
		}
	}

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	for client := range s.subs {
		client.close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.logger.Info("API server stopped")
}

// handleRPC serves one JSON-RPC call per POST. Parse failures are an HTTP
// 400; everything past the envelope parse is a 200 with a JSON-RPC error.
func (s *Server) handleRPC(c *gin.Context) {
	body := http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxRequestSize)
	var req jsonrpc.Request
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		c.JSON(http.StatusBadRequest, jsonrpc.NewError(nil, jsonrpc.CodeParseError, "parse error: "+err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeoutDuration())
	defer cancel()

	resp := s.dispatcher.Dispatch(ctx, &req)
	if req.IsNotification() {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleHealth returns the current report; 503 unless overall is healthy.
func (s *Server) handleHealth(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	report := s.health.Check(c.Request.Context())
	status := http.StatusOK
	if report.Overall != v1.HealthHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	origin := "*"
	if len(s.cfg.CORSOrigins) > 0 {
		origin = strings.Join(s.cfg.CORSOrigins, ", ")
	}
	return func(c *gin.Context) {
		if s.cfg.EnableCORS {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// sseClient is one GET /events subscriber.
type sseClient struct {
	frames    chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *sseClient) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// handleEvents subscribes the client to every bus subject and relays each
// event as one SSE frame until the client disconnects.
func (s *Server) handleEvents(c *gin.Context) {
	if s.bus == nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}

	client := &sseClient{
		frames: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	sub, err := s.bus.Subscribe(events.Wildcard, func(_ context.Context, event *bus.Event) error {
		frame, err := eventFrame(event)
		if err != nil {
			return err
		}
		select {
		case client.frames <- frame:
		case <-client.closed:
		default:
			// Slow consumer: drop rather than stall the bus. Subscribers
			// must re-read the store anyway.
		}
		return nil
	})
	if err != nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}

	s.mu.Lock()
	s.subs[client] = struct{}{}
	s.mu.Unlock()
	defer func() {
		_ = sub.Unsubscribe()
		client.close()
		s.mu.Lock()
		delete(s.subs, client)
		s.mu.Unlock()
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case frame := <-client.frames:
			if _, err := c.Writer.Write(frame); err != nil {
				return
			}
			c.Writer.Flush()
		case <-heartbeat.C:
			if _, err := c.Writer.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			c.Writer.Flush()
		case <-client.closed:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

// eventFrame renders one bus event as an SSE data frame of the form
// data: {"type":"<event>","data":[...]}.
func eventFrame(event *bus.Event) ([]byte, error) {
	payload := struct {
		Type string        `json:"type"`
		Data []interface{} `json:"data"`
	}{Type: event.Type}
	if event.Data != nil {
		payload.Data = []interface{}{event.Data}
	} else {
		payload.Data = []interface{}{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []byte("data: " + string(encoded) + "\n\n"), nil
}
