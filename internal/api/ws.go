package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/pkg/jsonrpc"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The daemon listens on loopback; origin filtering happens at the
	// CORS layer for the HTTP endpoints.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// startWebsocket brings up the event gateway on its own port. Each client
// receives the full event stream and may send JSON-RPC requests over the
// same connection.
func (s *Server) startWebsocket() {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/ws", s.handleWebsocket)

	s.wsSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.WSPort),
		Handler: router,
	}
	go func() {
		s.logger.Info("websocket gateway listening", zap.Int("port", s.cfg.WSPort))
		if err := s.wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("websocket server failed", zap.Error(err))
		}
	}()
}

func (s *Server) handleWebsocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	writeJSON := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	var sub bus.Subscription
	if s.bus != nil {
		sub, err = s.bus.Subscribe(events.Wildcard, func(_ context.Context, event *bus.Event) error {
			return writeJSON(map[string]interface{}{
				"type": event.Type,
				"data": event.Data,
			})
		})
		if err != nil {
			s.logger.Warn("websocket event subscription failed", zap.Error(err))
		}
	}
	if sub != nil {
		defer func() { _ = sub.Unsubscribe() }()
	}

	for {
		var req jsonrpc.Request
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeoutDuration())
		resp := s.dispatcher.Dispatch(ctx, &req)
		cancel()
		if req.IsNotification() {
			continue
		}
		if err := writeJSON(resp); err != nil {
			return
		}
	}
}
