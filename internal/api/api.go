// Package api serves the relay WebSocket endpoint and the HTTP API: lobby
// persistence and matching, room history and health.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/erilali/studybuddy/internal/history"
	"github.com/erilali/studybuddy/internal/hub"
	"github.com/erilali/studybuddy/internal/lobby"
	"github.com/erilali/studybuddy/internal/logger"
	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
)

const (
	version         = "1.0.0"
	shutdownTimeout = 10 * time.Second
)

// Deps are the components the server routes to. History, Nats and JetStream
// are optional.
type Deps struct {
	Hub       *hub.Hub
	Matcher   *lobby.Matcher
	History   history.Cache
	Nats      *nats.Conn
	JetStream nats.JetStreamContext
	Logger    *logger.Logger
}

type Server struct {
	router    *gin.Engine
	hub       *hub.Hub
	matcher   *lobby.Matcher
	history   history.Cache
	nc        *nats.Conn
	js        nats.JetStreamContext
	logger    *logger.Logger
	startTime time.Time
}

func NewServer(deps Deps) *Server {
	s := &Server{
		hub:       deps.Hub,
		matcher:   deps.Matcher,
		history:   deps.History,
		nc:        deps.Nats,
		js:        deps.JetStream,
		logger:    deps.Logger,
		startTime: time.Now(),
	}
	if s.logger == nil {
		s.logger = logger.Nop()
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.ServeWs(c.Writer, c.Request)
	})
	s.router.GET("/health", s.health)

	lobbies := s.router.Group("/api/lobbies")
	lobbies.POST("/find", s.findLobbies)
	lobbies.POST("/create", s.createLobby)
	lobbies.POST("/match", s.matchLobby)
	lobbies.GET("/:id", s.getLobby)
	lobbies.PUT("/:id", s.updateLobby)
	lobbies.DELETE("/:id", s.deleteLobby)
	lobbies.POST("/:id/join", s.joinLobby)
	lobbies.POST("/:id/leave", s.leaveLobby)

	s.router.GET("/api/rooms/:roomId/messages", s.roomMessages)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("request served")
	}
}

// Listen binds port, moving to the next port while the current one is in
// use, at most retries times.
func Listen(port, retries int, log *logger.Logger) (net.Listener, error) {
	if log == nil {
		log = logger.Nop()
	}
	for attempt := 0; attempt <= retries; attempt++ {
		addr := fmt.Sprintf(":%d", port+attempt)
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, err
		}
		log.Warnf("port %d is in use, trying %d", port+attempt, port+attempt+1)
	}
	return nil, fmt.Errorf("no free port between %d and %d", port, port+retries)
}

// Serve runs the HTTP server on ln until ctx is cancelled, then shuts it
// down gracefully. Hijacked WebSocket connections are closed by the hub.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Server started at %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.logger.Info("shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	}
}
