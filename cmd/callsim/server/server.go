// Package server provides an importable stand-in for the call-entry demo
// app. E2E tests start it on a random port and point the harness at it.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds server configuration options.
type Config struct {
	Addr         string        // Listen address (e.g., ":8080" or ":0" for random port)
	ReadTimeout  time.Duration // HTTP read timeout
	WriteTimeout time.Duration // HTTP write timeout

	// AppID and Token are the accepted credentials. Empty accepts any value
	// except "invalid".
	AppID string
	Token string

	// Debug enables gin request logging.
	Debug bool
}

// DefaultConfig returns a configuration suitable for testing.
// Uses ":0" to bind to a random available port.
func DefaultConfig() Config {
	return Config{
		Addr:         ":0",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server serves the call page, the join ack endpoint and channel rosters.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	addr       string
	mu         sync.Mutex
	running    bool

	cfg    Config
	joins  *joinBook
	roster *Roster
	logger zerolog.Logger
}

// NewServer creates a new server with the given configuration.
// The server is not started until Start() is called.
func NewServer(cfg Config) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		joins:  newJoinBook(),
		roster: NewRoster(),
		logger: log.Logger.With().Str("module", "callsim").Logger(),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

func (s *Server) router() *gin.Engine {
	if !s.cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	if s.cfg.Debug {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/", s.handlePage)
	r.GET("/basicVideoCall/index.html", s.handlePage)
	r.POST(AckPath, s.handleJoin)
	r.GET("/ws", s.handleRoster)
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

// Start begins listening and serving HTTP requests.
// Returns the actual address the server is listening on (useful when port is 0).
// This method is non-blocking - the server runs in a goroutine.
func (s *Server) Start() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return s.addr, nil
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen: %w", err)
	}

	s.listener = ln
	s.addr = ln.Addr().String()
	s.running = true

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Serve stopped")
		}
	}()

	s.logger.Info().Str("addr", s.addr).Msg("Call app listening")
	return s.addr, nil
}

// Shutdown closes every roster connection and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.running = false
	s.roster.CloseAll()
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the address the server is listening on.
// Returns empty string if server is not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// URL returns the http base URL of a running server.
func (s *Server) URL() string {
	addr := s.Addr()
	if addr == "" {
		return ""
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "::" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// Roster exposes live channel membership.
func (s *Server) Roster() *Roster { return s.roster }
