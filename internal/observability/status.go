package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/rdpctl/internal/auth"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// SessionStatus is a point-in-time copy of the orchestrator state.
type SessionStatus struct {
	ID         string    `json:"id"`
	State      string    `json:"state"`
	Server     string    `json:"server"`
	Ready      bool      `json:"ready"`
	Iterations uint64    `json:"iterations"`
	StartedAt  time.Time `json:"started_at"`
	Error      string    `json:"error,omitempty"`
}

// StatusSource supplies snapshots. Implementations must be safe to call from
// the server goroutine while the session loop runs.
type StatusSource interface {
	SessionStatus() SessionStatus
}

// StatusServer exposes health, readiness, session and metrics endpoints.
// It only reads snapshots and never drives the session.
type StatusServer struct {
	source  StatusSource
	router  *gin.Engine
	started time.Time
	guard   auth.Validator

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

type StatusOption func(*StatusServer)

// WithSessionAuth requires a bearer token accepted by v on /session.
func WithSessionAuth(v auth.Validator) StatusOption {
	return func(s *StatusServer) {
		s.guard = v
	}
}

func NewStatusServer(source StatusSource, corsOrigins []string, opts ...StatusOption) *StatusServer {
	RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestObserver(log.With().Str("component", "status").Logger(), source))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &StatusServer{source: source, router: r, started: time.Now()}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

func (s *StatusServer) Router() *gin.Engine {
	return s.router
}

func (s *StatusServer) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.started).String(),
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		st := s.source.SessionStatus()
		code := http.StatusOK
		if !st.Ready {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"ready": st.Ready,
			"state": st.State,
		})
	})

	sessionHandlers := []gin.HandlerFunc{}
	if s.guard != nil {
		sessionHandlers = append(sessionHandlers, auth.Middleware(s.guard))
	}
	sessionHandlers = append(sessionHandlers, func(c *gin.Context) {
		c.JSON(http.StatusOK, s.source.SessionStatus())
	})
	s.router.GET("/session", sessionHandlers...)

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Start binds addr and serves on a background goroutine. Bind errors are
// returned synchronously.
func (s *StatusServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.listener = ln
	s.mu.Unlock()

	log.Info().Str("addr", ln.Addr().String()).Msg("observability.StatusServer.Start listening")
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("observability.StatusServer serve failed")
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *StatusServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *StatusServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
