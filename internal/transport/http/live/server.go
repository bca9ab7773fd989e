// Package livehttp serves the armed session's control surface: status and
// history queries, the manual trigger, and a self-contained dashboard page.
package livehttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"ambush/internal/health"
	"ambush/internal/logger"
	"ambush/internal/store/gormstore"

	"github.com/gin-gonic/gin"
)

// Server wraps the gin engine behind a context-driven lifecycle.
type Server struct {
	addr   string
	router *gin.Engine
}

// ServerConfig describes the live HTTP dependencies. History, Monitor and
// Profiles may be nil; the affected endpoints degrade to 503 or an empty
// chart.
type ServerConfig struct {
	Addr       string
	Controller LiveController
	History    *gormstore.Store
	Monitor    *health.Monitor
	Profiles   ProfileLister
}

// NewServer builds the live HTTP server and, when a monitor is present,
// starts collecting poll snapshots for the dashboard's latency chart.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Controller == nil {
		return nil, errors.New("live http server requires a controller")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	samples := newSampleRing(sampleRingSize)
	if cfg.Monitor != nil {
		cfg.Monitor.Subscribe(func(ev health.Event) {
			if ev.Kind == health.EventStatus {
				samples.add(statusSample{
					At:        ev.Timestamp,
					Online:    ev.Status.Online,
					LatencyMs: ev.Status.LatencyMs,
				})
			}
		})
	}

	liveRouter := NewRouter(cfg.Controller, cfg.History, cfg.Profiles)
	liveRouter.Register(router.Group("/api/live"))
	registerDashboard(router, cfg.Controller, cfg.History, samples)

	return &Server{addr: cfg.Addr, router: router}, nil
}

// requestLogger traces API calls so manual triggers and refreshes can be
// correlated with runs.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery
		client := c.ClientIP()
		c.Next()
		dur := time.Since(start)
		status := c.Writer.Status()
		fullPath := path
		if query != "" {
			fullPath = path + "?" + query
		}
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s", method, fullPath, status, client, dur)
	}
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Handler exposes the underlying mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	if s == nil {
		return nil
	}
	return s.router
}

// Start serves until ctx is canceled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logger.Infof("HTTP: listening on %s", s.addr)
	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
