// Package admin serves health, status and metrics for one xlog process.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/danmuck/xlogship/internal/logging"
	"github.com/danmuck/xlogship/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// StatusFunc returns the role snapshot served at /status.
type StatusFunc func() any

type Server struct {
	role    string
	started time.Time
	status  StatusFunc
	router  *gin.Engine
	handler http.Handler
	log     zerolog.Logger
	srv     *http.Server
}

func New(role string, status StatusFunc) *Server {
	gin.SetMode(gin.ReleaseMode)
	observability.RegisterMetrics()
	s := &Server{
		role:    role,
		started: time.Now(),
		status:  status,
		router:  gin.New(),
		log:     logging.For("admin").With().Str("role", role).Logger(),
	}
	s.router.Use(
		gin.Recovery(),
		observability.RequestLogger(s.log),
		observability.RequestMetricsMiddleware(role),
	)
	s.routes()
	s.handler = gziphandler.GzipHandler(s.router)
	return s
}

func (s *Server) routes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"role":   s.role,
			"uptime": time.Since(s.started).Round(time.Second).String(),
		})
	})
	s.router.GET("/status", func(c *gin.Context) {
		if s.status == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "status not available"})
			return
		}
		c.JSON(http.StatusOK, s.status())
	})
	// Compression is left to the outer gzip handler.
	metrics := promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{DisableCompression: true})
	s.router.GET("/metrics", gin.WrapH(metrics))
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Serve blocks serving on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("admin listening")
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
