// Package server exposes the video library and transcript search over HTTP
// and as an MCP tool.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"videoSearch/core"
	"videoSearch/processors"
	"videoSearch/storage"
)

// Deps 服务依赖
type Deps struct {
	Store      storage.Store
	Index      *storage.VectorIndex
	Retriever  *processors.Retriever
	Dispatcher core.Dispatcher
	Pool       *core.IngestPool
	Rebuilder  *storage.Rebuilder
	Tokens     *TokenIssuer
	Gatherer   prometheus.Gatherer

	VideoDir       string
	SegmentDir     string
	MaxUploadBytes int64
	SearchTimeout  time.Duration
	Logger         *slog.Logger
}

// Server HTTP 服务
type Server struct {
	deps    Deps
	started time.Time
	logger  *slog.Logger
}

// New 创建 HTTP 服务
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.NewRegistry()
	}
	if d.SearchTimeout <= 0 {
		d.SearchTimeout = 30 * time.Second
	}
	return &Server{deps: d, started: time.Now(), logger: d.Logger}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	monitoring := NewMonitoringHandlers(s.deps.Index, s.deps.Pool, s.deps.Gatherer, s.started)
	r.GET("/health", monitoring.HealthCheckHandler)
	r.GET("/metrics", monitoring.MetricsHandler())

	videos := NewVideoHandlers(s.deps.Store, s.deps.Dispatcher, s.deps.VideoDir, s.deps.SegmentDir, s.deps.MaxUploadBytes, s.logger)
	search := NewSearchHandlers(s.deps.Retriever, s.deps.SearchTimeout)
	vectors := NewVectorHandlers(s.deps.Index, s.deps.Rebuilder, s.logger)

	api := r.Group("/api/v1", AuthMiddleware(s.deps.Tokens))
	api.POST("/videos", videos.UploadHandler)
	api.GET("/videos", videos.ListHandler)
	api.GET("/videos/:id", videos.GetHandler)
	api.DELETE("/videos/:id", videos.DeleteHandler)
	api.GET("/search/video/:id/transcripts", videos.TranscriptsHandler)
	api.POST("/search", search.SearchHandler)

	admin := api.Group("/admin", requireSuperuser)
	admin.GET("/index", vectors.VectorStatusHandler)
	admin.POST("/index/rebuild", vectors.VectorRebuildHandler)
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start).Round(time.Microsecond))
	}
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
