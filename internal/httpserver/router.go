// Package httpserver exposes health, readiness, metrics and per queue poll
// status over HTTP.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-postmaster/internal/cache"
	"github.com/gotrs-io/gotrs-postmaster/internal/services/scheduler"
)

// Pinger checks a dependency; *sqlx.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// RunInfo reports scheduler progress.
type RunInfo interface {
	LastRun() scheduler.RunSummary
	NextRun() time.Time
}

// Deps are the optional collaborators of the router. Nil fields disable the
// routes that need them.
type Deps struct {
	DB          Pinger
	Status      cache.StatusStore
	Scheduler   RunInfo
	Metrics     http.Handler
	MetricsPath string
	Logger      *zap.Logger
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(deps Deps) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(deps.Logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	r.GET("/readyz", func(c *gin.Context) {
		if deps.DB != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
			defer cancel()
			if err := deps.DB.PingContext(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	if deps.Metrics != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(deps.Metrics))
	}

	if deps.Status != nil {
		h := &statusHandler{store: deps.Status}
		r.GET("/queues", h.list)
		r.GET("/queues/:slug", h.get)
	}

	if deps.Scheduler != nil {
		r.GET("/scheduler", func(c *gin.Context) {
			last := deps.Scheduler.LastRun()
			body := gin.H{
				"last_started_at":  nullableTime(last.StartedAt),
				"last_finished_at": nullableTime(last.FinishedAt),
				"due":              last.Due,
				"polled":           last.Polled,
				"locked":           last.Locked,
				"next_run_at":      nullableTime(deps.Scheduler.NextRun()),
			}
			if last.Err != nil {
				body["error"] = last.Err.Error()
			}
			c.JSON(http.StatusOK, body)
		})
	}

	return &Router{Engine: r}
}

type statusHandler struct {
	store cache.StatusStore
}

func (h *statusHandler) list(c *gin.Context) {
	statuses, err := h.store.ListStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queues": statuses, "count": len(statuses)})
}

func (h *statusHandler) get(c *gin.Context) {
	slug := c.Param("slug")
	st, ok, err := h.store.GetStatus(c.Request.Context(), slug)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no poll recorded for queue " + slug})
		return
	}
	c.JSON(http.StatusOK, st)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// Server runs the router until its context ends.
type Server struct {
	srv             *http.Server
	shutdownTimeout time.Duration
	logger          *zap.Logger
}

// NewServer binds a router to addr.
func NewServer(addr string, router *Router, readTimeout, shutdownTimeout time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 15 * time.Second
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           router.Engine,
			ReadHeaderTimeout: readTimeout,
			ReadTimeout:       readTimeout,
		},
		shutdownTimeout: shutdownTimeout,
		logger:          logger,
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
