package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"mailtriage/pkg/otel"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Router struct {
	Engine *gin.Engine
	logger *zap.Logger
}

func NewRouter(userHandler *UserHandler, jwtSecret string, logger *zap.Logger) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), otel.GinMiddleware("/healthz", "/metrics"), TraceMiddleware(), AccessLogMiddleware(logger))

	// Public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Protected
	v1 := r.Group("/v1")
	v1.Use(ServiceAuthMiddleware(jwtSecret))
	{
		v1.POST("/users/schedule", userHandler.Schedule)
		v1.DELETE("/users/:id/jobs", userHandler.Cancel)
		v1.GET("/users/:id/jobs", userHandler.List)
	}

	return &Router{Engine: r, logger: logger}
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (r *Router) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("HTTP server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	r.logger.Info("HTTP server stopped")
	return nil
}
