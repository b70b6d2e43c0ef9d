// Package web is the HTTP boundary: it authenticates users, starts their
// session initialization and streams answers over server-sent events.
package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zulandar/myelo/internal/agent"
	"github.com/zulandar/myelo/internal/conversation"
)

// Controller is the part of the session controller the web boundary uses.
type Controller interface {
	StartInitialize(id string) bool
	Initialize(ctx context.Context, id string) (agent.InitResult, error)
	Reset(id string) bool
	Ask(ctx context.Context, id, question string) iter.Seq[agent.Chunk]
	Erase(ctx context.Context, id string) error
	History(ctx context.Context, id string) ([]conversation.Message, error)
}

// StartOpts holds configuration for the web server.
type StartOpts struct {
	Controller Controller
	Auth       *Authenticator
	Renderer   *Renderer
	Port       int
	ResultDir  string
	GraphDir   string
	Logger     *zap.Logger
	Out        io.Writer
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.Controller == nil {
		return nil, fmt.Errorf("web: controller is required")
	}
	if opts.Auth == nil {
		return nil, fmt.Errorf("web: authenticator is required")
	}
	if opts.Renderer == nil {
		opts.Renderer = NewRenderer()
	}
	if opts.ResultDir == "" {
		opts.ResultDir = "result"
	}
	if opts.GraphDir == "" {
		opts.GraphDir = "graph"
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("web")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))
	if err := registerRoutes(router, opts, log); err != nil {
		return nil, fmt.Errorf("web: %w", err)
	}
	return router, nil
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "myelo running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web: %w", err)
	}
	return nil
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
