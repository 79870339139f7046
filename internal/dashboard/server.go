// Package dashboard serves the local inbox API: room list, timelines,
// sends, and a server-sent event stream of inbox changes.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/zulandar/leadline/internal/convo"
	"github.com/zulandar/leadline/internal/inbox"
	"github.com/zulandar/leadline/internal/transport"
)

// DefaultHeartbeat is the SSE heartbeat interval.
const DefaultHeartbeat = 15 * time.Second

// Inbox is the part of *inbox.Inbox the API serves.
type Inbox interface {
	Viewer() convo.Viewer
	Rooms() []convo.Room
	Room(roomID string) (convo.Room, bool)
	Active() string
	ConnectionState() transport.State
	Degraded() bool
	Timeline(roomID string) (inbox.View, bool)
	Open(ctx context.Context, roomID string) error
	LoadOlder(ctx context.Context, roomID string) (bool, error)
	MarkRead(roomID string) bool
	Reload(ctx context.Context) error
	Send(ctx context.Context, roomID, text string) (convo.Message, error)
	SendMedia(ctx context.Context, roomID string, up inbox.MediaUpload) (convo.Message, error)
	Subscribe() (<-chan inbox.Change, func())
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Inbox     Inbox
	Metrics   http.Handler // served at /metrics when set
	Port      int
	Heartbeat time.Duration // default DefaultHeartbeat
	Out       io.Writer
	Logger    *slog.Logger
}

// Start launches the API server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Inbox == nil {
		return errors.New("dashboard: inbox is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8420
	}

	gin.SetMode(gin.ReleaseMode)
	router := newRouter(opts)

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Inbox API running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// newRouter builds the gin engine with middleware and routes.
func newRouter(opts StartOpts) *gin.Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(requestLogger(logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length", "Content-Type", requestIDHeader},
		MaxAge:        12 * time.Hour,
	}))

	registerRoutes(router, opts.Inbox, opts.Metrics, opts.Heartbeat)
	return router
}
