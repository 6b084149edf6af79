// Package server exposes a node over HTTP for operators: health, metrics,
// published contexts, connected peers and task execution.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/netron/internal/auth"
	"github.com/danmuck/netron/internal/logging"
	"github.com/danmuck/netron/internal/netron"
	"github.com/danmuck/netron/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const Version = "0.1.0"

// Admin is the HTTP admin surface of one node. WSPath, when set, also
// accepts websocket links on the same listener.
type Admin struct {
	node    *netron.Node
	addr    string
	router  *gin.Engine
	log     zerolog.Logger
	started time.Time
	wsPath  string
	guard   auth.Validator

	callTimeout time.Duration
}

type Option func(*Admin)

// WithWebSocket mounts the node's websocket link handler at path.
func WithWebSocket(path string) Option {
	return func(a *Admin) { a.wsPath = path }
}

// WithValidator requires a bearer token on every route except health,
// readiness, metrics and the websocket link path.
func WithValidator(v auth.Validator) Option {
	return func(a *Admin) { a.guard = v }
}

// WithCallTimeout bounds each request that reaches a peer.
func WithCallTimeout(d time.Duration) Option {
	return func(a *Admin) {
		if d > 0 {
			a.callTimeout = d
		}
	}
}

func New(node *netron.Node, addr string, corsOrigins []string, opts ...Option) *Admin {
	observability.RegisterMetrics()
	log := logging.Logger("admin").With().Str("node", node.ID()).Logger()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(log))
	r.Use(observability.RequestMetricsMiddleware(node.ID()))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization", observability.RequestIDHeader},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{
		node:        node,
		addr:        addr,
		router:      r,
		log:         log,
		started:     time.Now(),
		callTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.registerRoutes()
	return a
}

func (a *Admin) Router() *gin.Engine { return a.router }

func (a *Admin) Addr() string { return a.addr }

// Serve runs the HTTP server until ctx ends, then shuts it down gracefully.
func (a *Admin) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.addr).Msg("admin listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if v := strings.TrimSpace(o); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
