package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/projecteru2/core/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/projecteru2/vmcpd/version"
)

const (
	shutdownTimeout = 10 * time.Second
	readLimit       = 64 << 10
)

// Server exposes a Core over HTTP: the WebSocket API on /ws plus health
// and metrics endpoints.
type Server struct {
	core     *Core
	engine   *gin.Engine
	upgrader websocket.Upgrader

	// base is the parent context of every connection; cancel ends them all.
	base   context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup
}

// NewServer builds the HTTP routes for core.
func NewServer(core *Core) *Server {
	gin.SetMode(gin.ReleaseMode)
	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		core:   core,
		engine: gin.New(),
		base:   base,
		cancel: cancel,
		upgrader: websocket.Upgrader{
			// Pages from any origin may connect; the origin decides their
			// trust domain.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.engine.Use(gin.Recovery())
	s.engine.GET("/ws", s.handleWS)
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(core.gatherer, promhttp.HandlerOpts{})))
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Serve listens on the configured address until ctx is cancelled or the
// core is shut down, then closes every connection.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.core.conf.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.core.conf.Listen, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	logger := log.WithFunc("daemon.Serve")
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second, //nolint:mnd
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof(ctx, "listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.core.Done():
			logger.Infof(ctx, "shutdown requested")
		}
		s.Close()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	err := g.Wait()
	s.core.Close(context.WithoutCancel(ctx))
	return err
}

// Close ends every WebSocket connection and waits for their cleanup.
func (s *Server) Close() {
	s.cancel()
	s.conns.Wait()
}

func (s *Server) handleHealth(c *gin.Context) {
	ks := s.core.keystore.State()
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"version":    version.Version,
		"protocol":   version.Protocol,
		"hypervisor": gin.H{"type": s.core.hypervisor.Type(), "version": s.core.hypervisor.Version()},
		"keystore":   ks,
		"sessions":   s.core.registry.Len(),
		"throttled":  s.core.throttle.IsBlocked(),
	})
}

func (s *Server) handleWS(c *gin.Context) {
	logger := log.WithFunc("daemon.handleWS")
	ctx := c.Request.Context()
	if s.base.Err() != nil {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf(ctx, "upgrade failed: %v", err)
		return
	}
	ws.SetReadLimit(readLimit)

	conn := newConnection(s.base, s.core, ws, originDomain(c.GetHeader("Origin")))
	s.conns.Add(1)
	defer s.conns.Done()
	conn.serve()
}

// originDomain is the host part of an Origin header, empty when absent
// or opaque.
func originDomain(origin string) string {
	if origin == "" || origin == "null" {
		return ""
	}
	u, err := url.Parse(origin)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
