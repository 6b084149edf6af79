package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/netron/internal/auth"
	"github.com/danmuck/netron/internal/config"
	"github.com/danmuck/netron/internal/events"
	"github.com/danmuck/netron/internal/logging"
	"github.com/danmuck/netron/internal/netron"
	"github.com/danmuck/netron/internal/server"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type service struct {
	nodeCfg config.NodeConfig
	ctlCfg  ctlConfig
	node    *netron.Node
	admin   *server.Admin
	log     zerolog.Logger
}

func newService(nodeCfg config.NodeConfig, ctlCfg ctlConfig) (*service, error) {
	if ctlCfg.LogLevelSet {
		zerolog.SetGlobalLevel(ctlCfg.LogLevel)
	}
	opts, err := config.NodeOptions(nodeCfg)
	if err != nil {
		return nil, err
	}
	n, err := netron.New(opts...)
	if err != nil {
		return nil, err
	}
	if ctlCfg.Demo {
		if err := installDemo(n); err != nil {
			_ = n.Close()
			return nil, err
		}
	}
	s := &service{
		nodeCfg: nodeCfg,
		ctlCfg:  ctlCfg,
		node:    n,
		log:     logging.Logger("netronctl").With().Str("node", n.ID()).Logger(),
	}
	if addr := strings.TrimSpace(nodeCfg.AdminAddr); addr != "" {
		adminOpts := []server.Option{
			server.WithCallTimeout(ctlCfg.CallTimeout),
			server.WithWebSocket(ctlCfg.WSPath),
		}
		if len(nodeCfg.AdminTokens) > 0 {
			adminOpts = append(adminOpts, server.WithValidator(auth.StaticToken(nodeCfg.AdminTokens)))
		}
		s.admin = server.New(n, addr, nodeCfg.CorsOrigins, adminOpts...)
	}
	n.Bus().Subscribe(events.PeerConnect, s.logPeerEvent("peer connected"))
	n.Bus().Subscribe(events.PeerDisconnect, s.logPeerEvent("peer disconnected"))
	return s, nil
}

func (s *service) logPeerEvent(msg string) events.Handler {
	return func(ev events.Event) {
		if pe, ok := ev.Data.(events.PeerEvent); ok {
			s.log.Info().Str("peer", pe.ID).Msg(msg)
		}
	}
}

// Run serves until SIGINT or SIGTERM, then closes the node.
func (s *service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if addr := strings.TrimSpace(s.nodeCfg.Listen); addr != "" {
		ln, err := s.node.Listen(addr)
		if err != nil {
			_ = s.node.Close()
			return err
		}
		g.Go(func() error { return s.node.Serve(gctx, ln) })
	}
	if addr := strings.TrimSpace(s.nodeCfg.WSListen); addr != "" {
		g.Go(func() error { return s.serveWebSocket(gctx, addr) })
	}
	if s.admin != nil {
		g.Go(func() error { return s.admin.Serve(gctx) })
	}
	for _, p := range s.nodeCfg.Peers {
		p := p
		g.Go(func() error {
			s.dialPeer(gctx, p)
			return nil
		})
	}

	s.log.Info().Msg("netronctl running")
	err := g.Wait()
	stop()
	return errors.Join(err, s.shutdown())
}

func (s *service) serveWebSocket(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle(s.ctlCfg.WSPath, s.node.WebSocketHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Str("path", s.ctlCfg.WSPath).Msg("websocket listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.ctlCfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *service) dialPeer(ctx context.Context, p config.PeerConfig) {
	var err error
	switch p.Transport {
	case config.TransportWS:
		_, err = s.node.DialWebSocket(ctx, p.Addr)
	default:
		_, err = s.node.Dial(ctx, p.Addr)
	}
	if err != nil && ctx.Err() == nil {
		s.log.Error().Err(err).Str("addr", p.Addr).Str("transport", p.Transport).Msg("peer dial failed")
	}
}

func (s *service) shutdown() error {
	done := make(chan error, 1)
	go func() { done <- s.node.Close() }()
	select {
	case err := <-done:
		s.log.Info().Msg("netronctl stopped")
		return err
	case <-time.After(s.ctlCfg.ShutdownTimeout):
		return errors.New("netronctl: shutdown timed out")
	}
}
