package netron

import (
	"context"
	"crypto/tls"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/netron/internal/peer"
	"github.com/danmuck/netron/internal/protocol/session"
	"github.com/danmuck/netron/internal/transport"
)

var ErrAddressRequired = errors.New("netron: address required")

// Dial connects to a node listening on addr over TCP, retrying with the
// session backoff until MaxConnectAttempts is reached.
func (n *Node) Dial(ctx context.Context, addr string) (*peer.RemotePeer, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, ErrAddressRequired
	}
	cfg := n.opts.session
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var attempt int
	for {
		attempt++
		conn, err := n.dialConn(ctx, addr)
		if err == nil {
			rp, err := n.Connect(ctx, transport.NewStream(conn, n.opts.limits))
			if err == nil {
				return rp, nil
			}
			if !retryable(err) || !shouldRetry(cfg, attempt) {
				return nil, err
			}
			n.log.Warn().Err(err).Int("attempt", attempt).Str("addr", addr).Msg("connect failed")
		} else {
			n.log.Warn().Err(err).Int("attempt", attempt).Str("addr", addr).Msg("dial failed")
			if !shouldRetry(cfg, attempt) || ctx.Err() != nil {
				return nil, err
			}
		}
		if err := session.SleepBackoff(ctx, n.opts.clock, cfg.Backoff, attempt, rng); err != nil {
			return nil, err
		}
	}
}

func (n *Node) dialConn(ctx context.Context, addr string) (net.Conn, error) {
	cfg := n.opts.session
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := cfg.ClientTLSConfig(addr)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	hctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(hctx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func shouldRetry(cfg session.Config, attempt int) bool {
	if cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < cfg.MaxConnectAttempts
}

// retryable reports whether a failed link attempt may succeed on redial.
func retryable(err error) bool {
	switch {
	case errors.Is(err, peer.ErrPeerExists),
		errors.Is(err, ErrSelfConnect),
		errors.Is(err, ErrNodeClosed),
		errors.Is(err, session.ErrInvalidHello),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// DialWebSocket connects to a node serving WebSocketHandler at url.
func (n *Node) DialWebSocket(ctx context.Context, url string) (*peer.RemotePeer, error) {
	if strings.TrimSpace(url) == "" {
		return nil, ErrAddressRequired
	}
	ws, err := transport.DialWebSocket(ctx, url, n.opts.session.HandshakeTimeout, n.opts.limits)
	if err != nil {
		return nil, err
	}
	return n.Connect(ctx, ws)
}

// Listen opens a TCP listener on addr, wrapped in TLS when the session
// config enables it.
func (n *Node) Listen(addr string) (net.Listener, error) {
	cfg := n.opts.session
	if err := cfg.ValidateServerTransport(); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return ln, nil
	}
	tlsCfg, err := cfg.ServerTLSConfig()
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	return tls.NewListener(ln, tlsCfg), nil
}

// Serve accepts links on ln until ctx ends or the node closes. Each
// accepted connection is handshaken on its own goroutine.
func (n *Node) Serve(ctx context.Context, ln net.Listener) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		_ = ln.Close()
		return ErrNodeClosed
	}
	n.listeners[ln] = struct{}{}
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.listeners, ln)
		n.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	n.log.Info().Str("addr", ln.Addr().String()).Msg("serving")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || n.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go func() {
			if _, err := n.Accept(n.ctx, transport.NewStream(conn, n.opts.limits)); err != nil {
				n.log.Warn().Err(err).Str("addr", conn.RemoteAddr().String()).Msg("accept failed")
			}
		}()
	}
}

// WebSocketHandler upgrades HTTP requests into links.
func (n *Node) WebSocketHandler() http.Handler {
	up := transport.Upgrader()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			n.log.Warn().Err(err).Str("addr", r.RemoteAddr).Msg("websocket upgrade")
			return
		}
		if _, err := n.Accept(n.ctx, transport.NewWebSocket(conn, n.opts.limits)); err != nil {
			n.log.Warn().Err(err).Str("addr", r.RemoteAddr).Msg("accept failed")
		}
	})
}
