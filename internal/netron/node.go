// Package netron wires contexts, tasks, events and peers into a Node that
// accepts and dials links to other nodes.
package netron

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/danmuck/netron/internal/contexts"
	"github.com/danmuck/netron/internal/events"
	"github.com/danmuck/netron/internal/logging"
	"github.com/danmuck/netron/internal/observability"
	"github.com/danmuck/netron/internal/peer"
	"github.com/danmuck/netron/internal/protocol/frame"
	"github.com/danmuck/netron/internal/protocol/session"
	"github.com/danmuck/netron/internal/tasks"
	"github.com/danmuck/netron/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

var (
	ErrNodeClosed  = errors.New("netron: node closed")
	ErrSelfConnect = errors.New("netron: link to self")
)

// Node is one participant in a netron mesh. It owns the context registry,
// the task table, the event bus and the directory of connected peers.
type Node struct {
	opts options
	id   string
	log  zerolog.Logger

	bus      *events.Bus
	registry *contexts.Registry
	tasks    *tasks.Manager
	dir      *peer.Directory
	own      *peer.LocalPeer

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	listeners map[net.Listener]struct{}
}

func New(opts ...Option) (*Node, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	id := strings.TrimSpace(o.id)
	if id == "" {
		id = uuid.NewString()
	}
	log := logging.Logger("netron")
	if o.log != nil {
		log = *o.log
	}
	log = log.With().Str("node", id).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	bus := events.NewBus()
	n := &Node{
		opts:      o,
		id:        id,
		log:       log,
		bus:       bus,
		registry:  contexts.NewRegistry(id, bus),
		tasks:     tasks.NewManager(),
		dir:       peer.NewDirectory(),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[net.Listener]struct{}),
	}
	n.tasks.SetLimit(o.taskLimit)
	if err := n.registerBuiltins(); err != nil {
		cancel()
		return nil, err
	}
	n.own = peer.NewLocalPeer(n, log)
	if err := n.dir.Add(n.own); err != nil {
		cancel()
		return nil, err
	}
	return n, nil
}

func (n *Node) ID() string                    { return n.id }
func (n *Node) Registry() *contexts.Registry  { return n.registry }
func (n *Node) Bus() *events.Bus              { return n.bus }
func (n *Node) Directory() *peer.Directory    { return n.dir }
func (n *Node) Tasks() *tasks.Manager         { return n.tasks }
func (n *Node) OwnPeer() *peer.LocalPeer      { return n.own }
func (n *Node) ProxifyContexts() bool         { return n.opts.proxify }
func (n *Node) SessionConfig() session.Config { return n.opts.session }

// RunTasks executes specs from the node task table on behalf of peerID.
func (n *Node) RunTasks(ctx context.Context, peerID string, specs []tasks.Spec) []tasks.Outcome {
	return n.tasks.Run(ctx, peerID, specs)
}

// AddTask registers a user task; built-in names cannot be replaced.
func (n *Node) AddTask(name string, fn tasks.Func) error {
	return n.tasks.Register(name, fn)
}

// Info describes this node the way netronGetConfig reports it.
func (n *Node) Info() session.NodeInfo {
	return session.NodeInfo{
		ID:                n.id,
		ProtocolVersion:   uint32(frame.Version),
		ProxifyContexts:   n.opts.proxify,
		ResponseTimeoutMS: n.opts.effectiveResponseTimeout().Milliseconds(),
	}
}

// AttachContext publishes instance on this node.
func (n *Node) AttachContext(instance any, name string) (contexts.Definition, error) {
	return n.own.AttachContext(n.ctx, instance, name)
}

func (n *Node) DetachContext(name string) error {
	return n.own.DetachContext(n.ctx, name, false)
}

// Peer looks up a connected peer, or the node itself, by id.
func (n *Node) Peer(id string) (peer.Peer, bool) {
	return n.dir.Get(id)
}

func (n *Node) RemotePeer(id string) (*peer.RemotePeer, bool) {
	p, ok := n.dir.Get(id)
	if !ok {
		return nil, false
	}
	rp, ok := p.(*peer.RemotePeer)
	return rp, ok
}

// Peers lists connected remote peers ordered by id.
func (n *Node) Peers() []*peer.RemotePeer {
	var out []*peer.RemotePeer
	for _, p := range n.dir.List() {
		if rp, ok := p.(*peer.RemotePeer); ok {
			out = append(out, rp)
		}
	}
	return out
}

// Connect runs the dialing side of the handshake over ch and registers the
// resulting peer. ch is closed on failure.
func (n *Node) Connect(ctx context.Context, ch transport.Channel) (*peer.RemotePeer, error) {
	return n.link(ctx, ch, true)
}

// Accept runs the accepting side of the handshake over ch.
func (n *Node) Accept(ctx context.Context, ch transport.Channel) (*peer.RemotePeer, error) {
	return n.link(ctx, ch, false)
}

func (n *Node) link(ctx context.Context, ch transport.Channel, initiator bool) (*peer.RemotePeer, error) {
	if n.isClosed() {
		_ = ch.Close()
		return nil, ErrNodeClosed
	}
	hello, err := n.handshake(ctx, ch, initiator)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	rp := peer.NewRemotePeer(hello.PeerID, ch, n, peer.RemoteConfig{
		ResponseTimeout: n.opts.effectiveResponseTimeout(),
		Clock:           n.opts.clock,
	}, n.log)
	if err := n.dir.Add(rp); err != nil {
		_ = ch.Close()
		n.log.Warn().Str("peer", hello.PeerID).Msg("duplicate link rejected")
		return nil, err
	}
	rp.Start()
	if err := rp.Initialize(ctx); err != nil {
		_ = rp.Close()
		return nil, fmt.Errorf("netron: initialize %s: %w", hello.PeerID, err)
	}

	if !rp.MarkLinked() {
		return nil, fmt.Errorf("netron: initialize %s: %w", hello.PeerID, peer.ErrPeerDisconnected)
	}
	observability.PeerConnected()
	n.log.Info().Str("peer", rp.ID()).Str("addr", ch.RemoteAddr()).Bool("initiator", initiator).Msg("peer connected")
	n.bus.Emit(events.Event{Name: events.PeerConnect, Origin: n.id, Data: events.PeerEvent{ID: rp.ID()}})
	return rp, nil
}

type helloResult struct {
	hello session.Hello
	err   error
}

// handshake exchanges Hello frames within the session handshake timeout.
// The dialer writes first; the acceptor reads first and answers.
func (n *Node) handshake(ctx context.Context, ch transport.Channel, initiator bool) (session.Hello, error) {
	timeout := n.opts.session.HandshakeTimeout
	if timeout <= 0 {
		timeout = session.DefaultConfig().HandshakeTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan helloResult, 1)
	go func() {
		h, err := n.exchangeHello(ch, initiator)
		done <- helloResult{hello: h, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return session.Hello{}, res.err
		}
		if res.hello.PeerID == n.id {
			return session.Hello{}, fmt.Errorf("%w: %s", ErrSelfConnect, n.id)
		}
		return res.hello, nil
	case <-hctx.Done():
		_ = ch.Close()
		return session.Hello{}, fmt.Errorf("netron: handshake: %w", hctx.Err())
	}
}

func (n *Node) exchangeHello(ch transport.Channel, initiator bool) (session.Hello, error) {
	own := session.Hello{PeerID: n.id, ProtocolVersion: uint32(frame.Version)}
	if initiator {
		f, err := session.EncodeHello(0, own, false)
		if err != nil {
			return session.Hello{}, err
		}
		if err := ch.Send(f); err != nil {
			return session.Hello{}, err
		}
	}

	in, err := ch.Recv()
	if err != nil {
		return session.Hello{}, err
	}
	if initiator != in.Header.IsResponse() {
		return session.Hello{}, fmt.Errorf("%w: unexpected hello direction", session.ErrInvalidHello)
	}
	remote, err := session.DecodeHello(in)
	if err != nil {
		return session.Hello{}, err
	}

	if !initiator {
		f, err := session.EncodeHello(in.Header.MessageID, own, true)
		if err != nil {
			return session.Hello{}, err
		}
		if err := ch.Send(f); err != nil {
			return session.Hello{}, err
		}
	}
	return remote, nil
}

func (n *Node) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// Close stops every listener, detaches the node's contexts while peers can
// still hear context:detach, then disconnects every peer.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	listeners := n.listeners
	n.listeners = make(map[net.Listener]struct{})
	n.mu.Unlock()
	n.cancel()

	var errs error
	for ln := range listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
	}
	errs = multierr.Append(errs, n.own.DetachAllContexts(context.Background(), true))
	for _, rp := range n.Peers() {
		errs = multierr.Append(errs, rp.Close())
	}
	errs = multierr.Append(errs, n.own.Close())
	n.log.Info().Msg("node closed")
	return errs
}
