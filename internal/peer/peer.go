// Package peer implements the two sides of a netron link: the node's own
// LocalPeer and the RemotePeer proxy for a connected counterpart. Both
// satisfy Peer and hand out Interface proxies for published contexts.
package peer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/netron/internal/contexts"
	"github.com/danmuck/netron/internal/events"
	"github.com/danmuck/netron/internal/tasks"
)

// Peer is the contract shared by local and remote peers.
type Peer interface {
	ID() string

	Get(ctx context.Context, defID uint64, name string, defaultValue any) (any, error)
	Set(ctx context.Context, defID uint64, name string, value any) error
	Call(ctx context.Context, defID uint64, name string, args ...any) (any, error)
	CallVoid(ctx context.Context, defID uint64, name string, args ...any) error

	AttachContext(ctx context.Context, instance any, name string) (contexts.Definition, error)
	DetachContext(ctx context.Context, name string, releaseOriginated bool) error
	DetachAllContexts(ctx context.Context, releaseOriginated bool) error
	HasContext(name string) bool
	HasContexts() bool
	ContextNames() []string
	WaitForContext(ctx context.Context, name string) error

	QueryInterface(ctx context.Context, name string) (*Interface, error)
	ReleaseInterface(iface any) error

	RunTask(ctx context.Context, specs ...tasks.Spec) (tasks.Results, error)
	TaskResult(name string) (tasks.Result, bool)

	Subscribe(ctx context.Context, event string, handler events.Handler) (events.Subscription, error)
	Unsubscribe(ctx context.Context, sub events.Subscription) error
	Notifications() *events.Bus

	Close() error
}

// Host is the node a peer lives in.
type Host interface {
	ID() string
	Registry() *contexts.Registry
	Bus() *events.Bus
	Directory() *Directory
	RunTasks(ctx context.Context, peerID string, specs []tasks.Spec) []tasks.Outcome
}

// Directory indexes live peers by id. Interfaces resolve their owning peer
// through it, so a disconnected peer is simply absent.
type Directory struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

func NewDirectory() *Directory {
	return &Directory{peers: make(map[string]Peer)}
}

func (d *Directory) Add(p Peer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.peers[p.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrPeerExists, p.ID())
	}
	d.peers[p.ID()] = p
	return nil
}

func (d *Directory) Get(id string) (Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[id]
	return p, ok
}

// Remove drops p only if it is still the registered instance for its id.
func (d *Directory) Remove(p Peer) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.peers[p.ID()]
	if !ok || cur != p {
		return false
	}
	delete(d.peers, p.ID())
	return true
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// List returns peers ordered by id.
func (d *Directory) List() []Peer {
	d.mu.RLock()
	out := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
