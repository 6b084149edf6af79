package peer

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/danmuck/netron/internal/codec"
	"github.com/danmuck/netron/internal/contexts"
)

// Interface is a client-side proxy for one published context. It holds the
// owning peer's id, not the peer, and resolves it through the Directory on
// every access.
type Interface struct {
	def      contexts.Definition
	peerID   string
	dir      *Directory
	released atomic.Bool
}

func newInterface(def contexts.Definition, peerID string, dir *Directory) *Interface {
	return &Interface{def: def, peerID: peerID, dir: dir}
}

func (i *Interface) DefinitionID() uint64            { return i.def.ID }
func (i *Interface) Definition() contexts.Definition { return i.def.Clone() }
func (i *Interface) Name() string                    { return i.def.Name }
func (i *Interface) PeerID() string                  { return i.peerID }
func (i *Interface) Capabilities() []string          { return i.def.Capabilities() }
func (i *Interface) Released() bool                  { return i.released.Load() }

func (i *Interface) release() { i.released.Store(true) }

func (i *Interface) peer(member string) (Peer, error) {
	if i.released.Load() {
		return nil, fmt.Errorf("%w: %s", ErrUseAfterRelease, i.def.Name)
	}
	if !i.def.HasMember(member) {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMember, i.def.Name, member)
	}
	p, ok := i.dir.Get(i.peerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerDisconnected, i.peerID)
	}
	return p, nil
}

// Get reads a property or calls a method without arguments.
func (i *Interface) Get(ctx context.Context, name string) (any, error) {
	return i.GetDefault(ctx, name, nil)
}

// GetDefault reads a property, returning defaultValue when it is nil.
func (i *Interface) GetDefault(ctx context.Context, name string, defaultValue any) (any, error) {
	p, err := i.peer(name)
	if err != nil {
		return nil, err
	}
	return p.Get(ctx, i.def.ID, name, defaultValue)
}

func (i *Interface) Set(ctx context.Context, name string, value any) error {
	p, err := i.peer(name)
	if err != nil {
		return err
	}
	return p.Set(ctx, i.def.ID, name, value)
}

func (i *Interface) Call(ctx context.Context, name string, args ...any) (any, error) {
	p, err := i.peer(name)
	if err != nil {
		return nil, err
	}
	return p.Call(ctx, i.def.ID, name, args...)
}

// CallVoid calls a method and discards its result.
func (i *Interface) CallVoid(ctx context.Context, name string, args ...any) error {
	p, err := i.peer(name)
	if err != nil {
		return err
	}
	return p.CallVoid(ctx, i.def.ID, name, args...)
}

// Decode converts a value returned by a peer into T.
func Decode[T any](v any) (T, error) {
	return codec.Decode[T](v)
}

// CallAs calls a method and decodes its result into T.
func CallAs[T any](ctx context.Context, i *Interface, name string, args ...any) (T, error) {
	v, err := i.Call(ctx, name, args...)
	if err != nil {
		var zero T
		return zero, err
	}
	return codec.Decode[T](v)
}

// GetAs reads a property and decodes it into T.
func GetAs[T any](ctx context.Context, i *Interface, name string) (T, error) {
	v, err := i.Get(ctx, name)
	if err != nil {
		var zero T
		return zero, err
	}
	return codec.Decode[T](v)
}

func argList(args []any) []any {
	if args == nil {
		return []any{}
	}
	return args
}
