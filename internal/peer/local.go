package peer

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/netron/internal/contexts"
	"github.com/danmuck/netron/internal/events"
	"github.com/danmuck/netron/internal/observability"
	"github.com/danmuck/netron/internal/tasks"
	"github.com/rs/zerolog"
)

// LocalPeer is the node's view of itself. Member access is dispatched
// in-process against the host registry.
type LocalPeer struct {
	*core
	host Host
}

func NewLocalPeer(host Host, log zerolog.Logger) *LocalPeer {
	p := &LocalPeer{
		core: newCore(host.ID(), host.Directory(), log),
		host: host,
	}
	p.core.hooks = p
	return p
}

func (p *LocalPeer) Get(ctx context.Context, defID uint64, name string, defaultValue any) (any, error) {
	start := time.Now()
	target, _, err := p.host.Registry().Target(defID)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		observability.RecordRPC(p.id, observability.DirectionLocal, "get", err, time.Since(start))
		return nil, err
	}
	arg, err := p.passRefs(defaultValue)
	var v any
	if err == nil {
		v, err = target.Get(ctx, name, arg)
	}
	if err == nil {
		v, err = p.takeRef(v)
	}
	observability.RecordRPC(p.id, observability.DirectionLocal, "get", err, time.Since(start))
	return v, err
}

func (p *LocalPeer) Set(ctx context.Context, defID uint64, name string, value any) error {
	start := time.Now()
	target, _, err := p.host.Registry().Target(defID)
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		value, err = p.passRefs(value)
	}
	if err == nil {
		err = target.Set(ctx, name, value)
	}
	observability.RecordRPC(p.id, observability.DirectionLocal, "set", err, time.Since(start))
	return err
}

func (p *LocalPeer) Call(ctx context.Context, defID uint64, name string, args ...any) (any, error) {
	return p.Get(ctx, defID, name, argList(args))
}

func (p *LocalPeer) CallVoid(ctx context.Context, defID uint64, name string, args ...any) error {
	_, err := p.Call(ctx, defID, name, args...)
	return err
}

func (p *LocalPeer) AttachContext(_ context.Context, instance any, name string) (contexts.Definition, error) {
	return p.host.Registry().Attach(instance, name)
}

func (p *LocalPeer) DetachContext(_ context.Context, name string, releaseOriginated bool) error {
	def, err := p.host.Registry().Detach(name)
	if err != nil {
		return err
	}
	if releaseOriginated {
		p.releaseDefinition(def.ID)
	}
	return nil
}

func (p *LocalPeer) DetachAllContexts(_ context.Context, releaseOriginated bool) error {
	for _, def := range p.host.Registry().DetachAll() {
		if releaseOriginated {
			p.releaseDefinition(def.ID)
		}
	}
	return nil
}

func (p *LocalPeer) HasContext(name string) bool { return p.host.Registry().Has(name) }
func (p *LocalPeer) HasContexts() bool           { return p.host.Registry().Len() > 0 }
func (p *LocalPeer) ContextNames() []string      { return p.host.Registry().Names() }

func (p *LocalPeer) WaitForContext(ctx context.Context, name string) error {
	return p.host.Registry().Wait(ctx, name)
}

// Subscribe registers handler on the host bus.
func (p *LocalPeer) Subscribe(_ context.Context, event string, handler events.Handler) (events.Subscription, error) {
	if handler == nil {
		return events.Subscription{}, fmt.Errorf("%w: nil handler", ErrBadArguments)
	}
	return p.host.Bus().Subscribe(event, handler), nil
}

func (p *LocalPeer) Unsubscribe(_ context.Context, sub events.Subscription) error {
	p.host.Bus().Unsubscribe(sub)
	return nil
}

// ReleaseInterface releases iface and, when it came from a reference,
// unexports the context behind it.
func (p *LocalPeer) ReleaseInterface(v any) error {
	if err := p.core.ReleaseInterface(v); err != nil {
		return err
	}
	p.refs.release(p.host.Registry(), v.(*Interface).DefinitionID())
	return nil
}

// Close releases every interface handed out by this peer.
func (p *LocalPeer) Close() error {
	p.releaseAllInterfaces()
	p.refs.releaseAll(p.host.Registry())
	p.clearTaskResults()
	p.dir.Remove(p)
	return nil
}

func (p *LocalPeer) contextDefinition(_ context.Context, name string) (contexts.Definition, error) {
	return p.host.Registry().Get(name)
}

func (p *LocalPeer) interfaceFor(def contexts.Definition) (*Interface, error) {
	if _, _, err := p.host.Registry().Target(def.ID); err != nil {
		return nil, err
	}
	iface := p.cachedInterface(def)
	// a detach between the lookup and the insert would miss iface
	if _, _, err := p.host.Registry().Target(def.ID); err != nil {
		p.releaseDefinition(def.ID)
		return nil, err
	}
	return iface, nil
}

func (p *LocalPeer) runTasks(ctx context.Context, specs []tasks.Spec) ([]tasks.Outcome, error) {
	return p.host.RunTasks(ctx, p.id, specs), nil
}

// takeRef turns a returned reference into an interface, the same shape a
// remote caller receives.
func (p *LocalPeer) takeRef(v any) (any, error) {
	ref, ok := v.(contexts.Ref)
	if !ok {
		return v, nil
	}
	def, err := p.refs.export(p.host.Registry(), ref.Instance)
	if err != nil {
		return nil, err
	}
	return p.cachedInterface(def), nil
}

// passRefs replaces reference arguments with interfaces.
func (p *LocalPeer) passRefs(v any) (any, error) {
	return mapRefs(v, func(ref contexts.Ref) (any, error) { return p.takeRef(ref) })
}
