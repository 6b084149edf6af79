package contexts

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/netron/internal/events"
	"github.com/danmuck/netron/internal/logging"
)

type entry struct {
	def    Definition
	target Target
	named  bool
}

// Registry stores the contexts one node exposes. Definition ids come from a
// counter that never rewinds, so a detached id is never reused.
type Registry struct {
	mu     sync.RWMutex
	owner  string
	bus    *events.Bus
	nextID uint64
	byName map[string]*entry
	byID   map[uint64]*entry
}

// NewRegistry creates an empty registry owned by node owner. Attach and
// detach events are emitted on bus.
func NewRegistry(owner string, bus *events.Bus) *Registry {
	if bus == nil {
		bus = events.NewBus()
	}
	return &Registry{
		owner:  owner,
		bus:    bus,
		byName: make(map[string]*entry),
		byID:   make(map[uint64]*entry),
	}
}

func (r *Registry) Owner() string { return r.owner }

// Attach describes instance and publishes it under name. An empty name
// falls back to the instance's type name.
func (r *Registry) Attach(instance any, name string) (Definition, error) {
	if name == "" {
		name = TypeName(instance)
	}
	members, target, err := Describe(instance)
	if err != nil {
		return Definition{}, err
	}
	return r.AttachTarget(name, members, target)
}

// AttachTarget publishes an already-described target under name.
func (r *Registry) AttachTarget(name string, members []Member, target Target) (Definition, error) {
	name, err := validName(name)
	if err != nil {
		return Definition{}, err
	}
	if target == nil {
		return Definition{}, fmt.Errorf("%w: nil target", ErrInvalidContext)
	}

	r.mu.Lock()
	if _, exists := r.byName[name]; exists {
		r.mu.Unlock()
		return Definition{}, fmt.Errorf("%w: %s", ErrDuplicateContext, name)
	}
	e := r.insert(name, members, target, true)
	def := e.def.Clone()
	r.mu.Unlock()

	log := logging.Logger("contexts")
	log.Debug().Str("owner", r.owner).Str("context", name).Uint64("def_id", def.ID).Msg("attached")
	r.bus.Emit(events.Event{
		Name:   events.ContextAttach,
		Origin: r.owner,
		Data:   AttachEvent{Name: name, Definition: def},
	})
	return def, nil
}

// Export publishes instance under a fresh definition id without making it
// visible by name. Proxified contexts are served this way.
func (r *Registry) Export(instance any) (Definition, error) {
	members, target, err := Describe(instance)
	if err != nil {
		return Definition{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.insert(TypeName(instance), members, target, false)
	return e.def.Clone(), nil
}

// Unexport drops an id published by Export.
func (r *Registry) Unexport(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok || e.named {
		return false
	}
	delete(r.byID, id)
	return true
}

func (r *Registry) insert(name string, members []Member, target Target, named bool) *entry {
	r.nextID++
	ms := make([]Member, len(members))
	copy(ms, members)
	e := &entry{
		def: Definition{
			ID:      r.nextID,
			Name:    name,
			Owner:   r.owner,
			Members: ms,
		},
		target: target,
		named:  named,
	}
	r.byID[e.def.ID] = e
	if named {
		r.byName[name] = e
	}
	return e
}

// Detach removes the context attached under name.
func (r *Registry) Detach(name string) (Definition, error) {
	r.mu.Lock()
	e, ok := r.byName[name]
	if !ok {
		r.mu.Unlock()
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownContext, name)
	}
	delete(r.byName, name)
	delete(r.byID, e.def.ID)
	r.mu.Unlock()

	r.emitDetach(e.def)
	return e.def.Clone(), nil
}

// DetachAll removes every named context and returns their definitions in
// id order.
func (r *Registry) DetachAll() []Definition {
	r.mu.Lock()
	out := make([]Definition, 0, len(r.byName))
	for name, e := range r.byName {
		out = append(out, e.def.Clone())
		delete(r.byID, e.def.ID)
		delete(r.byName, name)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	for _, def := range out {
		r.emitDetach(def)
	}
	return out
}

func (r *Registry) emitDetach(def Definition) {
	log := logging.Logger("contexts")
	log.Debug().Str("owner", r.owner).Str("context", def.Name).Uint64("def_id", def.ID).Msg("detached")
	r.bus.Emit(events.Event{
		Name:   events.ContextDetach,
		Origin: r.owner,
		Data:   DetachEvent{Name: def.Name, DefID: def.ID},
	})
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[name]
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// Names returns attached context names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Get(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownContext, name)
	}
	return e.def.Clone(), nil
}

// Definitions snapshots every named context keyed by name.
func (r *Registry) Definitions() map[string]Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Definition, len(r.byName))
	for name, e := range r.byName {
		out[name] = e.def.Clone()
	}
	return out
}

// Target resolves a definition id, named or exported.
func (r *Registry) Target(id uint64) (Target, Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, Definition{}, fmt.Errorf("%w: %d", ErrUnknownDefinition, id)
	}
	return e.target, e.def.Clone(), nil
}

// Wait blocks until a context named name is attached or ctx ends.
func (r *Registry) Wait(ctx context.Context, name string) error {
	ch, cancel := r.bus.Once(events.ContextAttach, func(ev events.Event) bool {
		ae, ok := ev.Data.(AttachEvent)
		return ok && ae.Name == name
	})
	defer cancel()
	if r.Has(name) {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
