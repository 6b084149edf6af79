package peer

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/danmuck/netron/internal/codec"
	"github.com/danmuck/netron/internal/contexts"
)

// refTable tracks the contexts one peer was handed by reference. Handing
// out the same instance twice reuses its id.
type refTable struct {
	mu   sync.Mutex
	byID map[uint64]any
}

func newRefTable() *refTable {
	return &refTable{byID: make(map[uint64]any)}
}

func (t *refTable) export(reg *contexts.Registry, instance any) (contexts.Definition, error) {
	if instance == nil {
		return contexts.Definition{}, fmt.Errorf("%w: nil reference", ErrInvalidContext)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if reflect.TypeOf(instance).Comparable() {
		for id, cur := range t.byID {
			if cur != instance {
				continue
			}
			if _, def, err := reg.Target(id); err == nil {
				return def, nil
			}
			delete(t.byID, id)
		}
	}
	def, err := reg.Export(instance)
	if err != nil {
		return contexts.Definition{}, err
	}
	t.byID[def.ID] = instance
	return def, nil
}

// release unexports id if it was handed out through this table.
func (t *refTable) release(reg *contexts.Registry, id uint64) bool {
	t.mu.Lock()
	_, ok := t.byID[id]
	delete(t.byID, id)
	t.mu.Unlock()
	if ok {
		reg.Unexport(id)
	}
	return ok
}

func (t *refTable) releaseAll(reg *contexts.Registry) {
	t.mu.Lock()
	all := t.byID
	t.byID = make(map[uint64]any)
	t.mu.Unlock()
	for id := range all {
		reg.Unexport(id)
	}
}

func (t *refTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// mapRefs applies fn to v when it is a Ref, or to each Ref in an argument
// list. The list is copied before the first replacement.
func mapRefs(v any, fn func(contexts.Ref) (any, error)) (any, error) {
	switch a := v.(type) {
	case contexts.Ref:
		return fn(a)
	case []any:
		var out []any
		for i, e := range a {
			ref, ok := e.(contexts.Ref)
			if !ok {
				continue
			}
			if out == nil {
				out = append([]any(nil), a...)
			}
			repl, err := fn(ref)
			if err != nil {
				return nil, err
			}
			out[i] = repl
		}
		if out != nil {
			return out, nil
		}
	}
	return v, nil
}

// passRefs publishes reference arguments and swaps in their wire form.
func (r *RemotePeer) passRefs(v any) (any, error) {
	return mapRefs(v, func(ref contexts.Ref) (any, error) {
		def, err := r.refs.export(r.host.Registry(), ref.Instance)
		if err != nil {
			return nil, err
		}
		return contexts.EncodeRef(def), nil
	})
}

func (r *RemotePeer) encodeResult(v any) ([]byte, error) {
	if ref, ok := v.(contexts.Ref); ok {
		def, err := r.refs.export(r.host.Registry(), ref.Instance)
		if err != nil {
			return nil, err
		}
		return contexts.EncodeRef(def), nil
	}
	return codec.Marshal(v)
}

// takeRefs turns references received as an argument, or inside an
// argument list, into interfaces to the counterpart.
func (r *RemotePeer) takeRefs(v any) any {
	if !contexts.MayHoldRef(v) {
		return v
	}
	if def, ok := contexts.DecodeRef(v); ok {
		return r.importRef(def)
	}
	args, err := codec.Args(v)
	if err != nil {
		return v
	}
	found := false
	for i, a := range args {
		if def, ok := contexts.DecodeRef(a); ok {
			args[i] = r.importRef(def)
			found = true
		}
	}
	if !found {
		return v
	}
	return args
}

// importRef records a definition the counterpart handed over by
// reference. It is reachable by id only and released with its interface.
func (r *RemotePeer) importRef(def contexts.Definition) *Interface {
	r.defsMu.Lock()
	r.byID[def.ID] = def
	r.weak[def.ID] = struct{}{}
	r.defsMu.Unlock()
	return r.cachedInterface(def)
}

// ReleaseInterface releases iface. An interface obtained by reference also
// tells the counterpart to unexport the context behind it.
func (r *RemotePeer) ReleaseInterface(v any) error {
	if err := r.core.ReleaseInterface(v); err != nil {
		return err
	}
	id := v.(*Interface).DefinitionID()
	r.defsMu.Lock()
	_, weak := r.weak[id]
	if weak {
		delete(r.weak, id)
		delete(r.byID, id)
	}
	r.defsMu.Unlock()
	if !weak || r.closed() {
		return nil
	}
	ctx, cancel := context.WithTimeout(r.serveCtx, r.cfg.ResponseTimeout)
	defer cancel()
	_, err := r.control(ctx, TaskReleaseContext, id)
	return err
}

// ReleaseRef unexports a context this node handed to the counterpart by
// reference. It reports whether id was one.
func (r *RemotePeer) ReleaseRef(id uint64) bool {
	return r.refs.release(r.host.Registry(), id)
}

// Refs returns how many contexts handed to the counterpart by reference
// are still exported.
func (r *RemotePeer) Refs() int { return r.refs.len() }
