package peer

import (
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/netron/internal/contexts"
	"github.com/danmuck/netron/internal/events"
	"github.com/danmuck/netron/internal/tasks"
	"github.com/rs/zerolog"
)

// hooks are the variant-specific steps behind QueryInterface and RunTask.
type hooks interface {
	contextDefinition(ctx context.Context, name string) (contexts.Definition, error)
	interfaceFor(def contexts.Definition) (*Interface, error)
	runTasks(ctx context.Context, specs []tasks.Spec) ([]tasks.Outcome, error)
}

// core carries the state every peer variant shares: the interface cache,
// stored task results and the notification bus.
type core struct {
	id     string
	dir    *Directory
	hooks  hooks
	log    zerolog.Logger
	notify *events.Bus

	mu         sync.Mutex
	interfaces map[uint64]*Interface

	// contexts this node handed to the peer by reference
	refs *refTable

	taskMu      sync.RWMutex
	taskResults map[string]tasks.Result
}

func newCore(id string, dir *Directory, log zerolog.Logger) *core {
	return &core{
		id:          id,
		dir:         dir,
		log:         log,
		notify:      events.NewBus(),
		interfaces:  make(map[uint64]*Interface),
		refs:        newRefTable(),
		taskResults: make(map[string]tasks.Result),
	}
}

func (c *core) ID() string { return c.id }

// Notifications carries task:result and context events observed on this peer.
func (c *core) Notifications() *events.Bus { return c.notify }

func (c *core) QueryInterface(ctx context.Context, name string) (*Interface, error) {
	if c.hooks == nil {
		return nil, ErrNotImplemented
	}
	def, err := c.hooks.contextDefinition(ctx, name)
	if err != nil {
		return nil, err
	}
	return c.hooks.interfaceFor(def)
}

// cachedInterface returns the single live Interface for def, creating it
// on first use.
func (c *core) cachedInterface(def contexts.Definition) *Interface {
	c.mu.Lock()
	defer c.mu.Unlock()
	if iface, ok := c.interfaces[def.ID]; ok {
		return iface
	}
	iface := newInterface(def, c.id, c.dir)
	c.interfaces[def.ID] = iface
	return iface
}

func (c *core) ReleaseInterface(v any) error {
	iface, ok := v.(*Interface)
	if !ok || iface == nil {
		return fmt.Errorf("%w: %T", ErrNotAnInterface, v)
	}
	if iface.peerID != c.id {
		return fmt.Errorf("%w: %s", ErrForeignInterface, iface.peerID)
	}
	c.mu.Lock()
	if cur, ok := c.interfaces[iface.def.ID]; ok && cur == iface {
		delete(c.interfaces, iface.def.ID)
	}
	c.mu.Unlock()
	iface.release()
	return nil
}

// releaseDefinition releases the cached interface for defID, if any.
func (c *core) releaseDefinition(defID uint64) {
	c.mu.Lock()
	iface, ok := c.interfaces[defID]
	delete(c.interfaces, defID)
	c.mu.Unlock()
	if ok {
		iface.release()
	}
}

func (c *core) releaseAllInterfaces() {
	c.mu.Lock()
	all := c.interfaces
	c.interfaces = make(map[uint64]*Interface)
	c.mu.Unlock()
	for _, iface := range all {
		iface.release()
	}
}

func (c *core) RunTask(ctx context.Context, specs ...tasks.Spec) (tasks.Results, error) {
	if c.hooks == nil {
		return nil, ErrNotImplemented
	}
	if len(specs) == 0 {
		return tasks.Results{}, nil
	}
	outcomes, err := c.hooks.runTasks(ctx, specs)
	if err != nil {
		return nil, err
	}
	c.taskMu.Lock()
	for _, o := range outcomes {
		c.taskResults[o.Name] = o.Result
	}
	c.taskMu.Unlock()
	for _, o := range outcomes {
		c.notify.Emit(events.Event{Name: events.TaskResult, Origin: c.id, Data: o})
	}
	return tasks.Merge(outcomes), nil
}

// TaskResult returns the last stored result of the named task.
func (c *core) TaskResult(name string) (tasks.Result, bool) {
	c.taskMu.RLock()
	defer c.taskMu.RUnlock()
	r, ok := c.taskResults[name]
	return r, ok
}

func (c *core) clearTaskResults() {
	c.taskMu.Lock()
	c.taskResults = make(map[string]tasks.Result)
	c.taskMu.Unlock()
}
