// Package tasks names, normalizes and runs peer tasks: named operations a
// peer executes on behalf of another, answered as a name-keyed result set.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/netron/internal/codec"
	"github.com/danmuck/netron/internal/logging"
	"github.com/danmuck/netron/internal/observability"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnknownTask = errors.New("tasks: unknown task")
	ErrTaskExists  = errors.New("tasks: task already registered")
	ErrInvalidSpec = errors.New("tasks: invalid task spec")
	ErrTaskPanic   = errors.New("tasks: task panicked")
)

// Spec names one task to run and its arguments.
type Spec struct {
	Name string `json:"task"`
	Args []any  `json:"args,omitempty"`
}

// Named builds argument-less specs.
func Named(names ...string) []Spec {
	out := make([]Spec, 0, len(names))
	for _, n := range names {
		out = append(out, Spec{Name: n})
	}
	return out
}

// Normalize accepts a task name, a Spec, a map with "task"/"args" keys,
// or a slice of any of those, and returns the equivalent spec list.
func Normalize(v any) ([]Spec, error) {
	switch t := v.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil", ErrInvalidSpec)
	case string:
		return one(Spec{Name: t})
	case Spec:
		return one(t)
	case *Spec:
		if t == nil {
			return nil, fmt.Errorf("%w: nil", ErrInvalidSpec)
		}
		return one(*t)
	case []Spec:
		out := make([]Spec, 0, len(t))
		for _, s := range t {
			if err := s.validate(); err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	case []string:
		out := make([]Spec, 0, len(t))
		for _, n := range t {
			s := Spec{Name: n}
			if err := s.validate(); err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	case map[string]any:
		s, err := fromMap(t)
		if err != nil {
			return nil, err
		}
		return one(s)
	case []any:
		out := make([]Spec, 0, len(t))
		for _, item := range t {
			specs, err := Normalize(item)
			if err != nil {
				return nil, err
			}
			out = append(out, specs...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported %T", ErrInvalidSpec, v)
	}
}

func one(s Spec) ([]Spec, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	return []Spec{s}, nil
}

func fromMap(m map[string]any) (Spec, error) {
	name, _ := m["task"].(string)
	s := Spec{Name: name}
	if raw, ok := m["args"]; ok && raw != nil {
		args, ok := raw.([]any)
		if !ok {
			return Spec{}, fmt.Errorf("%w: args must be a list, got %T", ErrInvalidSpec, raw)
		}
		s.Args = args
	}
	return s, nil
}

func (s Spec) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: missing task name", ErrInvalidSpec)
	}
	return nil
}

// Result is one task's value or error.
type Result struct {
	Value any
	Err   error
}

func (r Result) OK() bool { return r.Err == nil }

// Results maps task name to its result.
type Results map[string]Result

// Outcome pairs a task name with its result, keeping request order.
type Outcome struct {
	Name   string
	Result Result
}

// Merge folds ordered outcomes into a result set; later duplicates win.
func Merge(outcomes []Outcome) Results {
	out := make(Results, len(outcomes))
	for _, o := range outcomes {
		out[o.Name] = o.Result
	}
	return out
}

// Call is what a task function sees: the requesting peer and its arguments.
type Call struct {
	PeerID string
	Name   string
	Args   []any
}

func (c Call) NumArgs() int { return len(c.Args) }

// Arg decodes argument i into dst, which must be a non-nil pointer.
func (c Call) Arg(i int, dst any) error {
	if i < 0 || i >= len(c.Args) {
		return fmt.Errorf("%w: %s wants argument %d, got %d", ErrInvalidSpec, c.Name, i, len(c.Args))
	}
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("%w: destination must be a non-nil pointer", ErrInvalidSpec)
	}
	v, err := codec.Convert(c.Args[i], rv.Elem().Type())
	if err != nil {
		return err
	}
	rv.Elem().Set(v)
	return nil
}

// Func runs one task.
type Func func(ctx context.Context, call Call) (any, error)

// Manager holds the task table of one node.
type Manager struct {
	mu    sync.RWMutex
	items map[string]Func
	limit int
}

func NewManager() *Manager {
	return &Manager{items: make(map[string]Func)}
}

// SetLimit caps how many tasks of one batch run at once; n <= 0 is unbounded.
func (m *Manager) SetLimit(n int) {
	m.mu.Lock()
	m.limit = n
	m.mu.Unlock()
}

func (m *Manager) Register(name string, fn Func) error {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return fmt.Errorf("%w: name and function are required", ErrInvalidSpec)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.items[name]; exists {
		return fmt.Errorf("%w: %s", ErrTaskExists, name)
	}
	m.items[name] = fn
	return nil
}

func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[name]; !ok {
		return false
	}
	delete(m.items, name)
	return true
}

func (m *Manager) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.items[name]
	return ok
}

func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.items))
	for name := range m.items {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Run executes specs concurrently on behalf of peerID and returns one
// outcome per spec in request order. Failures, unknown names and panics
// are captured per task; Run itself never fails.
func (m *Manager) Run(ctx context.Context, peerID string, specs []Spec) []Outcome {
	out := make([]Outcome, len(specs))
	m.mu.RLock()
	limit := m.limit
	m.mu.RUnlock()

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			out[i] = Outcome{Name: spec.Name, Result: m.runOne(ctx, peerID, spec)}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (m *Manager) runOne(ctx context.Context, peerID string, spec Spec) (res Result) {
	m.mu.RLock()
	fn, ok := m.items[spec.Name]
	m.mu.RUnlock()
	if !ok {
		res = Result{Err: fmt.Errorf("%w: %s", ErrUnknownTask, spec.Name)}
		observability.RecordTask("unknown", res.Err)
		return res
	}
	defer func() {
		if r := recover(); r != nil {
			log := logging.Logger("tasks")
			log.Error().Str("task", spec.Name).Interface("panic", r).Msg("task panicked")
			res = Result{Err: fmt.Errorf("%w: %s: %v", ErrTaskPanic, spec.Name, r)}
		}
		observability.RecordTask(spec.Name, res.Err)
	}()
	if err := ctx.Err(); err != nil {
		return Result{Err: err}
	}
	v, err := fn(ctx, Call{PeerID: peerID, Name: spec.Name, Args: spec.Args})
	return Result{Value: v, Err: err}
}
