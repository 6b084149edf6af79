package contexts

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/netron/internal/codec"
)

// Target serves member access for one attached context. For methods, Get
// calls with arg as the argument list; for properties arg is the default
// returned when the value is nil.
type Target interface {
	Get(ctx context.Context, name string, arg any) (any, error)
	Set(ctx context.Context, name string, value any) error
}

// TypeName returns the name a context is attached under when none is given.
func TypeName(instance any) string {
	t := reflect.TypeOf(instance)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	return t.Name()
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Describe builds the member list and Target for an instance.
//
// Exported methods become method members. Exported struct fields become
// properties: writable through a pointer, read-only on a value, and
// controlled with the `netron:"-"` and `netron:"readonly"` tags. For
// map[string]T instances, function values are methods and everything else
// is a property.
func Describe(instance any) ([]Member, Target, error) {
	if instance == nil {
		return nil, nil, fmt.Errorf("%w: nil instance", ErrInvalidContext)
	}
	if t, ok := instance.(Target); ok {
		if d, ok := instance.(interface{ Members() []Member }); ok {
			return d.Members(), t, nil
		}
	}
	rv := reflect.ValueOf(instance)
	it := &instanceTarget{
		value:   rv,
		members: make(map[string]Member),
		methods: make(map[string]reflect.Value),
		fields:  make(map[string][]int),
	}

	rt := rv.Type()
	for i := 0; i < rt.NumMethod(); i++ {
		m := rt.Method(i)
		if !m.IsExported() {
			continue
		}
		it.methods[m.Name] = rv.Method(i)
		it.members[m.Name] = Member{Name: m.Name, Kind: KindMethod}
	}

	base := rv
	writable := false
	if base.Kind() == reflect.Pointer {
		if base.IsNil() {
			return nil, nil, fmt.Errorf("%w: nil pointer", ErrInvalidContext)
		}
		base = base.Elem()
		writable = true
	}

	switch base.Kind() {
	case reflect.Struct:
		it.describeFields(base.Type(), writable)
	case reflect.Map:
		if base.Type().Key().Kind() != reflect.String {
			return nil, nil, fmt.Errorf("%w: map keys must be strings", ErrInvalidContext)
		}
		it.mapValue = base
		it.describeMap(base)
	}

	if len(it.members) == 0 {
		return nil, nil, fmt.Errorf("%w: %T exposes no members", ErrInvalidContext, instance)
	}
	return it.memberList(), it, nil
}

type instanceTarget struct {
	mu       sync.RWMutex
	value    reflect.Value
	mapValue reflect.Value
	members  map[string]Member
	methods  map[string]reflect.Value
	fields   map[string][]int
}

func (it *instanceTarget) describeFields(t reflect.Type, writable bool) {
	for _, f := range reflect.VisibleFields(t) {
		if !f.IsExported() || f.Anonymous || len(f.Index) != 1 {
			continue
		}
		tag := f.Tag.Get("netron")
		if tag == "-" {
			continue
		}
		if _, isMethod := it.methods[f.Name]; isMethod {
			continue
		}
		it.fields[f.Name] = f.Index
		it.members[f.Name] = Member{
			Name:     f.Name,
			Kind:     KindProperty,
			Readonly: !writable || tag == "readonly",
		}
	}
}

func (it *instanceTarget) describeMap(m reflect.Value) {
	iter := m.MapRange()
	for iter.Next() {
		name := iter.Key().String()
		if _, isMethod := it.methods[name]; isMethod {
			continue
		}
		v := iter.Value()
		if v.Kind() == reflect.Interface && !v.IsNil() {
			v = v.Elem()
		}
		if v.Kind() == reflect.Func {
			it.methods[name] = v
			it.members[name] = Member{Name: name, Kind: KindMethod}
			continue
		}
		it.members[name] = Member{Name: name, Kind: KindProperty}
	}
}

func (it *instanceTarget) memberList() []Member {
	out := make([]Member, 0, len(it.members))
	for _, m := range it.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (it *instanceTarget) Get(ctx context.Context, name string, arg any) (any, error) {
	m, ok := it.members[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMember, name)
	}
	if m.Kind == KindMethod {
		args, err := codec.Args(arg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadArguments, err)
		}
		return invoke(ctx, name, it.methods[name], args)
	}

	it.mu.RLock()
	v := it.read(name)
	it.mu.RUnlock()
	if isNil(v) {
		return arg, nil
	}
	return v.Interface(), nil
}

func (it *instanceTarget) Set(ctx context.Context, name string, value any) error {
	m, ok := it.members[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMember, name)
	}
	if m.Kind == KindMethod {
		args, err := codec.Args(value)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadArguments, err)
		}
		_, err = invoke(ctx, name, it.methods[name], args)
		return err
	}
	if m.Readonly {
		return fmt.Errorf("%w: %s", ErrReadOnly, name)
	}

	it.mu.Lock()
	defer it.mu.Unlock()
	if it.mapValue.IsValid() {
		nv, err := codec.Convert(value, it.mapValue.Type().Elem())
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrBadArguments, name, err)
		}
		it.mapValue.SetMapIndex(reflect.ValueOf(name).Convert(it.mapValue.Type().Key()), nv)
		return nil
	}
	field := it.value.Elem().FieldByIndex(it.fields[name])
	nv, err := codec.Convert(value, field.Type())
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadArguments, name, err)
	}
	field.Set(nv)
	return nil
}

func (it *instanceTarget) read(name string) reflect.Value {
	if it.mapValue.IsValid() {
		return it.mapValue.MapIndex(reflect.ValueOf(name).Convert(it.mapValue.Type().Key()))
	}
	base := it.value
	if base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	return base.FieldByIndex(it.fields[name])
}

func isNil(v reflect.Value) bool {
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return v.IsNil()
	default:
		return false
	}
}

// invoke calls fn with decoded args. A leading context.Context parameter
// receives ctx; a trailing error result becomes the returned error.
func invoke(ctx context.Context, name string, fn reflect.Value, args []any) (result any, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ft := fn.Type()
	in := make([]reflect.Value, 0, ft.NumIn())
	start := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		in = append(in, reflect.ValueOf(ctx))
		start = 1
	}
	fixed := ft.NumIn() - start
	if ft.IsVariadic() {
		if len(args) < fixed-1 {
			return nil, fmt.Errorf("%w: %s wants at least %d arguments, got %d", ErrBadArguments, name, fixed-1, len(args))
		}
	} else if len(args) != fixed {
		return nil, fmt.Errorf("%w: %s wants %d arguments, got %d", ErrBadArguments, name, fixed, len(args))
	}
	for i, a := range args {
		idx := start + i
		var pt reflect.Type
		if ft.IsVariadic() && idx >= ft.NumIn()-1 {
			pt = ft.In(ft.NumIn() - 1).Elem()
		} else {
			pt = ft.In(idx)
		}
		v, err := codec.Convert(a, pt)
		if err != nil {
			return nil, fmt.Errorf("%w: %s argument %d: %v", ErrBadArguments, name, i, err)
		}
		in = append(in, v)
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%w: %s: %v", ErrMemberPanic, name, r)
		}
	}()
	out := fn.Call(in)

	if n := len(out); n > 0 && ft.Out(n-1) == errorType {
		if e := out[n-1]; !e.IsNil() {
			return nil, e.Interface().(error)
		}
		out = out[:n-1]
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0].Interface(), nil
	default:
		values := make([]any, len(out))
		for i, o := range out {
			values[i] = o.Interface()
		}
		return values, nil
	}
}

// StaticTarget is a Target backed by explicit functions, used for contexts
// that are not plain Go objects.
type StaticTarget struct {
	GetFunc func(ctx context.Context, name string, arg any) (any, error)
	SetFunc func(ctx context.Context, name string, value any) error
}

func (s StaticTarget) Get(ctx context.Context, name string, arg any) (any, error) {
	if s.GetFunc == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMember, name)
	}
	return s.GetFunc(ctx, name, arg)
}

func (s StaticTarget) Set(ctx context.Context, name string, value any) error {
	if s.SetFunc == nil {
		return fmt.Errorf("%w: %s", ErrReadOnly, name)
	}
	return s.SetFunc(ctx, name, value)
}

func validName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidContext)
	}
	return name, nil
}
