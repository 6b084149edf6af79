package contexts

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/netron/internal/events"
	"github.com/danmuck/netron/internal/testutil/testlog"
)

type Counter struct {
	Label   string
	Version string `netron:"readonly"`
	Secret  string `netron:"-"`
	Owner   *string
	count   int
}

func (c *Counter) Inc(n int) int {
	c.count += n
	return c.count
}

func (c *Counter) Fail() error { return errors.New("counter failure") }

func (c *Counter) Who(ctx context.Context) string {
	if v, ok := ctx.Value(whoKey{}).(string); ok {
		return v
	}
	return "anon"
}

func (c *Counter) Boom() { panic("kaboom") }

type whoKey struct{}

func TestDescribeStructMembers(t *testing.T) {
	testlog.Start(t)
	members, _, err := Describe(&Counter{})
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	def := Definition{Members: members}
	for _, name := range []string{"Inc", "Fail", "Who", "Boom", "Label", "Version", "Owner"} {
		if !def.HasMember(name) {
			t.Fatalf("missing member %s in %v", name, def.Capabilities())
		}
	}
	if def.HasMember("Secret") || def.HasMember("count") {
		t.Fatalf("hidden members exposed: %v", def.Capabilities())
	}
	if m, _ := def.Member("Version"); !m.Readonly {
		t.Fatalf("expected Version to be read-only")
	}
	if m, _ := def.Member("Inc"); m.Kind != KindMethod {
		t.Fatalf("expected Inc to be a method")
	}
}

func TestDescribeValueStructIsReadOnly(t *testing.T) {
	testlog.Start(t)
	members, target, err := Describe(Counter{Label: "v"})
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	for _, m := range members {
		if m.Kind == KindProperty && !m.Readonly {
			t.Fatalf("value struct property %s should be read-only", m.Name)
		}
	}
	if err := target.Set(context.Background(), "Label", "x"); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
}

func TestTargetMethodsAndProperties(t *testing.T) {
	testlog.Start(t)
	c := &Counter{Label: "calc"}
	_, target, err := Describe(c)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	ctx := context.Background()

	v, err := target.Get(ctx, "Inc", []any{2})
	if err != nil || v != 2 {
		t.Fatalf("Inc got=%v err=%v", v, err)
	}
	v, err = target.Get(ctx, "Inc", json.RawMessage(`[3]`))
	if err != nil || v != 5 {
		t.Fatalf("Inc raw got=%v err=%v", v, err)
	}
	if _, err := target.Get(ctx, "Inc", []any{"x"}); !errors.Is(err, ErrBadArguments) {
		t.Fatalf("expected ErrBadArguments, got %v", err)
	}
	if _, err := target.Get(ctx, "Inc", nil); !errors.Is(err, ErrBadArguments) {
		t.Fatalf("expected arity error, got %v", err)
	}
	if _, err := target.Get(ctx, "Fail", nil); err == nil || err.Error() != "counter failure" {
		t.Fatalf("expected method error, got %v", err)
	}
	if _, err := target.Get(ctx, "Boom", nil); !errors.Is(err, ErrMemberPanic) {
		t.Fatalf("expected ErrMemberPanic, got %v", err)
	}
	who, err := target.Get(context.WithValue(ctx, whoKey{}, "peer.a"), "Who", nil)
	if err != nil || who != "peer.a" {
		t.Fatalf("Who got=%v err=%v", who, err)
	}

	if err := target.Set(ctx, "Label", json.RawMessage(`"renamed"`)); err != nil {
		t.Fatalf("set label: %v", err)
	}
	if c.Label != "renamed" {
		t.Fatalf("label not written: %q", c.Label)
	}
	if err := target.Set(ctx, "Version", "2"); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
	owner, err := target.Get(ctx, "Owner", "fallback")
	if err != nil || owner != "fallback" {
		t.Fatalf("nil property should return default, got=%v err=%v", owner, err)
	}
	if _, err := target.Get(ctx, "missing", nil); !errors.Is(err, ErrUnknownMember) {
		t.Fatalf("expected ErrUnknownMember, got %v", err)
	}
}

func TestMapContext(t *testing.T) {
	testlog.Start(t)
	m := map[string]any{
		"greeting": "hi",
		"double":   func(n int) int { return n * 2 },
		"empty":    nil,
	}
	members, target, err := Describe(m)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	def := Definition{Members: members}
	if mm, _ := def.Member("double"); mm.Kind != KindMethod {
		t.Fatalf("expected double to be a method")
	}
	ctx := context.Background()
	v, err := target.Get(ctx, "double", []any{21})
	if err != nil || v != 42 {
		t.Fatalf("double got=%v err=%v", v, err)
	}
	v, err = target.Get(ctx, "empty", "dflt")
	if err != nil || v != "dflt" {
		t.Fatalf("empty got=%v err=%v", v, err)
	}
	if err := target.Set(ctx, "greeting", "hello"); err != nil {
		t.Fatalf("set greeting: %v", err)
	}
	if m["greeting"] != "hello" {
		t.Fatalf("map not written: %v", m["greeting"])
	}
}

func TestDescribeRejectsEmpty(t *testing.T) {
	testlog.Start(t)
	if _, _, err := Describe(nil); !errors.Is(err, ErrInvalidContext) {
		t.Fatalf("expected ErrInvalidContext, got %v", err)
	}
	if _, _, err := Describe(struct{}{}); !errors.Is(err, ErrInvalidContext) {
		t.Fatalf("expected ErrInvalidContext for memberless value, got %v", err)
	}
	if _, _, err := Describe(map[int]any{1: 1}); !errors.Is(err, ErrInvalidContext) {
		t.Fatalf("expected ErrInvalidContext for int keys, got %v", err)
	}
}

func TestRegistryAttachDetachLifecycle(t *testing.T) {
	testlog.Start(t)
	bus := events.NewBus()
	var seen []string
	bus.Subscribe(events.ContextAttach, func(ev events.Event) {
		seen = append(seen, "attach:"+ev.Data.(AttachEvent).Name)
	})
	bus.Subscribe(events.ContextDetach, func(ev events.Event) {
		seen = append(seen, "detach:"+ev.Data.(DetachEvent).Name)
	})
	r := NewRegistry("node.a", bus)

	def, err := r.Attach(&Counter{}, "")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if def.Name != "Counter" || def.Owner != "node.a" || def.ID == 0 {
		t.Fatalf("unexpected definition: %+v", def)
	}
	if _, err := r.Attach(&Counter{}, "Counter"); !errors.Is(err, ErrDuplicateContext) {
		t.Fatalf("expected ErrDuplicateContext, got %v", err)
	}
	if _, err := r.Attach(map[string]any{"a": 1}, ""); !errors.Is(err, ErrInvalidContext) {
		t.Fatalf("unnamed map must need an explicit name, got %v", err)
	}
	if !r.Has("Counter") || r.Len() != 1 {
		t.Fatalf("unexpected registry state: %v", r.Names())
	}

	detached, err := r.Detach("Counter")
	if err != nil || detached.ID != def.ID {
		t.Fatalf("detach got=%+v err=%v", detached, err)
	}
	if _, err := r.Detach("Counter"); !errors.Is(err, ErrUnknownContext) {
		t.Fatalf("expected ErrUnknownContext, got %v", err)
	}
	if _, _, err := r.Target(def.ID); !errors.Is(err, ErrUnknownDefinition) {
		t.Fatalf("expected ErrUnknownDefinition, got %v", err)
	}

	again, err := r.Attach(&Counter{}, "Counter")
	if err != nil {
		t.Fatalf("reattach: %v", err)
	}
	if again.ID == def.ID {
		t.Fatalf("definition id reused: %d", again.ID)
	}
	want := []string{"attach:Counter", "detach:Counter", "attach:Counter"}
	if len(seen) != len(want) {
		t.Fatalf("events got=%v want=%v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("events got=%v want=%v", seen, want)
		}
	}
}

func TestRegistryDetachAllOrdersByID(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry("node.a", nil)
	for _, name := range []string{"b", "a", "c"} {
		if _, err := r.Attach(&Counter{}, name); err != nil {
			t.Fatalf("attach %s: %v", name, err)
		}
	}
	defs := r.DetachAll()
	if len(defs) != 3 || defs[0].Name != "b" || defs[2].Name != "c" {
		t.Fatalf("unexpected detach order: %+v", defs)
	}
	if r.Len() != 0 {
		t.Fatalf("registry not empty")
	}
}

func TestRegistryExportIsNotNamed(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry("node.a", nil)
	def, err := r.Export(&Counter{})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if r.Has(def.Name) {
		t.Fatalf("exported context must not be visible by name")
	}
	if _, _, err := r.Target(def.ID); err != nil {
		t.Fatalf("exported target: %v", err)
	}
	if !r.Unexport(def.ID) || r.Unexport(def.ID) {
		t.Fatalf("unexport should succeed exactly once")
	}
}

func TestRegistryWait(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry("node.a", nil)
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- r.Wait(ctx, "late")
	}()
	time.Sleep(20 * time.Millisecond)
	if _, err := r.Attach(&Counter{}, "late"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := r.Wait(ctx, "never"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestRefWireForm(t *testing.T) {
	testlog.Start(t)
	def := Definition{ID: 7, Name: "tally", Owner: "beta", Members: []Member{{Name: "Add", Kind: KindMethod}}}
	raw := EncodeRef(def)
	if !MayHoldRef(raw) {
		t.Fatalf("marker not detected in %s", raw)
	}
	got, ok := DecodeRef(raw)
	if !ok || got.ID != 7 || got.Owner != "beta" || !got.HasMember("Add") {
		t.Fatalf("decode: ok=%v def=%+v", ok, got)
	}

	for _, notRef := range []any{
		json.RawMessage(`{"$netronRef":{"id":7},"extra":1}`),
		json.RawMessage(`{"$netronRef":{"name":"no id"}}`),
		json.RawMessage(`"$netronRef"`),
		map[string]any{"$netronRef": def},
	} {
		if _, ok := DecodeRef(notRef); ok {
			t.Fatalf("%v decoded as a reference", notRef)
		}
	}
}
