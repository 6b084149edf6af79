package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/netron/internal/codec"
	"github.com/danmuck/netron/internal/contexts"
	"github.com/danmuck/netron/internal/events"
	"github.com/danmuck/netron/internal/observability"
	"github.com/danmuck/netron/internal/protocol/frame"
	"github.com/danmuck/netron/internal/protocol/schema"
	"github.com/danmuck/netron/internal/protocol/session"
	"github.com/danmuck/netron/internal/tasks"
	"github.com/danmuck/netron/internal/transport"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// Built-in task names every node serves.
const (
	TaskGetConfig        = "netronGetConfig"
	TaskGetContextDefs   = "netronGetContextDefs"
	TaskSubscribe        = "netronSubscribe"
	TaskUnsubscribe      = "netronUnsubscribe"
	TaskProxifyContext   = "netronProxifyContext"
	TaskDeproxifyContext = "netronDeproxifyContext"
	TaskReleaseContext   = "netronReleaseContext"
)

// RemoteConfig tunes one remote link.
type RemoteConfig struct {
	ResponseTimeout time.Duration
	Clock           clock.Clock
	EventQueue      int
}

func (c RemoteConfig) withDefaults() RemoteConfig {
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = session.DefaultResponseTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.EventQueue <= 0 {
		c.EventQueue = 64
	}
	return c
}

type importedContext struct {
	def   contexts.Definition
	iface *Interface
}

// RemotePeer is the proxy for a connected counterpart. Outbound get, set
// and task requests wait on a pending table keyed by message id; inbound
// requests are served against the host registry and task table.
type RemotePeer struct {
	*core
	host Host
	ch   transport.Channel
	cfg  RemoteConfig

	nextID  atomic.Uint64
	pending *session.Pending

	serveCtx  context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	inbound   chan session.Event
	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error

	linkMu sync.Mutex
	linked bool

	defsMu  sync.RWMutex
	byName  map[string]contexts.Definition
	byID    map[uint64]contexts.Definition
	dropped map[uint64]struct{}
	weak    map[uint64]struct{}

	subMu        sync.Mutex
	remoteEvents *events.Bus

	fwdMu    sync.Mutex
	forwards map[string]events.Subscription

	proxMu   sync.Mutex
	exported map[string]uint64
	imported map[string]importedContext
}

// NewRemotePeer wraps an established channel to the peer with id. The
// caller registers it in the host directory and then calls Start.
func NewRemotePeer(id string, ch transport.Channel, host Host, cfg RemoteConfig, log zerolog.Logger) *RemotePeer {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	r := &RemotePeer{
		core:         newCore(id, host.Directory(), log.With().Str("peer", id).Logger()),
		host:         host,
		ch:           ch,
		cfg:          cfg,
		pending:      session.NewPending(),
		serveCtx:     ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		inbound:      make(chan session.Event, cfg.EventQueue),
		byName:       make(map[string]contexts.Definition),
		byID:         make(map[uint64]contexts.Definition),
		dropped:      make(map[uint64]struct{}),
		weak:         make(map[uint64]struct{}),
		remoteEvents: events.NewBus(),
		forwards:     make(map[string]events.Subscription),
		exported:     make(map[string]uint64),
		imported:     make(map[string]importedContext),
	}
	r.core.hooks = r
	return r
}

// Start launches the read and event loops.
func (r *RemotePeer) Start() {
	r.startOnce.Do(func() {
		go r.readLoop()
		go r.eventLoop()
	})
}

// Initialize subscribes to the counterpart's context events and then
// fetches its configuration and current context definitions.
func (r *RemotePeer) Initialize(ctx context.Context) error {
	for _, name := range []string{events.ContextAttach, events.ContextDetach} {
		if _, err := r.Subscribe(ctx, name, func(events.Event) {}); err != nil {
			return fmt.Errorf("subscribe %s: %w", name, err)
		}
	}
	res, err := r.RunTask(ctx, tasks.Named(TaskGetConfig, TaskGetContextDefs)...)
	if err != nil {
		return err
	}
	if e := res[TaskGetConfig].Err; e != nil {
		return fmt.Errorf("%s: %w", TaskGetConfig, e)
	}
	defsRes := res[TaskGetContextDefs]
	if defsRes.Err != nil {
		return fmt.Errorf("%s: %w", TaskGetContextDefs, defsRes.Err)
	}
	defs, err := codec.Decode[map[string]contexts.Definition](defsRes.Value)
	if err != nil {
		return err
	}
	r.learnAll(defs)
	return nil
}

// MarkLinked records that the host announced this link, so teardown
// reports the disconnect. It returns false once the link is already down.
func (r *RemotePeer) MarkLinked() bool {
	r.linkMu.Lock()
	defer r.linkMu.Unlock()
	if r.closed() {
		return false
	}
	r.linked = true
	return true
}

// Done is closed once the link is torn down.
func (r *RemotePeer) Done() <-chan struct{} { return r.done }

func (r *RemotePeer) RemoteAddr() string { return r.ch.RemoteAddr() }

func (r *RemotePeer) Stats() transport.Stats { return r.ch.Stats() }

// PendingRequests returns the number of requests awaiting a response.
func (r *RemotePeer) PendingRequests() int { return r.pending.Len() }

// RemoteInfo returns the counterpart configuration fetched at connect time.
func (r *RemotePeer) RemoteInfo() (session.NodeInfo, bool) {
	res, ok := r.TaskResult(TaskGetConfig)
	if !ok || res.Err != nil {
		return session.NodeInfo{}, false
	}
	info, err := codec.Decode[session.NodeInfo](res.Value)
	if err != nil {
		return session.NodeInfo{}, false
	}
	return info, true
}

func (r *RemotePeer) Get(ctx context.Context, defID uint64, name string, defaultValue any) (any, error) {
	def, ok := r.definition(defID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDefinition, defID)
	}
	if !def.HasMember(name) {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMember, def.Name, name)
	}
	var data []byte
	if defaultValue != nil {
		arg, err := r.passRefs(defaultValue)
		if err != nil {
			return nil, err
		}
		b, err := codec.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadArguments, err)
		}
		data = b
	}
	start := time.Now()
	resp, err := r.request(ctx, func(id uint64) (frame.Frame, error) {
		return session.EncodeCall(id, schema.MsgGet, session.Call{DefID: defID, Name: name, Data: data})
	})
	observability.RecordRPC(r.host.ID(), observability.DirectionOutbound, "get", err, time.Since(start))
	if err != nil {
		return nil, err
	}
	v := codec.Unmarshal(resp.Data)
	if def, ok := contexts.DecodeRef(v); ok {
		return r.importRef(def), nil
	}
	return v, nil
}

func (r *RemotePeer) Set(ctx context.Context, defID uint64, name string, value any) error {
	def, ok := r.definition(defID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDefinition, defID)
	}
	m, ok := def.Member(name)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownMember, def.Name, name)
	}
	if m.Kind == contexts.KindProperty && m.Readonly {
		return fmt.Errorf("%w: %s.%s", ErrReadOnly, def.Name, name)
	}
	value, err := r.passRefs(value)
	if err != nil {
		return err
	}
	data, err := codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadArguments, err)
	}
	start := time.Now()
	_, err = r.request(ctx, func(id uint64) (frame.Frame, error) {
		return session.EncodeCall(id, schema.MsgSet, session.Call{DefID: defID, Name: name, Data: data})
	})
	observability.RecordRPC(r.host.ID(), observability.DirectionOutbound, "set", err, time.Since(start))
	return err
}

func (r *RemotePeer) Call(ctx context.Context, defID uint64, name string, args ...any) (any, error) {
	return r.Get(ctx, defID, name, argList(args))
}

func (r *RemotePeer) CallVoid(ctx context.Context, defID uint64, name string, args ...any) error {
	_, err := r.Call(ctx, defID, name, args...)
	return err
}

// request sends one frame and waits for its response, the response
// timeout, ctx, or link teardown.
func (r *RemotePeer) request(ctx context.Context, build func(id uint64) (frame.Frame, error)) (session.Response, error) {
	if r.closed() {
		return session.Response{}, fmt.Errorf("%w: %s", ErrPeerDisconnected, r.id)
	}
	id := r.nextID.Add(1)
	f, err := build(id)
	if err != nil {
		return session.Response{}, err
	}
	mt := f.Header.MessageType
	timeout := r.cfg.ResponseTimeout
	now := r.cfg.Clock.Now()
	reply := r.pending.Add(id, mt, now, now.Add(timeout))
	if r.closed() {
		r.pending.Fail(id, fmt.Errorf("%w: %s", ErrPeerDisconnected, r.id))
	}
	sendCtx, abortSend := context.WithCancelCause(ctx)
	defer abortSend(nil)
	timer := r.cfg.Clock.AfterFunc(timeout, func() {
		err := fmt.Errorf("%w: %s after %s", ErrResponseTimeout, schema.MessageName(mt), timeout)
		r.pending.Fail(id, err)
		abortSend(err)
	})
	defer timer.Stop()

	if err := r.ch.SendContext(sendCtx, f); err != nil {
		r.pending.Fail(id, err)
		switch {
		case ctx.Err() != nil:
			return session.Response{}, ctx.Err()
		case sendCtx.Err() != nil:
			return session.Response{}, context.Cause(sendCtx)
		case errors.Is(err, transport.ErrClosed):
			return session.Response{}, fmt.Errorf("%w: %s", ErrPeerDisconnected, r.id)
		}
		return session.Response{}, err
	}

	select {
	case rep := <-reply:
		if rep.Err != nil {
			return session.Response{}, rep.Err
		}
		resp, err := session.DecodeResponse(rep.Frame)
		if err != nil {
			return session.Response{}, err
		}
		if resp.Failed {
			return session.Response{}, &RemoteError{Code: resp.Code, Message: resp.Message}
		}
		return resp, nil
	case <-ctx.Done():
		r.pending.Fail(id, ctx.Err())
		return session.Response{}, ctx.Err()
	}
}

func (r *RemotePeer) closed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// AttachContext proxifies instance onto the counterpart: it is served from
// this node under a fresh id and published there under name.
func (r *RemotePeer) AttachContext(ctx context.Context, instance any, name string) (contexts.Definition, error) {
	info, ok := r.RemoteInfo()
	if !ok || !info.ProxifyContexts {
		return contexts.Definition{}, fmt.Errorf("%w: %s does not accept proxified contexts", ErrNotSupported, r.id)
	}
	if name == "" {
		name = contexts.TypeName(instance)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return contexts.Definition{}, fmt.Errorf("%w: empty name", ErrInvalidContext)
	}

	r.proxMu.Lock()
	if _, dup := r.exported[name]; dup {
		r.proxMu.Unlock()
		return contexts.Definition{}, fmt.Errorf("%w: %s", ErrDuplicateContext, name)
	}
	r.exported[name] = 0
	r.proxMu.Unlock()

	local, err := r.host.Registry().Export(instance)
	if err != nil {
		r.unreserve(name)
		return contexts.Definition{}, err
	}
	v, err := r.control(ctx, TaskProxifyContext, name, local)
	if err != nil {
		r.host.Registry().Unexport(local.ID)
		r.unreserve(name)
		return contexts.Definition{}, err
	}

	r.proxMu.Lock()
	r.exported[name] = local.ID
	r.proxMu.Unlock()

	remoteDef, err := codec.Decode[contexts.Definition](v)
	if err != nil {
		return contexts.Definition{}, err
	}
	r.learn(name, remoteDef)
	return remoteDef, nil
}

func (r *RemotePeer) unreserve(name string) {
	r.proxMu.Lock()
	if id, ok := r.exported[name]; ok && id == 0 {
		delete(r.exported, name)
	}
	r.proxMu.Unlock()
}

// DetachContext withdraws a context this node proxified onto the counterpart.
func (r *RemotePeer) DetachContext(ctx context.Context, name string, releaseOriginated bool) error {
	if info, ok := r.RemoteInfo(); ok && !info.ProxifyContexts {
		return fmt.Errorf("%w: %s does not accept proxified contexts", ErrNotSupported, r.id)
	}
	r.proxMu.Lock()
	localID, ok := r.exported[name]
	if !ok || localID == 0 {
		r.proxMu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownContext, name)
	}
	delete(r.exported, name)
	r.proxMu.Unlock()
	defer r.host.Registry().Unexport(localID)

	remoteDef, known := r.definitionByName(name)
	_, err := r.control(ctx, TaskDeproxifyContext, name, releaseOriginated)
	if releaseOriginated && known {
		r.releaseDefinition(remoteDef.ID)
	}
	return err
}

func (r *RemotePeer) DetachAllContexts(ctx context.Context, releaseOriginated bool) error {
	r.proxMu.Lock()
	names := make([]string, 0, len(r.exported))
	for name, id := range r.exported {
		if id != 0 {
			names = append(names, name)
		}
	}
	r.proxMu.Unlock()
	sort.Strings(names)

	var errs error
	for _, name := range names {
		errs = multierr.Append(errs, r.DetachContext(ctx, name, releaseOriginated))
	}
	return errs
}

func (r *RemotePeer) HasContext(name string) bool {
	_, ok := r.definitionByName(name)
	return ok
}

func (r *RemotePeer) HasContexts() bool {
	r.defsMu.RLock()
	defer r.defsMu.RUnlock()
	return len(r.byName) > 0
}

func (r *RemotePeer) ContextNames() []string {
	r.defsMu.RLock()
	defer r.defsMu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Definitions snapshots the counterpart's known contexts keyed by name.
func (r *RemotePeer) Definitions() map[string]contexts.Definition {
	r.defsMu.RLock()
	defer r.defsMu.RUnlock()
	out := make(map[string]contexts.Definition, len(r.byName))
	for name, def := range r.byName {
		out[name] = def.Clone()
	}
	return out
}

func (r *RemotePeer) WaitForContext(ctx context.Context, name string) error {
	ch, cancel := r.notify.Once(events.ContextAttach, func(ev events.Event) bool {
		ae, ok := ev.Data.(contexts.AttachEvent)
		return ok && ae.Name == name
	})
	defer cancel()
	if r.HasContext(name) {
		return nil
	}
	if err := r.refreshDefinitions(ctx); err != nil {
		if errors.Is(err, ErrPeerDisconnected) || ctx.Err() != nil {
			return err
		}
		r.log.Debug().Err(err).Str("context", name).Msg("refresh definitions")
	}
	if r.HasContext(name) {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return fmt.Errorf("%w: %s", ErrPeerDisconnected, r.id)
	}
}

// Subscribe registers handler for an event emitted on the counterpart.
// The first handler for a name asks the counterpart to start forwarding it.
func (r *RemotePeer) Subscribe(ctx context.Context, event string, handler events.Handler) (events.Subscription, error) {
	if handler == nil {
		return events.Subscription{}, fmt.Errorf("%w: nil handler", ErrBadArguments)
	}
	r.subMu.Lock()
	first := r.remoteEvents.Count(event) == 0
	sub := r.remoteEvents.Subscribe(event, handler)
	r.subMu.Unlock()

	if first {
		if _, err := r.control(ctx, TaskSubscribe, event); err != nil {
			r.subMu.Lock()
			r.remoteEvents.Unsubscribe(sub)
			r.subMu.Unlock()
			return events.Subscription{}, err
		}
	}
	return sub, nil
}

// Unsubscribe removes a handler; removing the last one for a name stops
// forwarding on the counterpart.
func (r *RemotePeer) Unsubscribe(ctx context.Context, sub events.Subscription) error {
	r.subMu.Lock()
	removed := r.remoteEvents.Unsubscribe(sub)
	last := removed && r.remoteEvents.Count(sub.Name) == 0
	r.subMu.Unlock()
	if !last {
		return nil
	}
	_, err := r.control(ctx, TaskUnsubscribe, sub.Name)
	return err
}

func (r *RemotePeer) control(ctx context.Context, name string, args ...any) (any, error) {
	res, err := r.RunTask(ctx, tasks.Spec{Name: name, Args: args})
	if err != nil {
		return nil, err
	}
	out := res[name]
	return out.Value, out.Err
}

// Close tears the link down. It is safe to call more than once.
func (r *RemotePeer) Close() error {
	r.shutdown(nil)
	return r.closeErr
}

func (r *RemotePeer) shutdown(cause error) {
	r.closeOnce.Do(func() {
		r.linkMu.Lock()
		close(r.done)
		linked := r.linked
		r.linkMu.Unlock()
		r.cancel()

		errs := r.ch.Close()
		r.pending.FailAll(fmt.Errorf("%w: %s", ErrPeerDisconnected, r.id))

		r.fwdMu.Lock()
		for name, sub := range r.forwards {
			r.host.Bus().Unsubscribe(sub)
			delete(r.forwards, name)
		}
		r.fwdMu.Unlock()

		r.proxMu.Lock()
		imported := r.imported
		exported := r.exported
		r.imported = make(map[string]importedContext)
		r.exported = make(map[string]uint64)
		r.proxMu.Unlock()
		for name := range imported {
			if _, err := r.host.Registry().Detach(name); err != nil && !errors.Is(err, ErrUnknownContext) {
				errs = multierr.Append(errs, err)
			}
		}
		for _, id := range exported {
			if id != 0 {
				r.host.Registry().Unexport(id)
			}
		}
		r.refs.releaseAll(r.host.Registry())

		r.releaseAllInterfaces()
		r.clearTaskResults()
		r.remoteEvents.Clear()

		removed := r.dir.Remove(r)
		r.closeErr = errs
		if !linked {
			r.log.Debug().Err(cause).Str("addr", r.ch.RemoteAddr()).Msg("link abandoned before announce")
			return
		}
		if removed {
			observability.PeerDisconnected()
		}
		ev := r.log.Info()
		if cause != nil && !errors.Is(cause, transport.ErrClosed) {
			ev = r.log.Warn().Err(cause)
		}
		ev.Str("addr", r.ch.RemoteAddr()).Msg("peer disconnected")
		r.host.Bus().Emit(events.Event{Name: events.PeerDisconnect, Origin: r.host.ID(), Data: events.PeerEvent{ID: r.id}})
	})
}

func (r *RemotePeer) contextDefinition(ctx context.Context, name string) (contexts.Definition, error) {
	if def, ok := r.definitionByName(name); ok {
		return def, nil
	}
	if err := r.refreshDefinitions(ctx); err != nil {
		return contexts.Definition{}, err
	}
	if def, ok := r.definitionByName(name); ok {
		return def, nil
	}
	return contexts.Definition{}, fmt.Errorf("%w: %s on %s", ErrUnknownContext, name, r.id)
}

func (r *RemotePeer) interfaceFor(def contexts.Definition) (*Interface, error) {
	if _, ok := r.definition(def.ID); !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDefinition, def.ID)
	}
	iface := r.cachedInterface(def)
	if _, ok := r.definition(def.ID); !ok {
		r.releaseDefinition(def.ID)
		return nil, fmt.Errorf("%w: %d", ErrUnknownDefinition, def.ID)
	}
	return iface, nil
}

type wireSpec struct {
	Task string            `json:"task"`
	Args []json.RawMessage `json:"args,omitempty"`
}

func (r *RemotePeer) runTasks(ctx context.Context, specs []tasks.Spec) ([]tasks.Outcome, error) {
	data, err := json.Marshal(specs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tasks.ErrInvalidSpec, err)
	}
	start := time.Now()
	resp, err := r.request(ctx, func(id uint64) (frame.Frame, error) {
		return session.EncodeTask(id, data)
	})
	observability.RecordRPC(r.host.ID(), observability.DirectionOutbound, "task", err, time.Since(start))
	if err != nil {
		return nil, err
	}
	var wire []session.TaskOutcome
	if err := json.Unmarshal(resp.Data, &wire); err != nil {
		return nil, fmt.Errorf("decode task response: %w", err)
	}
	out := make([]tasks.Outcome, 0, len(wire))
	for _, w := range wire {
		out = append(out, tasks.Outcome{
			Name:   w.Task,
			Result: tasks.Result{Value: codec.Unmarshal(w.Result), Err: fromWire(w.Error)},
		})
	}
	return out, nil
}

func (r *RemotePeer) refreshDefinitions(ctx context.Context) error {
	v, err := r.control(ctx, TaskGetContextDefs)
	if err != nil {
		return err
	}
	defs, err := codec.Decode[map[string]contexts.Definition](v)
	if err != nil {
		return err
	}
	r.learnAll(defs)
	return nil
}

func (r *RemotePeer) definition(id uint64) (contexts.Definition, bool) {
	r.defsMu.RLock()
	defer r.defsMu.RUnlock()
	def, ok := r.byID[id]
	return def, ok
}

func (r *RemotePeer) definitionByName(name string) (contexts.Definition, bool) {
	r.defsMu.RLock()
	defer r.defsMu.RUnlock()
	def, ok := r.byName[name]
	return def, ok
}

func (r *RemotePeer) learnAll(defs map[string]contexts.Definition) {
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r.learn(name, defs[name])
	}
}

// learn records a named definition. Ids already seen detached are ignored
// so a stale snapshot cannot resurrect them.
func (r *RemotePeer) learn(name string, def contexts.Definition) {
	r.defsMu.Lock()
	if _, gone := r.dropped[def.ID]; gone {
		r.defsMu.Unlock()
		return
	}
	if cur, ok := r.byName[name]; ok {
		if cur.ID == def.ID {
			r.defsMu.Unlock()
			return
		}
		delete(r.byID, cur.ID)
	}
	r.byName[name] = def
	r.byID[def.ID] = def
	r.defsMu.Unlock()

	r.notify.Emit(events.Event{
		Name:   events.ContextAttach,
		Origin: r.id,
		Data:   contexts.AttachEvent{Name: name, Definition: def},
	})
}

// learnWeak records a definition reachable by id only.
func (r *RemotePeer) learnWeak(def contexts.Definition) {
	r.defsMu.Lock()
	r.byID[def.ID] = def
	r.defsMu.Unlock()
}

func (r *RemotePeer) forget(name string, defID uint64) {
	r.defsMu.Lock()
	r.dropped[defID] = struct{}{}
	if cur, ok := r.byName[name]; ok && cur.ID == defID {
		delete(r.byName, name)
	}
	delete(r.byID, defID)
	r.defsMu.Unlock()

	r.releaseDefinition(defID)
	r.notify.Emit(events.Event{
		Name:   events.ContextDetach,
		Origin: r.id,
		Data:   contexts.DetachEvent{Name: name, DefID: defID},
	})
}

func (r *RemotePeer) readLoop() {
	for {
		f, err := r.ch.Recv()
		if err != nil {
			r.shutdown(err)
			return
		}
		switch mt := f.Header.MessageType; {
		case f.Header.IsResponse():
			if !r.pending.Resolve(f.Header.MessageID, f) {
				r.log.Debug().Uint64("msg_id", f.Header.MessageID).Str("type", schema.MessageName(mt)).Msg("late response dropped")
			}
		case mt == schema.MsgEvent:
			ev, err := session.DecodeEvent(f)
			if err != nil {
				r.log.Warn().Err(err).Msg("bad event frame")
				continue
			}
			select {
			case r.inbound <- ev:
			case <-r.done:
				return
			}
		case mt == schema.MsgGet || mt == schema.MsgSet || mt == schema.MsgTask:
			go r.serve(f)
		default:
			r.log.Warn().Uint32("type", mt).Msg("unexpected message")
			if f.Header.MessageID != 0 {
				r.reply(session.EncodeErrorResponse(f.Header, CodeInternal, fmt.Sprintf("unexpected message type %d", mt)))
			}
		}
	}
}

// eventLoop applies inbound events in arrival order.
func (r *RemotePeer) eventLoop() {
	for {
		select {
		case ev := <-r.inbound:
			r.handleEvent(ev)
		case <-r.done:
			return
		}
	}
}

func (r *RemotePeer) handleEvent(ev session.Event) {
	switch ev.Name {
	case events.ContextAttach:
		var ae contexts.AttachEvent
		if err := json.Unmarshal(ev.Data, &ae); err != nil || ae.Name == "" {
			r.log.Warn().Err(err).Msg("bad context:attach payload")
			break
		}
		r.learn(ae.Name, ae.Definition)
	case events.ContextDetach:
		var de contexts.DetachEvent
		if err := json.Unmarshal(ev.Data, &de); err != nil || de.Name == "" {
			r.log.Warn().Err(err).Msg("bad context:detach payload")
			break
		}
		r.forget(de.Name, de.DefID)
	}
	r.remoteEvents.Emit(events.Event{Name: ev.Name, Origin: r.id, Data: codec.Unmarshal(ev.Data)})
}

func (r *RemotePeer) serve(f frame.Frame) {
	start := time.Now()
	action := schema.MessageName(f.Header.MessageType)
	data, err := r.dispatch(f)
	observability.RecordRPC(r.host.ID(), observability.DirectionInbound, action, err, time.Since(start))
	if err != nil {
		r.log.Debug().Err(err).Str("action", action).Uint64("msg_id", f.Header.MessageID).Msg("request failed")
		r.reply(session.EncodeErrorResponse(f.Header, ErrorCode(err), err.Error()))
		return
	}
	r.reply(session.EncodeResponse(f.Header, data))
}

func (r *RemotePeer) reply(f frame.Frame) {
	if err := r.send(f); err != nil && !r.closed() {
		r.log.Debug().Err(err).Uint64("msg_id", f.Header.MessageID).Msg("send response")
	}
}

// send writes an unsolicited frame, giving a stalled counterpart no longer
// than the response timeout.
func (r *RemotePeer) send(f frame.Frame) error {
	ctx, cancel := context.WithTimeout(r.serveCtx, r.cfg.ResponseTimeout)
	defer cancel()
	return r.ch.SendContext(ctx, f)
}

func (r *RemotePeer) dispatch(f frame.Frame) ([]byte, error) {
	ctx := r.serveCtx
	switch f.Header.MessageType {
	case schema.MsgGet:
		call, err := session.DecodeCall(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadArguments, err)
		}
		target, _, err := r.host.Registry().Target(call.DefID)
		if err != nil {
			return nil, err
		}
		v, err := target.Get(ctx, call.Name, r.takeRefs(codec.Unmarshal(call.Data)))
		if err != nil {
			return nil, err
		}
		return r.encodeResult(v)
	case schema.MsgSet:
		call, err := session.DecodeCall(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadArguments, err)
		}
		target, _, err := r.host.Registry().Target(call.DefID)
		if err != nil {
			return nil, err
		}
		return nil, target.Set(ctx, call.Name, r.takeRefs(codec.Unmarshal(call.Data)))
	case schema.MsgTask:
		raw, err := session.DecodeTask(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", tasks.ErrInvalidSpec, err)
		}
		var in []wireSpec
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("%w: %v", tasks.ErrInvalidSpec, err)
		}
		specs := make([]tasks.Spec, 0, len(in))
		for _, w := range in {
			args := make([]any, 0, len(w.Args))
			for _, a := range w.Args {
				args = append(args, codec.Unmarshal(a))
			}
			specs = append(specs, tasks.Spec{Name: w.Task, Args: args})
		}
		outcomes := r.host.RunTasks(ctx, r.id, specs)
		wire := make([]session.TaskOutcome, 0, len(outcomes))
		for _, o := range outcomes {
			out := session.TaskOutcome{Task: o.Name}
			if o.Result.Err != nil {
				out.Error = wireError(o.Result.Err)
			} else if b, err := codec.Marshal(o.Result.Value); err != nil {
				out.Error = wireError(err)
			} else {
				out.Result = b
			}
			wire = append(wire, out)
		}
		return json.Marshal(wire)
	default:
		return nil, fmt.Errorf("%w: %d", session.ErrUnexpectedMessage, f.Header.MessageType)
	}
}

// Forward relays host bus events named event to the counterpart until
// StopForward or link teardown.
func (r *RemotePeer) Forward(event string) {
	r.fwdMu.Lock()
	defer r.fwdMu.Unlock()
	if r.closed() {
		return
	}
	if _, ok := r.forwards[event]; ok {
		return
	}
	r.forwards[event] = r.host.Bus().Subscribe(event, r.sendEvent)
}

// StopForward reports whether event was being forwarded.
func (r *RemotePeer) StopForward(event string) bool {
	r.fwdMu.Lock()
	defer r.fwdMu.Unlock()
	sub, ok := r.forwards[event]
	if !ok {
		return false
	}
	delete(r.forwards, event)
	r.host.Bus().Unsubscribe(sub)
	return true
}

// Forwarded lists the event names relayed to the counterpart.
func (r *RemotePeer) Forwarded() []string {
	r.fwdMu.Lock()
	defer r.fwdMu.Unlock()
	out := make([]string, 0, len(r.forwards))
	for name := range r.forwards {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *RemotePeer) sendEvent(ev events.Event) {
	data, err := codec.Marshal(ev.Data)
	if err != nil {
		r.log.Warn().Err(err).Str("event", ev.Name).Msg("encode event")
		return
	}
	f, err := session.EncodeEvent(session.Event{Name: ev.Name, Data: data})
	if err != nil {
		r.log.Warn().Err(err).Str("event", ev.Name).Msg("encode event")
		return
	}
	if err := r.send(f); err != nil && !r.closed() {
		r.log.Debug().Err(err).Str("event", ev.Name).Msg("forward event")
	}
}

// ImportContext publishes a context the counterpart proxified onto this
// node. Calls against it are forwarded back over this link.
func (r *RemotePeer) ImportContext(name string, def contexts.Definition) (contexts.Definition, error) {
	r.proxMu.Lock()
	if _, dup := r.imported[name]; dup {
		r.proxMu.Unlock()
		return contexts.Definition{}, fmt.Errorf("%w: %s", ErrDuplicateContext, name)
	}
	r.learnWeak(def)
	iface := r.cachedInterface(def)
	r.imported[name] = importedContext{iface: iface}
	r.proxMu.Unlock()

	local, err := r.host.Registry().AttachTarget(name, def.Members, interfaceTarget{iface: iface})
	if err != nil {
		r.proxMu.Lock()
		delete(r.imported, name)
		r.proxMu.Unlock()
		r.releaseDefinition(def.ID)
		return contexts.Definition{}, err
	}
	r.proxMu.Lock()
	r.imported[name] = importedContext{def: local, iface: iface}
	r.proxMu.Unlock()
	r.log.Info().Str("context", name).Uint64("def_id", local.ID).Msg("context imported")
	return local, nil
}

// DropImported detaches a context previously imported from the counterpart.
func (r *RemotePeer) DropImported(name string, releaseOriginated bool) error {
	r.proxMu.Lock()
	ic, ok := r.imported[name]
	if ok {
		delete(r.imported, name)
	}
	r.proxMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContext, name)
	}
	_, err := r.host.Registry().Detach(name)
	if releaseOriginated {
		r.releaseDefinition(ic.iface.DefinitionID())
	}
	r.defsMu.Lock()
	if _, named := r.nameOfLocked(ic.iface.DefinitionID()); !named {
		delete(r.byID, ic.iface.DefinitionID())
	}
	r.defsMu.Unlock()
	r.log.Info().Str("context", name).Msg("context dropped")
	return err
}

func (r *RemotePeer) nameOfLocked(id uint64) (string, bool) {
	for name, def := range r.byName {
		if def.ID == id {
			return name, true
		}
	}
	return "", false
}

// Imported lists the contexts the counterpart proxified onto this node.
func (r *RemotePeer) Imported() []string {
	r.proxMu.Lock()
	defer r.proxMu.Unlock()
	out := make([]string, 0, len(r.imported))
	for name := range r.imported {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// interfaceTarget serves an imported context by forwarding every access
// to the peer that exported it.
type interfaceTarget struct {
	iface *Interface
}

func (t interfaceTarget) Get(ctx context.Context, name string, arg any) (any, error) {
	return t.iface.GetDefault(ctx, name, arg)
}

func (t interfaceTarget) Set(ctx context.Context, name string, value any) error {
	return t.iface.Set(ctx, name, value)
}
