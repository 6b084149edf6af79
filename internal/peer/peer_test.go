package peer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/netron/internal/contexts"
	"github.com/danmuck/netron/internal/events"
	"github.com/danmuck/netron/internal/logging"
	"github.com/danmuck/netron/internal/protocol/frame"
	"github.com/danmuck/netron/internal/protocol/schema"
	"github.com/danmuck/netron/internal/protocol/session"
	"github.com/danmuck/netron/internal/tasks"
	"github.com/danmuck/netron/internal/testutil/testlog"
	"github.com/danmuck/netron/internal/transport"
	"github.com/stretchr/testify/require"
)

type calc struct {
	mu    sync.Mutex
	Label string
	total int
}

func (c *calc) Inc(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total += n
	return c.total
}

type testHost struct {
	id  string
	bus *events.Bus
	reg *contexts.Registry
	dir *Directory
	tm  *tasks.Manager
}

func newTestHost(id string) *testHost {
	bus := events.NewBus()
	return &testHost{
		id:  id,
		bus: bus,
		reg: contexts.NewRegistry(id, bus),
		dir: NewDirectory(),
		tm:  tasks.NewManager(),
	}
}

func (h *testHost) ID() string                   { return h.id }
func (h *testHost) Registry() *contexts.Registry { return h.reg }
func (h *testHost) Bus() *events.Bus             { return h.bus }
func (h *testHost) Directory() *Directory        { return h.dir }
func (h *testHost) RunTasks(ctx context.Context, peerID string, specs []tasks.Spec) []tasks.Outcome {
	return h.tm.Run(ctx, peerID, specs)
}

func newLocal(t *testing.T) (*testHost, *LocalPeer) {
	t.Helper()
	h := newTestHost("local")
	p := NewLocalPeer(h, logging.Logger("peer"))
	require.NoError(t, h.dir.Add(p))
	return h, p
}

func TestQueryUnknownContext(t *testing.T) {
	testlog.Start(t)
	_, p := newLocal(t)
	_, err := p.QueryInterface(context.Background(), "missing")
	require.ErrorIs(t, err, ErrUnknownContext)
}

func TestAttachThenQueryCapabilities(t *testing.T) {
	testlog.Start(t)
	_, p := newLocal(t)
	ctx := context.Background()
	_, err := p.AttachContext(ctx, &calc{}, "calc")
	require.NoError(t, err)

	iface, err := p.QueryInterface(ctx, "calc")
	require.NoError(t, err)
	require.Equal(t, []string{"Inc", "Label"}, iface.Capabilities())
	require.Equal(t, "local", iface.PeerID())

	again, err := p.QueryInterface(ctx, "calc")
	require.NoError(t, err)
	require.Same(t, iface, again)
}

func TestLocalCallAndProperties(t *testing.T) {
	testlog.Start(t)
	_, p := newLocal(t)
	ctx := context.Background()
	_, err := p.AttachContext(ctx, &calc{Label: "one"}, "calc")
	require.NoError(t, err)
	iface, err := p.QueryInterface(ctx, "calc")
	require.NoError(t, err)

	n, err := CallAs[int](ctx, iface, "Inc", 41)
	require.NoError(t, err)
	require.Equal(t, 41, n)
	n, err = CallAs[int](ctx, iface, "Inc", 1)
	require.NoError(t, err)
	require.Equal(t, 42, n)

	require.NoError(t, iface.Set(ctx, "Label", "two"))
	label, err := GetAs[string](ctx, iface, "Label")
	require.NoError(t, err)
	require.Equal(t, "two", label)

	_, err = iface.Call(ctx, "Nope")
	require.ErrorIs(t, err, ErrUnknownMember)
}

func TestReleaseInterfaceTwice(t *testing.T) {
	testlog.Start(t)
	_, p := newLocal(t)
	ctx := context.Background()
	_, err := p.AttachContext(ctx, &calc{}, "calc")
	require.NoError(t, err)
	iface, err := p.QueryInterface(ctx, "calc")
	require.NoError(t, err)

	require.NoError(t, p.ReleaseInterface(iface))
	require.True(t, iface.Released())
	_, err = iface.Call(ctx, "Inc", 1)
	require.ErrorIs(t, err, ErrUseAfterRelease)

	// A released interface is simply marked again; the cache already moved on.
	require.NoError(t, p.ReleaseInterface(iface))
	require.ErrorIs(t, p.ReleaseInterface("calc"), ErrNotAnInterface)

	fresh, err := p.QueryInterface(ctx, "calc")
	require.NoError(t, err)
	require.NotSame(t, iface, fresh)
}

func TestReattachGetsFreshID(t *testing.T) {
	testlog.Start(t)
	_, p := newLocal(t)
	ctx := context.Background()
	first, err := p.AttachContext(ctx, &calc{}, "calc")
	require.NoError(t, err)
	iface, err := p.QueryInterface(ctx, "calc")
	require.NoError(t, err)

	require.NoError(t, p.DetachContext(ctx, "calc", true))
	require.True(t, iface.Released())
	require.False(t, p.HasContext("calc"))

	second, err := p.AttachContext(ctx, &calc{}, "calc")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
}

func TestRunTaskPartialFailure(t *testing.T) {
	testlog.Start(t)
	h, p := newLocal(t)
	require.NoError(t, h.tm.Register("ok", func(context.Context, tasks.Call) (any, error) { return "fine", nil }))
	require.NoError(t, h.tm.Register("bad", func(context.Context, tasks.Call) (any, error) { return nil, errors.New("broken") }))

	var seen []string
	p.Notifications().Subscribe(events.TaskResult, func(ev events.Event) {
		seen = append(seen, ev.Data.(tasks.Outcome).Name)
	})

	res, err := p.RunTask(context.Background(), tasks.Named("ok", "bad", "ghost")...)
	require.NoError(t, err)
	require.True(t, res["ok"].OK())
	require.EqualError(t, res["bad"].Err, "broken")
	require.ErrorIs(t, res["ghost"].Err, ErrUnknownTask)
	require.Equal(t, []string{"ok", "bad", "ghost"}, seen)

	_, ran := p.TaskResult("never")
	require.False(t, ran)
	stored, ok := p.TaskResult("ok")
	require.True(t, ok)
	require.Equal(t, "fine", stored.Value)
}

func TestLocalWaitForContextBeforeAttach(t *testing.T) {
	testlog.Start(t)
	_, p := newLocal(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.WaitForContext(ctx, "late") }()
	time.Sleep(20 * time.Millisecond)
	_, err := p.AttachContext(ctx, &calc{}, "late")
	require.NoError(t, err)
	require.NoError(t, <-done)
}

func TestDirectoryRemoveOnlySameInstance(t *testing.T) {
	testlog.Start(t)
	h, p := newLocal(t)
	other := NewLocalPeer(h, logging.Logger("peer"))
	require.ErrorIs(t, h.dir.Add(other), ErrPeerExists)
	require.False(t, h.dir.Remove(other))
	require.True(t, h.dir.Remove(p))
	require.Equal(t, 0, h.dir.Len())
}

func TestRemoteErrorUnwrapsToSentinel(t *testing.T) {
	testlog.Start(t)
	code := ErrorCode(errors.Join(errors.New("ctx"), ErrReadOnly))
	require.Equal(t, "read_only", code)
	err := error(&RemoteError{Code: code, Message: "nope"})
	require.ErrorIs(t, err, ErrReadOnly)
	require.Equal(t, CodeInternal, ErrorCode(errors.New("other")))
	require.Nil(t, fromWire(nil))
	require.ErrorIs(t, fromWire(wireError(ErrUnknownTask)), ErrUnknownTask)
}

// rawRemote returns a RemotePeer whose counterpart is a bare channel the
// test drives by hand.
func rawRemote(t *testing.T, clk clock.Clock, timeout time.Duration) (*testHost, *RemotePeer, transport.Channel) {
	t.Helper()
	h := newTestHost("near")
	a, b := transport.Pipe(frame.DefaultLimits())
	rp := NewRemotePeer("far", a, h, RemoteConfig{ResponseTimeout: timeout, Clock: clk}, logging.Logger("peer"))
	require.NoError(t, h.dir.Add(rp))
	rp.Start()
	require.True(t, rp.MarkLinked())
	t.Cleanup(func() {
		_ = rp.Close()
		_ = b.Close()
	})
	return h, rp, b
}

func TestRemoteRequestTimesOut(t *testing.T) {
	testlog.Start(t)
	mock := clock.NewMock()
	_, rp, far := rawRemote(t, mock, time.Minute)

	received := make(chan struct{}, 1)
	go func() {
		for {
			if _, err := far.Recv(); err != nil {
				return
			}
			received <- struct{}{}
		}
	}()

	done := make(chan error, 1)
	go func() {
		_, err := rp.RunTask(context.Background(), tasks.Spec{Name: "slow"})
		done <- err
	}()
	<-received
	require.Equal(t, 1, rp.PendingRequests())
	mock.Add(time.Minute)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrResponseTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not time out")
	}
	require.Equal(t, 0, rp.PendingRequests())
}

func TestRemoteDisconnectFailsInflight(t *testing.T) {
	testlog.Start(t)
	h, rp, far := rawRemote(t, clock.New(), time.Minute)
	disconnected := make(chan struct{}, 1)
	h.bus.Subscribe(events.PeerDisconnect, func(events.Event) { disconnected <- struct{}{} })

	go func() {
		_, _ = far.Recv()
		_ = far.Close()
	}()
	_, err := rp.RunTask(context.Background(), tasks.Spec{Name: "anything"})
	require.ErrorIs(t, err, ErrPeerDisconnected)

	select {
	case <-rp.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("peer not closed")
	}
	<-disconnected
	_, ok := h.dir.Get("far")
	require.False(t, ok)

	_, err = rp.RunTask(context.Background(), tasks.Spec{Name: "again"})
	require.ErrorIs(t, err, ErrPeerDisconnected)
}

func TestRemoteStalledSendHonorsContext(t *testing.T) {
	testlog.Start(t)
	_, rp, _ := rawRemote(t, clock.New(), 100*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := rp.RunTask(ctx, tasks.Spec{Name: "stuck"})
		done <- err
	}()
	select {
	case err := <-done:
		require.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrResponseTimeout), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request blocked on a stalled transport")
	}
	require.Equal(t, 0, rp.PendingRequests())
}

func TestRemoteStalledSendHonorsResponseTimeout(t *testing.T) {
	testlog.Start(t)
	mock := clock.NewMock()
	_, rp, _ := rawRemote(t, mock, time.Minute)

	done := make(chan error, 1)
	go func() {
		_, err := rp.RunTask(context.Background(), tasks.Spec{Name: "stuck"})
		done <- err
	}()
	var err error
	require.Eventually(t, func() bool {
		mock.Add(time.Minute)
		select {
		case err = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrResponseTimeout)
	require.Equal(t, 0, rp.PendingRequests())
	require.False(t, rp.closed(), "an unwritten frame must not tear the link down")
}

func TestConcurrentAttachQueryRelease(t *testing.T) {
	testlog.Start(t)
	_, p := newLocal(t)
	ctx := context.Background()
	names := []string{"c0", "c1", "c2", "c3"}

	var wg sync.WaitGroup
	for _, name := range names {
		name := name
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if _, err := p.AttachContext(ctx, &calc{}, name); err != nil {
					t.Errorf("attach %s: %v", name, err)
					return
				}
				if err := p.DetachContext(ctx, name, true); err != nil {
					t.Errorf("detach %s: %v", name, err)
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				iface, err := p.QueryInterface(ctx, name)
				if err != nil {
					if !errors.Is(err, ErrUnknownContext) && !errors.Is(err, ErrUnknownDefinition) {
						t.Errorf("query %s: %v", name, err)
					}
					continue
				}
				_, err = iface.Call(ctx, "Inc", 1)
				if err != nil && !errors.Is(err, ErrUnknownDefinition) && !errors.Is(err, ErrUseAfterRelease) {
					t.Errorf("call %s: %v", name, err)
				}
				if err := p.ReleaseInterface(iface); err != nil {
					t.Errorf("release %s: %v", name, err)
				}
			}
		}()
	}
	wg.Wait()

	require.NoError(t, p.DetachAllContexts(ctx, true))
	require.Empty(t, p.ContextNames())
	p.mu.Lock()
	cached := len(p.interfaces)
	p.mu.Unlock()
	require.Zero(t, cached, "interfaces outlived their detached contexts")
}

func TestRemoteServesInboundGet(t *testing.T) {
	testlog.Start(t)
	h, _, far := rawRemote(t, clock.New(), time.Minute)
	def, err := h.reg.Attach(&calc{}, "calc")
	require.NoError(t, err)

	req, err := session.EncodeCall(7, schema.MsgGet, session.Call{DefID: def.ID, Name: "Inc", Data: []byte("[5]")})
	require.NoError(t, err)
	require.NoError(t, far.Send(req))
	f, err := far.Recv()
	require.NoError(t, err)
	require.Equal(t, uint64(7), f.Header.MessageID)
	resp, err := session.DecodeResponse(f)
	require.NoError(t, err)
	require.False(t, resp.Failed)
	require.JSONEq(t, "5", string(resp.Data))

	bad, err := session.EncodeCall(8, schema.MsgGet, session.Call{DefID: def.ID + 100, Name: "Inc"})
	require.NoError(t, err)
	require.NoError(t, far.Send(bad))
	f, err = far.Recv()
	require.NoError(t, err)
	resp, err = session.DecodeResponse(f)
	require.NoError(t, err)
	require.True(t, resp.Failed)
	require.Equal(t, "unknown_definition", resp.Code)
}
