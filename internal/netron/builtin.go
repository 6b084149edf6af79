package netron

import (
	"context"
	"fmt"

	"github.com/danmuck/netron/internal/contexts"
	"github.com/danmuck/netron/internal/peer"
	"github.com/danmuck/netron/internal/tasks"
)

func (n *Node) registerBuiltins() error {
	builtins := []struct {
		name string
		fn   tasks.Func
	}{
		{peer.TaskGetConfig, n.taskGetConfig},
		{peer.TaskGetContextDefs, n.taskGetContextDefs},
		{peer.TaskSubscribe, n.taskSubscribe},
		{peer.TaskUnsubscribe, n.taskUnsubscribe},
		{peer.TaskProxifyContext, n.taskProxifyContext},
		{peer.TaskDeproxifyContext, n.taskDeproxifyContext},
		{peer.TaskReleaseContext, n.taskReleaseContext},
	}
	for _, b := range builtins {
		if err := n.tasks.Register(b.name, b.fn); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) taskGetConfig(context.Context, tasks.Call) (any, error) {
	return n.Info(), nil
}

func (n *Node) taskGetContextDefs(context.Context, tasks.Call) (any, error) {
	return n.registry.Definitions(), nil
}

// caller resolves the remote peer a built-in task runs for. Local callers
// get nil and no error.
func (n *Node) caller(call tasks.Call) (*peer.RemotePeer, error) {
	if call.PeerID == n.id {
		return nil, nil
	}
	rp, ok := n.RemotePeer(call.PeerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", peer.ErrPeerDisconnected, call.PeerID)
	}
	return rp, nil
}

func (n *Node) taskSubscribe(_ context.Context, call tasks.Call) (any, error) {
	var event string
	if err := call.Arg(0, &event); err != nil {
		return nil, err
	}
	rp, err := n.caller(call)
	if err != nil || rp == nil {
		return nil, err
	}
	rp.Forward(event)
	return nil, nil
}

func (n *Node) taskUnsubscribe(_ context.Context, call tasks.Call) (any, error) {
	var event string
	if err := call.Arg(0, &event); err != nil {
		return nil, err
	}
	rp, err := n.caller(call)
	if err != nil || rp == nil {
		return nil, err
	}
	rp.StopForward(event)
	return nil, nil
}

func (n *Node) taskProxifyContext(_ context.Context, call tasks.Call) (any, error) {
	if !n.opts.proxify {
		return nil, fmt.Errorf("%w: proxify disabled on %s", peer.ErrNotSupported, n.id)
	}
	var name string
	var def contexts.Definition
	if err := call.Arg(0, &name); err != nil {
		return nil, err
	}
	if err := call.Arg(1, &def); err != nil {
		return nil, err
	}
	rp, err := n.caller(call)
	if err != nil {
		return nil, err
	}
	if rp == nil {
		return nil, fmt.Errorf("%w: proxify from self", peer.ErrNotSupported)
	}
	return rp.ImportContext(name, def)
}

func (n *Node) taskDeproxifyContext(_ context.Context, call tasks.Call) (any, error) {
	if !n.opts.proxify {
		return nil, fmt.Errorf("%w: proxify disabled on %s", peer.ErrNotSupported, n.id)
	}
	var name string
	if err := call.Arg(0, &name); err != nil {
		return nil, err
	}
	release := false
	if call.NumArgs() > 1 {
		if err := call.Arg(1, &release); err != nil {
			return nil, err
		}
	}
	rp, err := n.caller(call)
	if err != nil {
		return nil, err
	}
	if rp == nil {
		return nil, fmt.Errorf("%w: deproxify from self", peer.ErrNotSupported)
	}
	return nil, rp.DropImported(name, release)
}

func (n *Node) taskReleaseContext(_ context.Context, call tasks.Call) (any, error) {
	var id uint64
	if err := call.Arg(0, &id); err != nil {
		return nil, err
	}
	rp, err := n.caller(call)
	if err != nil || rp == nil {
		return nil, err
	}
	if !rp.ReleaseRef(id) {
		return nil, fmt.Errorf("%w: %d was not handed to %s", peer.ErrUnknownDefinition, id, rp.ID())
	}
	return nil, nil
}
