package peer

import (
	"context"
	"errors"

	"github.com/danmuck/netron/internal/contexts"
	"github.com/danmuck/netron/internal/protocol/session"
	"github.com/danmuck/netron/internal/tasks"
)

var (
	ErrNotImplemented   = errors.New("peer: not implemented")
	ErrUseAfterRelease  = errors.New("peer: interface used after release")
	ErrNotAnInterface   = errors.New("peer: value is not an interface")
	ErrForeignInterface = errors.New("peer: interface belongs to another peer")
	ErrPeerDisconnected = errors.New("peer: disconnected")
	ErrPeerExists       = errors.New("peer: already connected")
	ErrNotSupported     = errors.New("peer: not supported by counterpart")
	ErrResponseTimeout  = errors.New("peer: response timeout")

	ErrUnknownContext    = contexts.ErrUnknownContext
	ErrDuplicateContext  = contexts.ErrDuplicateContext
	ErrInvalidContext    = contexts.ErrInvalidContext
	ErrUnknownDefinition = contexts.ErrUnknownDefinition
	ErrUnknownMember     = contexts.ErrUnknownMember
	ErrReadOnly          = contexts.ErrReadOnly
	ErrBadArguments      = contexts.ErrBadArguments
	ErrUnknownTask       = tasks.ErrUnknownTask
	ErrTaskExists        = tasks.ErrTaskExists
)

// CodeInternal marks errors with no stable code.
const CodeInternal = "internal"

var codes = []struct {
	code string
	err  error
}{
	{"not_implemented", ErrNotImplemented},
	{"unknown_context", ErrUnknownContext},
	{"duplicate_context", ErrDuplicateContext},
	{"invalid_context", ErrInvalidContext},
	{"unknown_definition", ErrUnknownDefinition},
	{"unknown_member", ErrUnknownMember},
	{"read_only", ErrReadOnly},
	{"bad_arguments", ErrBadArguments},
	{"member_panic", contexts.ErrMemberPanic},
	{"unknown_task", ErrUnknownTask},
	{"task_exists", ErrTaskExists},
	{"invalid_task", tasks.ErrInvalidSpec},
	{"task_panic", tasks.ErrTaskPanic},
	{"not_supported", ErrNotSupported},
	{"peer_disconnected", ErrPeerDisconnected},
	{"response_timeout", ErrResponseTimeout},
	{"canceled", context.Canceled},
	{"deadline_exceeded", context.DeadlineExceeded},
}

// ErrorCode maps err onto its stable wire code.
func ErrorCode(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// RemoteError is a failure reported by the counterpart. It unwraps to the
// local sentinel matching its code, so errors.Is works across the link.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return "remote: " + e.Message
}

func (e *RemoteError) Unwrap() error {
	for _, c := range codes {
		if c.code == e.Code {
			return c.err
		}
	}
	return nil
}

func wireError(err error) *session.WireError {
	if err == nil {
		return nil
	}
	return &session.WireError{Code: ErrorCode(err), Message: err.Error()}
}

func fromWire(w *session.WireError) error {
	if w == nil {
		return nil
	}
	return &RemoteError{Code: w.Code, Message: w.Message}
}
