package netron

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/netron/internal/protocol/frame"
	"github.com/danmuck/netron/internal/protocol/session"
	"github.com/rs/zerolog"
)

type options struct {
	id              string
	log             *zerolog.Logger
	clock           clock.Clock
	responseTimeout time.Duration
	proxify         bool
	session         session.Config
	limits          frame.Limits
	taskLimit       int
}

func defaultOptions() options {
	return options{
		clock:   clock.New(),
		session: session.DefaultConfig(),
		limits:  frame.DefaultLimits(),
	}
}

// Option configures a Node at construction.
type Option func(*options)

// WithID sets the node id. A random UUID is used otherwise.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = &log }
}

// WithClock replaces the clock driving response timeouts and dial backoff.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		if clk != nil {
			o.clock = clk
		}
	}
}

// WithResponseTimeout bounds every remote request. It wins over the
// session config value.
func WithResponseTimeout(d time.Duration) Option {
	return func(o *options) { o.responseTimeout = d }
}

// WithProxifyContexts lets connected peers publish contexts on this node.
func WithProxifyContexts(enabled bool) Option {
	return func(o *options) { o.proxify = enabled }
}

func WithSessionConfig(cfg session.Config) Option {
	return func(o *options) { o.session = cfg }
}

func WithLimits(limits frame.Limits) Option {
	return func(o *options) { o.limits = limits }
}

// WithTaskLimit caps concurrent tasks within one batch.
func WithTaskLimit(n int) Option {
	return func(o *options) { o.taskLimit = n }
}

func (o options) effectiveResponseTimeout() time.Duration {
	if o.responseTimeout > 0 {
		return o.responseTimeout
	}
	if o.session.ResponseTimeout > 0 {
		return o.session.ResponseTimeout
	}
	return session.DefaultResponseTimeout
}
