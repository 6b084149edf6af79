// Package transport carries netron frames over byte streams and websocket
// connections.
package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/netron/internal/protocol/frame"
)

var ErrClosed = errors.New("transport: channel closed")

// Channel moves whole frames. Send is safe for concurrent use; Recv is
// called from a single reader goroutine. SendContext gives up once ctx is
// done; a frame abandoned part way through closes the channel.
type Channel interface {
	Send(f frame.Frame) error
	SendContext(ctx context.Context, f frame.Frame) error
	Recv() (frame.Frame, error)
	Close() error
	RemoteAddr() string
	Stats() Stats
}

// Stats counts traffic on one channel.
type Stats struct {
	OpenedAt     time.Time
	FramesSent   uint64
	FramesRecv   uint64
	BytesSent    uint64
	BytesRecv    uint64
	LastActivity time.Time
}

type counters struct {
	openedAt   time.Time
	framesSent atomic.Uint64
	framesRecv atomic.Uint64
	bytesSent  atomic.Uint64
	bytesRecv  atomic.Uint64
	last       atomic.Int64
}

func newCounters() *counters {
	c := &counters{openedAt: time.Now()}
	c.last.Store(c.openedAt.UnixNano())
	return c
}

func (c *counters) sent(n int) {
	c.framesSent.Add(1)
	c.bytesSent.Add(uint64(n))
	c.last.Store(time.Now().UnixNano())
}

func (c *counters) recv(n int) {
	c.framesRecv.Add(1)
	c.bytesRecv.Add(uint64(n))
	c.last.Store(time.Now().UnixNano())
}

func (c *counters) snapshot() Stats {
	return Stats{
		OpenedAt:     c.openedAt,
		FramesSent:   c.framesSent.Load(),
		FramesRecv:   c.framesRecv.Load(),
		BytesSent:    c.bytesSent.Load(),
		BytesRecv:    c.bytesRecv.Load(),
		LastActivity: time.Unix(0, c.last.Load()),
	}
}

// Stream frames a reliable byte stream such as a TCP or TLS connection.
type Stream struct {
	conn   io.ReadWriteCloser
	r      *bufio.Reader
	limits frame.Limits
	addr   string
	stats  *counters

	wmu       sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func NewStream(conn io.ReadWriteCloser, limits frame.Limits) *Stream {
	s := &Stream{conn: conn, r: bufio.NewReader(conn), limits: limits, stats: newCounters()}
	if nc, ok := conn.(net.Conn); ok && nc.RemoteAddr() != nil {
		s.addr = nc.RemoteAddr().String()
	}
	return s
}

func (s *Stream) Send(f frame.Frame) error {
	return s.SendContext(context.Background(), f)
}

func (s *Stream) SendContext(ctx context.Context, f frame.Frame) error {
	if s.closed.Load() {
		return ErrClosed
	}
	b, err := frame.Encode(f, s.limits)
	if err != nil {
		return err
	}
	if err := lockContext(ctx, &s.wmu); err != nil {
		return err
	}
	defer s.wmu.Unlock()

	var n int
	dl, _ := s.conn.(writeDeadliner)
	err = boundWrite(ctx, dl, func() error {
		var werr error
		n, werr = s.conn.Write(b)
		return werr
	})
	if err != nil {
		if n > 0 {
			_ = s.Close()
		}
		return s.mapWriteErr(ctx, err)
	}
	s.stats.sent(len(b))
	return nil
}

func (s *Stream) Recv() (frame.Frame, error) {
	f, err := frame.ReadFrame(s.r, s.limits)
	if err != nil {
		return frame.Frame{}, s.mapErr(err)
	}
	s.stats.recv(int(frame.FixedHeaderLen) + len(f.Auth) + len(f.Payload))
	return f, nil
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *Stream) RemoteAddr() string { return s.addr }
func (s *Stream) Stats() Stats       { return s.stats.snapshot() }

func (s *Stream) mapWriteErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errors.Join(context.Cause(ctx), err)
	}
	return s.mapErr(err)
}

func (s *Stream) mapErr(err error) error {
	if s.closed.Load() || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return errors.Join(ErrClosed, err)
	}
	return err
}

// Pipe returns two connected in-memory streams.
func Pipe(limits frame.Limits) (*Stream, *Stream) {
	a, b := net.Pipe()
	return NewStream(a, limits), NewStream(b, limits)
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// boundWrite runs write with the write deadline pulled in as soon as ctx
// is done. Without a deadliner it only refuses to start past ctx.
func boundWrite(ctx context.Context, d writeDeadliner, write func() error) error {
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	if d == nil || ctx.Done() == nil {
		return write()
	}
	var (
		mu   sync.Mutex
		done bool
	)
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		if !done {
			_ = d.SetWriteDeadline(time.Unix(1, 0))
		}
	})
	err := write()
	stop()
	mu.Lock()
	done = true
	mu.Unlock()
	_ = d.SetWriteDeadline(time.Time{})
	return err
}

// lockContext acquires mu unless ctx ends first.
func lockContext(ctx context.Context, mu *sync.Mutex) error {
	if mu.TryLock() {
		return nil
	}
	if ctx.Done() == nil {
		mu.Lock()
		return nil
	}
	got := make(chan struct{})
	go func() {
		mu.Lock()
		close(got)
	}()
	select {
	case <-got:
		return nil
	case <-ctx.Done():
		go func() {
			<-got
			mu.Unlock()
		}()
		return context.Cause(ctx)
	}
}
