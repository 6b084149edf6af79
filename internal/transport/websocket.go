package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/netron/internal/protocol/frame"
	"github.com/gorilla/websocket"
)

// WebSocket carries one frame per binary websocket message.
type WebSocket struct {
	conn   *websocket.Conn
	limits frame.Limits
	stats  *counters

	wmu       sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func NewWebSocket(conn *websocket.Conn, limits frame.Limits) *WebSocket {
	conn.SetReadLimit(int64(limits.MaxAuthBytes + limits.MaxPayloadBytes + uint64(frame.FixedHeaderLen)))
	return &WebSocket{conn: conn, limits: limits, stats: newCounters()}
}

// DialWebSocket connects to a netron websocket endpoint.
func DialWebSocket(ctx context.Context, url string, handshakeTimeout time.Duration, limits frame.Limits) (*WebSocket, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocket(conn, limits), nil
}

// Upgrader returns the upgrader used by netron websocket listeners.
func Upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
}

func (w *WebSocket) Send(f frame.Frame) error {
	return w.SendContext(context.Background(), f)
}

// SendContext writes one binary message. A write cut short by ctx leaves
// the websocket unusable, so the channel is closed.
func (w *WebSocket) SendContext(ctx context.Context, f frame.Frame) error {
	if w.closed.Load() {
		return ErrClosed
	}
	b, err := frame.Encode(f, w.limits)
	if err != nil {
		return err
	}
	if err := lockContext(ctx, &w.wmu); err != nil {
		return err
	}
	defer w.wmu.Unlock()
	err = boundWrite(ctx, wsDeadline{w.conn}, func() error {
		return w.conn.WriteMessage(websocket.BinaryMessage, b)
	})
	if err != nil {
		if ctx.Err() != nil {
			_ = w.Close()
			return errors.Join(context.Cause(ctx), err)
		}
		return w.mapErr(err)
	}
	w.stats.sent(len(b))
	return nil
}

func (w *WebSocket) Recv() (frame.Frame, error) {
	for {
		mt, data, err := w.conn.ReadMessage()
		if err != nil {
			return frame.Frame{}, w.mapErr(err)
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		f, err := frame.Decode(data, w.limits)
		if err != nil {
			return frame.Frame{}, err
		}
		w.stats.recv(len(data))
		return f, nil
	}
}

func (w *WebSocket) Close() error {
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.closeErr = w.conn.Close()
	})
	return w.closeErr
}

func (w *WebSocket) RemoteAddr() string {
	if a := w.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

func (w *WebSocket) Stats() Stats { return w.stats.snapshot() }

func (w *WebSocket) mapErr(err error) error {
	if w.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return errors.Join(ErrClosed, err)
	}
	return err
}

// wsDeadline moves both the websocket's frame deadline and the deadline of
// the connection underneath, so a write already in flight is cut short.
type wsDeadline struct {
	conn *websocket.Conn
}

func (d wsDeadline) SetWriteDeadline(t time.Time) error {
	if err := d.conn.SetWriteDeadline(t); err != nil {
		return err
	}
	return d.conn.NetConn().SetWriteDeadline(t)
}
