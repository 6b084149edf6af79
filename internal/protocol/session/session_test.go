package session

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/netron/internal/protocol/frame"
	"github.com/danmuck/netron/internal/protocol/schema"
	"github.com/danmuck/netron/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestSleepBackoffHonorsContext(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := BackoffConfig{InitialDelay: time.Hour}
	if err := SleepBackoff(ctx, clock.NewMock(), cfg, 1, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPendingLifecycle(t *testing.T) {
	testlog.Start(t)
	p := NewPending()
	now := time.Unix(1700000000, 0)
	reply := p.Add(7, schema.MsgGet, now, now.Add(time.Minute))
	item, ok := p.Get(7)
	if !ok || item.MessageType != schema.MsgGet || !item.DeadlineAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected pending item: %+v ok=%v", item, ok)
	}

	resp := EncodeResponse(frame.Header{MessageID: 7, MessageType: schema.MsgGet}, []byte(`42`))
	if !p.Resolve(7, resp) {
		t.Fatalf("expected resolve to find request")
	}
	got := <-reply
	if got.Err != nil || got.Frame.Header.MessageID != 7 {
		t.Fatalf("unexpected reply: %+v", got)
	}
	if p.Resolve(7, resp) {
		t.Fatalf("late response must be dropped")
	}
	if p.Len() != 0 {
		t.Fatalf("expected empty table, got %d", p.Len())
	}
}

func TestPendingFailAll(t *testing.T) {
	testlog.Start(t)
	p := NewPending()
	now := time.Now()
	a := p.Add(1, schema.MsgGet, now, now)
	b := p.Add(2, schema.MsgTask, now, now)
	if ids := p.List(); len(ids) != 2 || ids[0].MessageID != 1 || ids[1].MessageID != 2 {
		t.Fatalf("unexpected list: %+v", ids)
	}
	boom := errors.New("gone")
	if n := p.FailAll(boom); n != 2 {
		t.Fatalf("expected 2 failed, got %d", n)
	}
	for _, ch := range []<-chan Reply{a, b} {
		if r := <-ch; !errors.Is(r.Err, boom) {
			t.Fatalf("expected gone, got %+v", r)
		}
	}
	if p.Fail(1, boom) {
		t.Fatalf("failed request must not complete twice")
	}
}

func TestHelloRoundTrip(t *testing.T) {
	testlog.Start(t)
	f, err := EncodeHello(1, Hello{PeerID: "peer.a", ProtocolVersion: uint32(frame.Version)}, false)
	if err != nil {
		t.Fatalf("encode hello: %v", err)
	}
	var buf bytes.Buffer
	if err := frame.WriteFrame(&buf, f, frame.DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	read, err := frame.ReadFrame(&buf, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	h, err := DecodeHello(read)
	if err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	if h.PeerID != "peer.a" {
		t.Fatalf("peer id got=%q", h.PeerID)
	}
}

func TestHelloRejectsVersionMismatch(t *testing.T) {
	testlog.Start(t)
	_, err := EncodeHello(1, Hello{PeerID: "peer.a", ProtocolVersion: 99}, false)
	if !errors.Is(err, ErrInvalidHello) {
		t.Fatalf("expected ErrInvalidHello, got %v", err)
	}
}

func TestCallRoundTrip(t *testing.T) {
	testlog.Start(t)
	f, err := EncodeCall(9, schema.MsgSet, Call{DefID: 4, Name: "label", Data: []byte(`"x"`)})
	if err != nil {
		t.Fatalf("encode call: %v", err)
	}
	c, err := DecodeCall(f)
	if err != nil {
		t.Fatalf("decode call: %v", err)
	}
	if c.DefID != 4 || c.Name != "label" || string(c.Data) != `"x"` {
		t.Fatalf("unexpected call: %+v", c)
	}
	if _, err := EncodeCall(9, schema.MsgTask, c); !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("expected ErrUnexpectedMessage, got %v", err)
	}
}

func TestEventRequiresName(t *testing.T) {
	testlog.Start(t)
	if _, err := EncodeEvent(Event{}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	f, err := EncodeEvent(Event{Name: "context:attach", Data: []byte(`{}`)})
	if err != nil {
		t.Fatalf("encode event: %v", err)
	}
	if f.Header.MessageID != 0 {
		t.Fatalf("events carry no message id")
	}
	ev, err := DecodeEvent(f)
	if err != nil || ev.Name != "context:attach" {
		t.Fatalf("decode event: %+v %v", ev, err)
	}
}

func TestErrorResponseRoundTrip(t *testing.T) {
	testlog.Start(t)
	req := frame.Header{MessageID: 3, MessageType: schema.MsgGet}
	f := EncodeErrorResponse(req, "unknown_member", "member nope not found")
	if !f.Header.IsResponse() || !f.Header.IsError() {
		t.Fatalf("unexpected flags: %x", f.Header.Flags)
	}
	resp, err := DecodeResponse(f)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Failed || resp.Code != "unknown_member" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	ok, err := DecodeResponse(EncodeResponse(req, nil))
	if err != nil || ok.Failed || ok.Data != nil {
		t.Fatalf("unexpected empty response: %+v %v", ok, err)
	}
}

func TestValidateClientTransportProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
}

func TestValidateClientTransportMutualRequiresCertKeyCA(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TLS.Enabled = true
	cfg.TLS.Mutual = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}

	cfg.TLS.CAFile = "/tmp/ca.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}

	cfg.TLS.CertFile = "/tmp/client.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}

	cfg.TLS.KeyFile = "/tmp/client.key"
	if err := cfg.ValidateClientTransport(); err != nil {
		t.Fatalf("expected valid transport config, got %v", err)
	}
}

func TestValidateServerTransportProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
}

func TestValidateRejectsUnknownSecurityMode(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = "paranoid"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrInvalidSecurityMode) {
		t.Fatalf("expected ErrInvalidSecurityMode, got %v", err)
	}
}
