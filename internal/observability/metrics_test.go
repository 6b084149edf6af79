package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/netron/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("node-a", "GET", "/health", 200, 12*time.Millisecond)
	RecordRPC("node-a", DirectionOutbound, "get", nil, 3*time.Millisecond)
	RecordRPC("node-a", DirectionInbound, "task", errors.New("boom"), time.Millisecond)
}

func TestRecordTaskCountsByStatus(t *testing.T) {
	testlog.Start(t)
	before := testutil.ToFloat64(taskRuns.WithLabelValues("metrics-check", "error"))
	RecordTask("metrics-check", errors.New("failed"))
	RecordTask("metrics-check", nil)
	after := testutil.ToFloat64(taskRuns.WithLabelValues("metrics-check", "error"))
	if after-before != 1 {
		t.Fatalf("expected one error count, got %v", after-before)
	}
}

func TestPeerGauge(t *testing.T) {
	testlog.Start(t)
	before := testutil.ToFloat64(peersConnected)
	PeerConnected()
	PeerConnected()
	PeerDisconnected()
	if got := testutil.ToFloat64(peersConnected) - before; got != 1 {
		t.Fatalf("expected gauge delta 1, got %v", got)
	}
}
