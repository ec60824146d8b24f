package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/danmuck/framelink/internal/testutil/testlog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("host-a", "GET", "/health", 200, 12*time.Millisecond)
	RecordTransition("parent", "connected")
	RecordRejectedFrame("child", "origin")
	RecordRPCServed("double", true)
	RecordRPCSettled("double", false, 3*time.Millisecond)

	before := testutil.ToFloat64(channelFrames.WithLabelValues("parent", "out", "_socket:SYN"))
	RecordFrame("parent", "out", "_socket:SYN")
	after := testutil.ToFloat64(channelFrames.WithLabelValues("parent", "out", "_socket:SYN"))
	if after-before != 1 {
		t.Fatalf("expected frame counter to advance by 1, got %v", after-before)
	}

	before = testutil.ToFloat64(storeUpdates.WithLabelValues("external"))
	RecordStoreUpdate("external", 3)
	if got := testutil.ToFloat64(storeUpdates.WithLabelValues("external")) - before; got != 3 {
		t.Fatalf("expected store counter to advance by 3, got %v", got)
	}

	SetHostPeers("host-a", 2)
	if got := testutil.ToFloat64(hostPeers.WithLabelValues("host-a")); got != 2 {
		t.Fatalf("expected 2 peers, got %v", got)
	}
}
