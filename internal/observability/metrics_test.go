package observability

import (
	"testing"
	"time"

	"github.com/danmuck/presencectl/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("host-a", "GET", "/health", 200, 12*time.Millisecond)
	RecordRecoveryResolution("host-a", "retry")
	RecordEndpointConnect("primary", "ok")
	RecordPresenceMessage("in", "presence.config")
}

func TestTriggerAndPromptCounters(t *testing.T) {
	testlog.Start(t)
	before := testutil.ToFloat64(livenessTriggers.WithLabelValues("host-metrics", "resume", "deferred"))
	RecordTrigger("host-metrics", "resume", "deferred")
	after := testutil.ToFloat64(livenessTriggers.WithLabelValues("host-metrics", "resume", "deferred"))
	if after-before != 1 {
		t.Fatalf("expected trigger counter +1, got %v", after-before)
	}

	RecordRecoveryPrompt("host-metrics", true)
	RecordRecoveryPrompt("host-metrics", false)
	RecordRecoveryPrompt("host-metrics", false)
	if got := testutil.ToFloat64(recoveryPrompts.WithLabelValues("host-metrics", "suppressed")); got != 2 {
		t.Fatalf("unexpected suppressed count: %v", got)
	}
}

func TestGaugesTrackBooleans(t *testing.T) {
	testlog.Start(t)
	SetPresenceDeferred("host-gauge", true)
	if got := testutil.ToFloat64(presenceDeferred.WithLabelValues("host-gauge")); got != 1 {
		t.Fatalf("expected deferred gauge 1, got %v", got)
	}
	SetPresenceDeferred("host-gauge", false)
	if got := testutil.ToFloat64(presenceDeferred.WithLabelValues("host-gauge")); got != 0 {
		t.Fatalf("expected deferred gauge 0, got %v", got)
	}
	SetEndpointPinning("folder-gauge", false)
	if got := testutil.ToFloat64(endpointPinning.WithLabelValues("folder-gauge")); got != 0 {
		t.Fatalf("expected pinning gauge 0, got %v", got)
	}
}
