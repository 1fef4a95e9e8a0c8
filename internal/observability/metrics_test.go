package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveDecision(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveDecision("hitl", "allow", 120*time.Millisecond)
	m.ObserveDecision("hitl", "deny", 80*time.Millisecond)
	m.ObserveDecision("deny", "deny", time.Millisecond)

	if got := testutil.ToFloat64(m.DecisionCounter.WithLabelValues("hitl", "allow")); got != 1 {
		t.Errorf("hitl/allow = %f", got)
	}
	if got := testutil.ToFloat64(m.DecisionCounter.WithLabelValues("deny", "deny")); got != 1 {
		t.Errorf("deny/deny = %f", got)
	}
	if n := testutil.CollectAndCount(m.PipelineDuration); n == 0 {
		t.Error("pipeline histogram recorded nothing")
	}
}

func TestGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.PendingApprovals.Inc()
	m.PendingApprovals.Inc()
	m.PendingApprovals.Dec()
	if got := testutil.ToFloat64(m.PendingApprovals); got != 1 {
		t.Errorf("pending approvals = %f", got)
	}

	m.ActiveSessions.Set(3)
	if got := testutil.ToFloat64(m.ActiveSessions); got != 3 {
		t.Errorf("active sessions = %f", got)
	}
}

func TestObserveShieldProbe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveShieldProbe("clean", 40*time.Millisecond)
	m.ObserveShieldProbe("attack", 35*time.Millisecond)
	m.ObserveShieldProbe("error", 2*time.Second)

	if n := testutil.CollectAndCount(m.ShieldProbeDuration); n != 3 {
		t.Errorf("shield probe series = %d, want 3", n)
	}
}
