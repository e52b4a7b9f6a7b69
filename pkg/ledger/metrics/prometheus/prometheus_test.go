package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/mihaimyh/creditledger/pkg/ledger"
)

var _ ledger.Metrics = (*Metrics)(nil)

func findMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestPrometheusMetrics_RecordGrant(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordGrant("purchased", 500)
	metrics.RecordGrant("purchased", 1000)
	metrics.RecordGrant("adjustment", -20)

	credits := findMetric(t, reg, "test_ledger_credits_granted_total")
	if len(credits.GetMetric()) != 1 {
		t.Fatalf("expected only positive grants to be counted, got %d series", len(credits.GetMetric()))
	}
	if got := credits.GetMetric()[0].GetCounter().GetValue(); got != 1500 {
		t.Errorf("credits granted = %v, want 1500", got)
	}

	grants := findMetric(t, reg, "test_ledger_grants_total")
	if len(grants.GetMetric()) != 2 {
		t.Errorf("expected two grant series, got %d", len(grants.GetMetric()))
	}
}

func TestPrometheusMetrics_RecordConsume(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordConsume(ledger.OutcomeSuccess, 10)
	metrics.RecordConsume(ledger.OutcomeInsufficient, 99)
	metrics.RecordConsume(ledger.OutcomeSuccess, 5)

	mf := findMetric(t, reg, "test_ledger_consume_total")
	for _, m := range mf.GetMetric() {
		want := 1.0
		if labelValue(m, "outcome") == ledger.OutcomeSuccess {
			want = 2
		}
		if got := m.GetCounter().GetValue(); got != want {
			t.Errorf("outcome %s = %v, want %v", labelValue(m, "outcome"), got, want)
		}
	}
}

func TestPrometheusMetrics_RecordExpired(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordExpired(3, 42)
	metrics.RecordExpired(0, 0)

	if got := findMetric(t, reg, "test_ledger_entries_expired_total").GetMetric()[0].GetCounter().GetValue(); got != 3 {
		t.Errorf("entries expired = %v, want 3", got)
	}
	if got := findMetric(t, reg, "test_ledger_credits_expired_total").GetMetric()[0].GetCounter().GetValue(); got != 42 {
		t.Errorf("credits expired = %v, want 42", got)
	}
}

func TestPrometheusMetrics_RecordOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordOperation("grant", 5*time.Millisecond, nil)
	metrics.RecordOperation("grant", 7*time.Millisecond, errors.New("storage down"))
	metrics.RecordConflictRetry("grant")

	duration := findMetric(t, reg, "test_ledger_operation_duration_seconds")
	if got := duration.GetMetric()[0].GetHistogram().GetSampleCount(); got != 2 {
		t.Errorf("sample count = %d, want 2", got)
	}
	if got := findMetric(t, reg, "test_ledger_operation_errors_total").GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
	if got := findMetric(t, reg, "test_ledger_conflict_retries_total").GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("conflict retries = %v, want 1", got)
	}
}
