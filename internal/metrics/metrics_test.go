package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestMetrics_Counters(t *testing.T) {
	m := New("test")

	m.RecordClassificationFailure("open")
	m.RecordClassificationFailure("open")
	m.RecordPseudonym("email", true)
	m.RecordDetections("ssn", true, 2)
	m.RecordDecision("blocked", "policy-blocked", 3*time.Millisecond)
	m.ObservePseudonymize(time.Millisecond)
	m.RecordAuditDropped()
	m.SetWSClients(4)

	out := scrape(t, m)
	for _, want := range []string{
		`test_classification_failures_total{fail_mode="open"} 2`,
		`test_pseudonyms_total{data_type="email",new="true"} 1`,
		`test_pii_detections_total{data_type="ssn",showstopper="true"} 2`,
		`test_routing_decisions_total{outcome="blocked",provider="policy-blocked"} 1`,
		`test_decision_latency_ms_count 1`,
		`test_pseudonymize_latency_ms_count 1`,
		`test_audit_entries_dropped_total 1`,
		`test_websocket_clients 4`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNew_SeparateRegistries(t *testing.T) {
	// Registering twice must not panic on duplicate collectors
	New("dup")
	New("dup")
}
