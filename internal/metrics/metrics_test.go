package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorsRegistered(t *testing.T) {
	if len(Collectors()) == 0 {
		t.Fatal("expected at least one collector, got 0")
	}
	// building the registry twice must not panic on duplicate registration
	Registry()
	Registry()
}

func TestMetricNamingConvention(t *testing.T) {
	for _, c := range Collectors() {
		ch := make(chan *prometheus.Desc, 10)
		c.Describe(ch)
		close(ch)

		for desc := range ch {
			name := extractField(desc, "fqName")
			if !strings.HasPrefix(name, "clickpay_") {
				t.Errorf("metric %q does not start with clickpay_ prefix", name)
			}
			if help := extractField(desc, "help"); help == "" {
				t.Errorf("metric %q has empty help string", name)
			}
		}
	}
}

func TestCounterVecLabels(t *testing.T) {
	tests := []struct {
		name      string
		collector *prometheus.CounterVec
		label     string
	}{
		{"SettlementsTotal", SettlementsTotal, "outcome"},
		{"WithdrawalsRequestedTotal", WithdrawalsRequestedTotal, "method"},
		{"WithdrawalsResolvedTotal", WithdrawalsResolvedTotal, "decision"},
		{"DispatchJobsTotal", DispatchJobsTotal, "event"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := make(chan *prometheus.Desc, 1)
			tt.collector.Describe(ch)
			desc := <-ch
			close(ch)

			if !strings.Contains(desc.String(), tt.label) {
				t.Errorf("metric %s missing label %q in descriptor: %s", tt.name, tt.label, desc)
			}
		})
	}
}

func TestCounterIncrements(t *testing.T) {
	before := testutil.ToFloat64(DispatchJobsTotal.WithLabelValues("enqueued"))

	DispatchJobsTotal.WithLabelValues("enqueued").Inc()

	if got := testutil.ToFloat64(DispatchJobsTotal.WithLabelValues("enqueued")); got != before+1 {
		t.Errorf("enqueued = %v, want %v", got, before+1)
	}
}

// extractField pulls a quoted field out of the Desc string form:
// Desc{fqName: "clickpay_...", help: "...", ...}
func extractField(desc *prometheus.Desc, field string) string {
	s := desc.String()
	prefix := field + ": \""
	start := strings.Index(s, prefix)
	if start < 0 {
		return ""
	}
	start += len(prefix)
	end := strings.Index(s[start:], "\"")
	if end < 0 {
		return ""
	}
	return s[start : start+end]
}
