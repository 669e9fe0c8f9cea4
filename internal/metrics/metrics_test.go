package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestCollectorRegistersAndRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.WHCUnackedBytes.WithLabelValues("temperature").Set(1024)
	c.HeartbeatsSent.WithLabelValues("temperature").Inc()
	c.GCReclaimed.WithLabelValues("proxy_writer").Add(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, name := range []string{
		"rtpsd_whc_unacked_bytes",
		"rtpsd_reliability_heartbeats_sent_total",
		"rtpsd_gc_reclaimed_total",
	} {
		if !found[name] {
			t.Fatalf("expected metric family %q to be registered, got %v", name, familyNames(families))
		}
	}
}

func familyNames(families []*dto.MetricFamily) []string {
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	return names
}
