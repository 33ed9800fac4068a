package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "")

	p.Grant(true)
	p.Grant(false)
	p.Grant(false)
	p.Delivery("ok")
	p.EngineOutcome("toggle", "not_found")
	p.BroadcastFinished(3, 2)
	p.Interaction("message", true)
	p.StoreRetry("grant")

	require.Equal(t, 1.0, testutil.ToFloat64(p.grants.WithLabelValues("new")))
	require.Equal(t, 2.0, testutil.ToFloat64(p.grants.WithLabelValues("repeat")))
	require.Equal(t, 1.0, testutil.ToFloat64(p.engineOutcomes.WithLabelValues("toggle", "not_found")))
	require.Equal(t, 1.0, testutil.ToFloat64(p.broadcasts))
	require.Equal(t, 1.0, testutil.ToFloat64(p.interactions.WithLabelValues("message", "true")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["proxybot_engine_grants_total"])
	require.True(t, names["proxybot_store_retries_total"])
}

func TestOrNop(t *testing.T) {
	require.Equal(t, Nop{}, OrNop(nil))
	p := NewPrometheus(prometheus.NewRegistry(), "x")
	require.Same(t, p, OrNop(p))
}
