package ccsd

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	s, err := NewSolver(tightConfig(), WithLogger(quietLogger()), WithMetrics(m))
	require.NoError(t, err)

	res, err := s.Kernel(h2(t), nil)
	require.NoError(t, err)
	require.True(t, res.Converged)

	require.Equal(t, float64(res.Cycles), testutil.ToFloat64(m.Cycles))
	require.Equal(t, res.ECorr, testutil.ToFloat64(m.ECorr))
	last := res.History[len(res.History)-1]
	require.Equal(t, last.Normt, testutil.ToFloat64(m.Normt))
	require.Equal(t, last.DeltaE, testutil.ToFloat64(m.DeltaE))
	require.Equal(t, 1, testutil.CollectAndCount(m.UpdateSeconds))

	n, err := testutil.GatherAndCount(reg, "ccsd_cycles_total", "ccsd_energy_corr")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestMetricsNil(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.observe(1, 2, 3, 4)
	m.diisFallback()
}
