package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMustRegisterRegistersEveryCollector(t *testing.T) {
	m := New("node1")
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() { m.MustRegister(reg) })

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestCountersAndGaugesAreUsable(t *testing.T) {
	m := New("node1")
	m.CommitTotal.Inc()
	m.BFAbortTotal.Inc()
	m.LastAppliedGauge.Set(42)

	require.Equal(t, float64(1), testutil.ToFloat64(m.CommitTotal))
	require.Equal(t, float64(1), testutil.ToFloat64(m.BFAbortTotal))
	require.Equal(t, float64(42), testutil.ToFloat64(m.LastAppliedGauge))
}
