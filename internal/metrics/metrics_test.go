package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.IncrementAdministered("Gf")
	m.IncrementAdministered("Gf")
	m.IncrementStopped("Gf", "precision")
	m.SetFlagged("Gq", 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ItemsAdministered.WithLabelValues("Gf")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SubtestsStopped.WithLabelValues("Gf", "precision")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DIFItemsFlagged.WithLabelValues("Gq")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncrementAdministered("Gf")
		m.IncrementStopped("Gf", "cap")
		m.IncrementPolicyViolation("Gf", "anchor")
		m.IncrementReports()
		m.SetFlagged("Gf", 1)
		m.IncrementFlushes()
	})
}
