package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.DecompositionResult("success")
		m.SubtasksAdded(3, 50)
		m.LLMCall()
		m.DependencyCreated()
		m.Rejected("cycle")
		m.Skipped("no_requires")
		m.Assignment("assigned")
		m.ClaimConflict()
		m.ParentCompleted()
		m.CollaboratorFailed("engine")
	})
	assert.NotNil(t, m.Handler())
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.DecompositionResult("success")
	m.DecompositionResult("success")
	m.DecompositionResult("failed")
	m.SubtasksAdded(5, 72.5)
	m.Rejected("cycle")
	m.Rejected("phase_order")
	m.Rejected("cycle")
	m.ClaimConflict()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Decompositions.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decompositions.WithLabelValues("failed")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.SubtasksCreated))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.WiringRejections.WithLabelValues("cycle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClaimConflicts))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := NewRegistry()
	m.ParentCompleted()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(body), "weave_parent_completions_total 1"))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}
