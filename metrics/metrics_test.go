package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func family(t *testing.T, m *Metrics, name string) *dto.MetricFamily {
	t.Helper()
	families, err := m.Gatherer().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func TestCounters(t *testing.T) {
	m := New()
	m.LotsCreated("whole-milk", 3)
	m.LotsCreated("whole-milk", 2)
	m.StepOutcome("sensor", OutcomeCompleted)
	m.TxResult("OK")
	m.TxResult("Unauthorized")
	m.BlockCommitted(12)
	m.ObserveBlock(3 * time.Millisecond)
	m.ProjectionResync()

	resyncs := family(t, m, "milkchain_projection_resyncs_total")
	require.NotNil(t, resyncs)
	assert.Equal(t, 1.0, resyncs.GetMetric()[0].GetCounter().GetValue())

	lots := family(t, m, "milkchain_ledger_lots_created_total")
	require.NotNil(t, lots)
	require.Len(t, lots.GetMetric(), 1)
	assert.Equal(t, 5.0, lots.GetMetric()[0].GetCounter().GetValue())

	txs := family(t, m, "milkchain_ledger_tx_results_total")
	require.NotNil(t, txs)
	assert.Len(t, txs.GetMetric(), 2)

	height := family(t, m, "milkchain_ledger_block_height")
	require.NotNil(t, height)
	assert.Equal(t, 12.0, height.GetMetric()[0].GetGauge().GetValue())
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.LotsCreated("long-life", 1)
		m.StepOutcome("supervisor", OutcomeFailed)
		m.TxResult("OK")
		m.BlockCommitted(1)
		m.ObserveBlock(time.Second)
		m.ProjectionPending(3)
		m.ProjectionResync()
		m.ObserveHTTP(http.MethodGet, "/lots", http.StatusOK, time.Millisecond)
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveHTTP(http.MethodPost, "/lots", http.StatusCreated, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "milkchain_http_request_duration_seconds"))
	assert.True(t, strings.Contains(body, "go_goroutines"))
}
