package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Enqueued(2)
	m.Attempt("transient", "protocol", 300*time.Millisecond)
	m.Attempt("delivered", "", 50*time.Millisecond)
	m.Recipients("delivered", 3)
	m.Recipients("bounced", 0)
	m.Expired(1)
	m.DSN("failed")
	m.PersistenceError("persist_state")
	m.PersistenceError("persist_state")
	m.SetInFlight(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.enqueued))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("transient", "protocol")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("delivered", "none")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.recipients.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.expired))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dsns.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.persistenceErrors.WithLabelValues("persist_state")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.inFlight))

	expected := `
# HELP elemta_queue_persistence_errors_total Total number of store failures while recording queue state
# TYPE elemta_queue_persistence_errors_total counter
elemta_queue_persistence_errors_total{op="persist_state"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "elemta_queue_persistence_errors_total"))

	families, err := reg.Gather()
	require.NoError(t, err)
	var hist *dto.Histogram
	for _, mf := range families {
		if mf.GetName() == "elemta_queue_attempt_duration_seconds" {
			hist = mf.GetMetric()[0].GetHistogram()
		}
	}
	require.NotNil(t, hist)
	assert.Equal(t, uint64(2), hist.GetSampleCount())
	assert.InDelta(t, 0.35, hist.GetSampleSum(), 1e-9)
}

func TestSetStatesReplacesValues(t *testing.T) {
	m := New(nil)

	m.SetStates(map[string]int{"queued": 3, "deferred": 1})
	assert.Equal(t, 3.0, testutil.ToFloat64(m.states.WithLabelValues("queued")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.states))

	m.SetStates(map[string]int{"deferred": 5})
	assert.Equal(t, 1, testutil.CollectAndCount(m.states))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.states.WithLabelValues("deferred")))
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	assert.NotPanics(t, func() {
		r.Enqueued(1)
		r.Attempt("delivered", "", time.Second)
		r.Recipients("delivered", 1)
		r.Expired(1)
		r.DSN("failed")
		r.PersistenceError("persist_state")
		r.SetInFlight(0)
		r.SetStates(nil)
	})
}
