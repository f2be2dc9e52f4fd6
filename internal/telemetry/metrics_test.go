package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordDelivered("events", 5)
	m.RecordDelivered("events", 3)
	m.RecordRound("events", RoundStalled)
	m.RecordCommit("events", nil)
	m.RecordCommit("events", errors.New("broker down"))
	m.SetPoolAvailable("events", 2)
	m.ObserveTask("events", 20*time.Millisecond)

	assert.Equal(t, 8.0, testutil.ToFloat64(m.recordsDelivered.WithLabelValues("events")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rounds.WithLabelValues("events", "stalled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commits.WithLabelValues("events", "failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.poolAvailable.WithLabelValues("events")))

	n, err := testutil.GatherAndCount(reg, Prefix+"task_latency_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMetrics_NilRegistererIsolated(t *testing.T) {
	// two instances must not collide on registration
	a := NewMetrics(nil)
	b := NewMetrics(nil)
	a.RecordSession("x")
	b.RecordSession("x")
	assert.Equal(t, 1.0, testutil.ToFloat64(a.sessionsCreated.WithLabelValues("x")))
}
