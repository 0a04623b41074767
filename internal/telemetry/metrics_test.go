package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordClaimed(3)
		m.RecordStarted("embedding")
		m.RecordFinished("embedding", "done", 0.1)
		m.RecordTokens("mock", "embedding", 10)
		m.RecordSubmitted(2, 1)
		m.RecordReaped(1, 0)
	})
}

func TestNewMetricsWithNoopMeter(t *testing.T) {
	m, err := NewMetrics(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		m.RecordFinished("qa", "failed", 1.5)
		m.RecordCircuitBreakerState("mock", "open")
		m.RecordReindexed(5)
	})
}
