package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetLatencyEMA(t *testing.T) {
	target := NewTarget("a", "https://a.example.com")

	target.RecordResult(100*time.Millisecond, true)
	assert.Equal(t, 100*time.Millisecond, target.AvgLatency())

	// 0.9*100ms + 0.1*200ms = 110ms
	target.RecordResult(200*time.Millisecond, true)
	assert.Equal(t, 110*time.Millisecond, target.AvgLatency())
}

func TestTargetConsecutiveFailuresMarkCircuitOpen(t *testing.T) {
	target := NewTarget("a", "https://a.example.com")

	for i := 0; i < 4; i++ {
		target.RecordResult(time.Millisecond, false)
		assert.True(t, target.Status() == StatusDegraded, "still degraded after %d failures", i+1)
	}
	target.RecordResult(time.Millisecond, false)
	assert.Equal(t, StatusCircuitOpen, target.Status())
	assert.False(t, target.Available())
}

func TestTargetSuccessResetsFailureStreak(t *testing.T) {
	target := NewTarget("a", "https://a.example.com")

	for i := 0; i < 4; i++ {
		target.RecordResult(time.Millisecond, false)
	}
	target.RecordResult(time.Millisecond, true)
	assert.Equal(t, 0, target.ConsecutiveFailures())
	assert.Equal(t, StatusHealthy, target.Status())

	// The streak starts over
	target.RecordResult(time.Millisecond, false)
	assert.Equal(t, StatusDegraded, target.Status())
}

func TestTargetProbeClearsCircuitOpen(t *testing.T) {
	target := NewTarget("a", "https://a.example.com")
	for i := 0; i < 5; i++ {
		target.RecordResult(time.Millisecond, false)
	}
	require.Equal(t, StatusCircuitOpen, target.Status())

	target.RecordProbe(true)
	assert.Equal(t, StatusHealthy, target.Status())
	assert.True(t, target.Available())
}

func TestTargetProbeNeverClearsMaintenance(t *testing.T) {
	target := NewTarget("a", "https://a.example.com")
	target.SetStatus(StatusMaintenance)

	target.RecordProbe(true)
	assert.Equal(t, StatusMaintenance, target.Status())
	assert.False(t, target.Available())
}

func TestTargetFailingProbesMarkUnhealthy(t *testing.T) {
	target := NewTarget("a", "https://a.example.com")
	for i := 0; i < 5; i++ {
		target.RecordProbe(false)
	}
	assert.Equal(t, StatusUnhealthy, target.Status())
	assert.False(t, target.Available())
}

func TestTargetDisabledIsUnavailable(t *testing.T) {
	target := NewTarget("a", "https://a.example.com")
	require.True(t, target.Available())

	target.SetEnabled(false)
	assert.False(t, target.Available())

	target.SetEnabled(true)
	assert.True(t, target.Available())
}

func TestTargetSuccessRate(t *testing.T) {
	target := NewTarget("a", "https://a.example.com")
	assert.Equal(t, 1.0, target.SuccessRate())

	target.RecordResult(time.Millisecond, true)
	target.RecordResult(time.Millisecond, true)
	target.RecordResult(time.Millisecond, false)
	assert.InDelta(t, 2.0/3.0, target.SuccessRate(), 1e-9)
}

func TestTargetCompositeScore(t *testing.T) {
	target := NewTarget("a", "https://a.example.com")

	// Healthy, no requests, zero latency: 0.4 + 0.4 + 0.2
	assert.InDelta(t, 1.0, target.CompositeScore(), 1e-9)

	target.RecordResult(time.Second, false)
	// Degraded (0.5 health), success rate 0, latency 1s
	expected := 0.4*0.5 + 0.4*0 + 0.2*(1.0/2.0)
	assert.InDelta(t, expected, target.CompositeScore(), 1e-9)
}
