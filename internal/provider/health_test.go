package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthTrackerBackoffCurve(t *testing.T) {
	h := NewHealthTracker(5, 60*time.Second)

	h.RecordFailure()
	assert.InDelta(t, 2*time.Second, h.TimeUntilRetry(), float64(200*time.Millisecond))

	h.RecordFailure()
	assert.InDelta(t, 4*time.Second, h.TimeUntilRetry(), float64(200*time.Millisecond))
}

func TestHealthTrackerBackoffCapsAtMax(t *testing.T) {
	h := NewHealthTracker(20, 60*time.Second)
	for i := 0; i < 10; i++ {
		h.RecordFailure()
	}
	assert.LessOrEqual(t, h.TimeUntilRetry(), 60*time.Second)
}

func TestHealthTrackerShouldDegrade(t *testing.T) {
	h := NewHealthTracker(3, time.Minute)
	assert.False(t, h.ShouldDegrade())
	h.RecordFailure()
	h.RecordFailure()
	assert.False(t, h.ShouldDegrade())
	h.RecordFailure()
	assert.True(t, h.ShouldDegrade())
}

func TestHealthTrackerSuccessResetsConsecutive(t *testing.T) {
	h := NewHealthTracker(3, time.Minute)
	h.RecordFailure()
	h.RecordFailure()
	h.RecordSuccess()
	assert.Equal(t, 0, h.ConsecutiveFailures())
}

func TestHealthTrackerSuccessRateDefaultsToOne(t *testing.T) {
	h := NewHealthTracker(3, time.Minute)
	assert.Equal(t, 1.0, h.SuccessRate())
}

func TestHealthTrackerInvocationFailureDoesNotCountConsecutive(t *testing.T) {
	h := NewHealthTracker(3, time.Minute)
	h.RecordInvocationFailure()
	h.RecordInvocationFailure()
	h.RecordInvocationFailure()
	assert.Equal(t, 0, h.ConsecutiveFailures())
	assert.False(t, h.ShouldDegrade())
	assert.Equal(t, int64(3), h.TotalFailures())
}
