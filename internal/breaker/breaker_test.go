package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := New(true, 3, 60*time.Second, time.Hour)
	assert.True(t, cb.AllowSpawn())

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	assert.True(t, cb.AllowSpawn(), "threshold not yet exceeded")

	cb.RecordFailure() // 4th failure, threshold=3 -> exceeded
	assert.Equal(t, Open, cb.State())
	assert.False(t, cb.AllowSpawn(), "no spawn while open")
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	fakeNow := time.Now()
	cb := New(true, 1, 10*time.Second, time.Hour)
	cb.now = func() time.Time { return fakeNow }

	cb.RecordFailure()
	cb.RecordFailure() // opens
	assert.Equal(t, Open, cb.State())

	fakeNow = fakeNow.Add(11 * time.Second)
	assert.True(t, cb.AllowSpawn(), "cooldown elapsed: one probe allowed")
	assert.False(t, cb.AllowSpawn(), "only one probe outstanding at a time")

	cb.RecordSuccess()
	assert.Equal(t, Closed, cb.State())
	assert.True(t, cb.AllowSpawn())
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	fakeNow := time.Now()
	cb := New(true, 1, 10*time.Second, time.Hour)
	cb.now = func() time.Time { return fakeNow }

	cb.RecordFailure()
	cb.RecordFailure()
	fakeNow = fakeNow.Add(11 * time.Second)
	cb.AllowSpawn() // enters half-open, consumes probe

	cb.RecordFailure() // probe failed
	assert.Equal(t, Open, cb.State())
}

func TestCircuitBreaker_DisabledAlwaysAllows(t *testing.T) {
	cb := New(false, 1, time.Hour, time.Hour)
	cb.RecordFailure()
	cb.RecordFailure()
	assert.True(t, cb.AllowSpawn())
}

func TestBackpressure_ActivatesOverThreshold(t *testing.T) {
	bp := NewBackpressure(true, 0.5, 4)
	bp.RecordOutcome(false)
	bp.RecordOutcome(false)
	bp.RecordOutcome(true)
	bp.RecordOutcome(true)
	assert.False(t, bp.Active(), "exactly at threshold, not over")

	bp.RecordOutcome(true) // window slides to [F,T,T,T], rate 0.75
	assert.True(t, bp.Active())
}

func TestBackpressure_Disabled(t *testing.T) {
	bp := NewBackpressure(false, 0.1, 4)
	bp.RecordOutcome(true)
	bp.RecordOutcome(true)
	assert.False(t, bp.Active())
}
