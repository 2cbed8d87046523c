package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRoundStart(t *testing.T) {
	ts := time.Date(2026, 3, 14, 12, 7, 42, 123, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC), RoundStart(ts))

	// A boundary timestamp starts its own round.
	boundary := time.Date(2026, 3, 14, 12, 15, 0, 0, time.UTC)
	assert.Equal(t, boundary, RoundStart(boundary))
}

func TestTradingRoundWindow(t *testing.T) {
	r := NewTradingRound("btc-updown-15m", time.Date(2026, 3, 14, 12, 7, 0, 0, time.UTC))

	assert.Equal(t, time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC), r.Start)
	assert.Equal(t, time.Date(2026, 3, 14, 12, 15, 0, 0, time.UTC), r.End)

	assert.True(t, r.Contains(r.Start))
	assert.True(t, r.Contains(r.End.Add(-time.Second)))
	assert.False(t, r.Contains(r.End), "end is exclusive")

	assert.False(t, r.Expired(r.End.Add(-time.Nanosecond)))
	assert.True(t, r.Expired(r.End))
}

func TestSecondsRemaining(t *testing.T) {
	ts := time.Date(2026, 3, 14, 12, 14, 30, 0, time.UTC)
	assert.Equal(t, int64(30), SecondsRemaining(ts))

	start := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, int64(900), SecondsRemaining(start))
}

func TestWithinEntryWindow(t *testing.T) {
	start := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	assert.True(t, WithinEntryWindow(start, 3))
	assert.True(t, WithinEntryWindow(start.Add(2*time.Minute+59*time.Second), 3))
	assert.False(t, WithinEntryWindow(start.Add(3*time.Minute), 3))
	assert.False(t, WithinEntryWindow(start.Add(10*time.Minute), 3))
}

func TestRoundPhaseTerminal(t *testing.T) {
	for _, p := range []RoundPhase{PhaseHedged, PhaseExpired, PhaseAborted} {
		assert.True(t, p.Terminal(), string(p))
	}
	for _, p := range []RoundPhase{PhaseIdle, PhaseCrashPending, PhaseCrashFilled, PhaseHedgePending} {
		assert.False(t, p.Terminal(), string(p))
	}
}
