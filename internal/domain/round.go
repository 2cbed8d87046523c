package domain

import "time"

// RoundDuration is the fixed length of a trading round. Polymarket's
// short-term UP/DOWN markets roll on quarter-hour boundaries.
const RoundDuration = 15 * time.Minute

// TradingRound identifies the window within which a two-leg trade must
// complete. Exactly one round is active per market at a time.
type TradingRound struct {
	MarketSlug string
	Start      time.Time
	End        time.Time
}

// NewTradingRound returns the round containing ts for the given market.
func NewTradingRound(marketSlug string, ts time.Time) TradingRound {
	start := RoundStart(ts)
	return TradingRound{
		MarketSlug: marketSlug,
		Start:      start,
		End:        start.Add(RoundDuration),
	}
}

// Contains reports whether ts falls inside the round window.
func (r TradingRound) Contains(ts time.Time) bool {
	return !ts.Before(r.Start) && ts.Before(r.End)
}

// Expired reports whether the round window has elapsed at ts.
func (r TradingRound) Expired(ts time.Time) bool {
	return !ts.Before(r.End)
}

// RoundStart floors ts to the containing quarter-hour boundary (UTC).
func RoundStart(ts time.Time) time.Time {
	return ts.UTC().Truncate(RoundDuration)
}

// RoundEnd returns the end of the round containing ts.
func RoundEnd(ts time.Time) time.Time {
	return RoundStart(ts).Add(RoundDuration)
}

// SecondsRemaining returns whole seconds left in the round containing ts.
func SecondsRemaining(ts time.Time) int64 {
	rem := RoundEnd(ts).Sub(ts)
	if rem < 0 {
		return 0
	}
	return int64(rem.Seconds())
}

// WithinEntryWindow reports whether ts is within the first windowMin minutes
// of its round, the only span during which a crash leg may be opened.
func WithinEntryWindow(ts time.Time, windowMin int) bool {
	elapsed := ts.Sub(RoundStart(ts))
	return elapsed >= 0 && elapsed < time.Duration(windowMin)*time.Minute
}

// RoundPhase is the lifecycle phase of a round's two-leg trade.
type RoundPhase string

const (
	PhaseIdle         RoundPhase = "idle"
	PhaseCrashPending RoundPhase = "crash_pending"
	PhaseCrashFilled  RoundPhase = "crash_filled"
	PhaseHedgePending RoundPhase = "hedge_pending"
	PhaseHedged       RoundPhase = "hedged"
	PhaseExpired      RoundPhase = "expired"
	PhaseAborted      RoundPhase = "aborted"
)

// Terminal reports whether the phase admits no further transitions.
func (p RoundPhase) Terminal() bool {
	switch p {
	case PhaseHedged, PhaseExpired, PhaseAborted:
		return true
	}
	return false
}
