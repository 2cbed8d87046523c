package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashhedge/crashbot/internal/domain"
)

// fakeLocker is an in-memory RoundLocker scripted per test.
type fakeLocker struct {
	err      error
	acquired []string
	released int
}

type fakeLease struct {
	owner *fakeLocker
}

func (l *fakeLocker) Acquire(_ context.Context, marketSlug string, roundStart time.Time, _ time.Duration) (domain.RoundLease, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.acquired = append(l.acquired, roundKey(marketSlug, roundStart))
	return &fakeLease{owner: l}, nil
}

func (l *fakeLease) Renew(context.Context, time.Duration) error { return nil }

func (l *fakeLease) Release(context.Context) error {
	l.owner.released++
	return nil
}

func fillFor(d domain.Decision) domain.OrderUpdate {
	return domain.OrderUpdate{
		ClientOrderID: d.ClientOrderID,
		Status:        domain.OrderStatusFilled,
		FilledSize:    d.Size,
		FillPrice:     d.Price,
		TS:            d.RoundStart.Add(time.Minute),
	}
}

func TestEngine_FullRoundSettlesBankroll(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(DefaultParams(), 1000, testLogger())

	// Baseline, then crash.
	require.Empty(t, e.Step(ctx, snapAt(10*time.Second, 0.58, 0.62, 0.38, 0.42)))
	decisions := e.Step(ctx, snapAt(30*time.Second, 0.30, 0.34, 0.64, 0.68))
	require.Len(t, decisions, 1)
	crash := decisions[0]
	require.Equal(t, domain.DecisionEnterLeg, crash.Kind)

	require.Empty(t, e.ApplyOrderUpdate(ctx, fillFor(crash)))

	decisions = e.Step(ctx, snapAt(time.Minute, 0.30, 0.34, 0.53, 0.55))
	require.Len(t, decisions, 1)
	hedge := decisions[0]
	require.Equal(t, domain.DecisionEnterHedge, hedge.Kind)

	require.Empty(t, e.ApplyOrderUpdate(ctx, fillFor(hedge)))
	assert.InDelta(t, 1000+hedge.ExpectedProfit, e.Bankroll(), 1e-9)
}

func TestEngine_RoundRollover(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(DefaultParams(), 1000, testLogger())

	require.Empty(t, e.Step(ctx, snapAt(10*time.Second, 0.58, 0.62, 0.38, 0.42)))

	// First snapshot of the next round retires the old machine and only
	// seeds the new round's baseline, so a low mid alone cannot trigger.
	decisions := e.Step(ctx, snapAt(15*time.Minute+5*time.Second, 0.30, 0.34, 0.64, 0.68))
	assert.Empty(t, decisions)

	// A further crash within the new round triggers against the new baseline.
	decisions = e.Step(ctx, snapAt(15*time.Minute+30*time.Second, 0.26, 0.30, 0.68, 0.72))
	require.Len(t, decisions, 1)
	assert.Equal(t, domain.DecisionEnterLeg, decisions[0].Kind)
	assert.Equal(t, testStart.Add(15*time.Minute), decisions[0].RoundStart)
}

func TestEngine_AbstainsWhenRoundLockHeld(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(DefaultParams(), 1000, testLogger())
	e.SetRoundLocker(&fakeLocker{err: domain.ErrLockHeld}, 30*time.Second)

	// The lock is checked on round open, so no machine is ever created and
	// no snapshot in the round produces a decision.
	assert.Empty(t, e.Step(ctx, snapAt(10*time.Second, 0.58, 0.62, 0.38, 0.42)))
	assert.Empty(t, e.Step(ctx, snapAt(30*time.Second, 0.30, 0.34, 0.64, 0.68)))
	assert.Empty(t, e.Step(ctx, snapAt(time.Minute, 0.30, 0.34, 0.64, 0.68)))
}

func TestEngine_ReleasesLeaseOnSettlement(t *testing.T) {
	ctx := context.Background()
	locker := &fakeLocker{}
	e := NewEngine(DefaultParams(), 1000, testLogger())
	e.SetRoundLocker(locker, 30*time.Second)

	require.Empty(t, e.Step(ctx, snapAt(10*time.Second, 0.58, 0.62, 0.38, 0.42)))
	require.Len(t, locker.acquired, 1)

	decisions := e.Step(ctx, snapAt(30*time.Second, 0.30, 0.34, 0.64, 0.68))
	require.Len(t, decisions, 1)

	// Rejection aborts the round; the lease must be released exactly once.
	e.ApplyOrderUpdate(ctx, domain.OrderUpdate{
		ClientOrderID: decisions[0].ClientOrderID,
		Status:        domain.OrderStatusRejected,
		TS:            testStart.Add(31 * time.Second),
	})
	assert.Equal(t, 1, locker.released)

	// Later snapshots in the settled round do not release again.
	e.Step(ctx, snapAt(time.Minute, 0.30, 0.34, 0.64, 0.68))
	assert.Equal(t, 1, locker.released)
}

func TestEngine_QuietMarketResumesAfterPrune(t *testing.T) {
	ctx := context.Background()
	locker := &fakeLocker{}
	e := NewEngine(DefaultParams(), 1000, testLogger())
	e.SetRoundLocker(locker, 30*time.Second)

	snapB := func(offset time.Duration) domain.MarketSnapshot {
		return domain.MarketSnapshot{
			MarketSlug: "eth-updown-15m",
			TS:         testStart.Add(offset),
			UpBid:      0.48,
			UpAsk:      0.50,
			DownBid:    0.48,
			DownAsk:    0.50,
		}
	}

	// Market A opens a round, then its feed goes quiet.
	require.Empty(t, e.Step(ctx, snapAt(10*time.Second, 0.58, 0.62, 0.38, 0.42)))
	require.Len(t, locker.acquired, 1)

	// Market B keeps streaming past A's round; A's stale machine is pruned
	// and its lease released.
	require.Empty(t, e.Step(ctx, snapB(31*time.Minute)))
	assert.Equal(t, 1, locker.released)

	// A's feed resumes: a fresh round opens and only seeds the baseline.
	require.Empty(t, e.Step(ctx, snapAt(32*time.Minute, 0.58, 0.62, 0.38, 0.42)))

	// The new round trades normally against the new baseline.
	decisions := e.Step(ctx, snapAt(32*time.Minute+20*time.Second, 0.30, 0.34, 0.64, 0.68))
	require.Len(t, decisions, 1)
	assert.Equal(t, domain.DecisionEnterLeg, decisions[0].Kind)
	assert.Equal(t, domain.RoundStart(testStart.Add(32*time.Minute)), decisions[0].RoundStart)
}

func TestEngine_UnknownOrderUpdateDropped(t *testing.T) {
	e := NewEngine(DefaultParams(), 1000, testLogger())
	decisions := e.ApplyOrderUpdate(context.Background(), domain.OrderUpdate{
		ClientOrderID: "nobody-0-crash-1",
		Status:        domain.OrderStatusFilled,
	})
	assert.Empty(t, decisions)
	assert.Equal(t, 1000.0, e.Bankroll())
}

func TestEngine_OpenCancelDecisions(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(DefaultParams(), 1000, testLogger())

	require.Empty(t, e.Step(ctx, snapAt(10*time.Second, 0.58, 0.62, 0.38, 0.42)))
	decisions := e.Step(ctx, snapAt(30*time.Second, 0.30, 0.34, 0.64, 0.68))
	require.Len(t, decisions, 1)

	cancels := e.OpenCancelDecisions(ctx)
	require.Len(t, cancels, 1)
	assert.Equal(t, domain.DecisionCancel, cancels[0].Kind)
	assert.Equal(t, decisions[0].ClientOrderID, cancels[0].ClientOrderID)
	assert.Equal(t, "shutdown", cancels[0].Reason)
}
