package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashhedge/crashbot/internal/domain"
)

var roundStart = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeAdapter scripts Submit outcomes per call: a nil entry acknowledges, a
// non-nil entry is returned as the submission error. Entries past the script
// acknowledge.
type fakeAdapter struct {
	mu        sync.Mutex
	script    []error
	submits   []domain.OrderIntent
	cancels   []string
	cancelErr error
	updates   chan domain.OrderUpdate
}

func newFakeAdapter(script ...error) *fakeAdapter {
	return &fakeAdapter{script: script, updates: make(chan domain.OrderUpdate, 16)}
}

func (f *fakeAdapter) Submit(_ context.Context, intent domain.OrderIntent) (domain.OrderUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, intent)
	if len(f.script) > 0 {
		err := f.script[0]
		f.script = f.script[1:]
		if err != nil {
			return domain.OrderUpdate{}, err
		}
	}
	return domain.OrderUpdate{
		ClientOrderID: intent.ClientOrderID,
		Status:        domain.OrderStatusAcknowledged,
		VenueID:       "venue-1",
		TS:            time.Now().UTC(),
	}, nil
}

func (f *fakeAdapter) Cancel(_ context.Context, clientOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, clientOrderID)
	return f.cancelErr
}

func (f *fakeAdapter) QueryStatus(context.Context, string) (domain.OrderUpdate, error) {
	return domain.OrderUpdate{}, nil
}

func (f *fakeAdapter) Updates() <-chan domain.OrderUpdate { return f.updates }

func (f *fakeAdapter) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

type memStore struct {
	mu     sync.Mutex
	events []domain.TradeEvent
}

func (s *memStore) Insert(_ context.Context, ev domain.TradeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memStore) ListByRound(context.Context, string, time.Time) ([]domain.TradeEvent, error) {
	return nil, nil
}

func (s *memStore) ListBefore(context.Context, time.Time) ([]domain.TradeEvent, error) {
	return nil, nil
}

func (s *memStore) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func (s *memStore) all() []domain.TradeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TradeEvent, len(s.events))
	copy(out, s.events)
	return out
}

type fakeAlerter struct {
	mu     sync.Mutex
	events []string
}

func (a *fakeAlerter) Notify(_ context.Context, event, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func enterLeg() domain.Decision {
	return domain.Decision{
		Kind:          domain.DecisionEnterLeg,
		MarketSlug:    "btc-updown-15m",
		RoundStart:    roundStart,
		Side:          domain.LegSideUp,
		Price:         0.34,
		Size:          50,
		ClientOrderID: domain.ClientOrderID("btc-updown-15m", roundStart, domain.LegCrash, 1),
	}
}

func enterHedge() domain.Decision {
	return domain.Decision{
		Kind:           domain.DecisionEnterHedge,
		MarketSlug:     "btc-updown-15m",
		RoundStart:     roundStart,
		Side:           domain.LegSideDown,
		Price:          0.55,
		Size:           50,
		ExpectedProfit: 4.61,
		ClientOrderID:  domain.ClientOrderID("btc-updown-15m", roundStart, domain.LegHedge, 1),
	}
}

func newTestManager(adapter domain.ExecutionAdapter, store domain.TradeEventStore) *Manager {
	m := NewManager(adapter, store, DefaultConfig(), testLogger())
	m.SetSleep(func(context.Context, time.Duration) error { return nil })
	return m
}

func TestManager_SubmitAcknowledged(t *testing.T) {
	ctx := context.Background()
	adapter := newFakeAdapter()
	store := &memStore{}
	m := newTestManager(adapter, store)

	applied, err := m.Execute(ctx, enterLeg())
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, domain.OrderStatusSubmitted, applied[0].Status)
	assert.Equal(t, domain.OrderStatusAcknowledged, applied[1].Status)

	ord, ok := m.Order(applied[0].ClientOrderID)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusAcknowledged, ord.Status)
	assert.Equal(t, "venue-1", ord.VenueID)

	// One trade event per applied transition, no event for Created.
	events := store.all()
	require.Len(t, events, 2)
	assert.Equal(t, domain.OrderStatusSubmitted, events[0].Status)
	assert.Equal(t, domain.OrderStatusAcknowledged, events[1].Status)
	assert.Nil(t, events[0].ExpectedLockedProfit, "crash legs carry no locked profit")
}

func TestManager_DuplicateSubmitSuppressed(t *testing.T) {
	ctx := context.Background()
	adapter := newFakeAdapter()
	m := newTestManager(adapter, &memStore{})

	_, err := m.Execute(ctx, enterLeg())
	require.NoError(t, err)

	applied, err := m.Execute(ctx, enterLeg())
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.Equal(t, 1, adapter.submitCount())
}

func TestManager_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	transient := &domain.SubmissionError{ClientOrderID: "x", Reason: "timeout", Retryable: true}
	adapter := newFakeAdapter(transient, transient, nil)
	m := newTestManager(adapter, &memStore{})

	var slept []time.Duration
	m.SetSleep(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	})

	applied, err := m.Execute(ctx, enterLeg())
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, domain.OrderStatusAcknowledged, applied[1].Status)
	assert.Equal(t, 3, adapter.submitCount())
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 500 * time.Millisecond}, slept)
}

func TestManager_HardRejectionIsNotRetried(t *testing.T) {
	ctx := context.Background()
	hard := &domain.SubmissionError{ClientOrderID: "x", Reason: "insufficient balance", Retryable: false}
	adapter := newFakeAdapter(hard)
	store := &memStore{}
	m := newTestManager(adapter, store)

	d := enterLeg()
	applied, err := m.Execute(ctx, d)
	require.Error(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, d.ClientOrderID, applied[0].ClientOrderID)
	assert.Equal(t, domain.OrderStatusSubmitted, applied[0].Status)
	assert.Equal(t, d.ClientOrderID, applied[1].ClientOrderID)
	assert.Equal(t, domain.OrderStatusRejected, applied[1].Status)
	assert.Equal(t, 1, adapter.submitCount())

	// The Submitted transition is on record ahead of the rejection.
	events := store.all()
	require.Len(t, events, 2)
	assert.Equal(t, domain.OrderStatusSubmitted, events[0].Status)
	assert.Equal(t, domain.OrderStatusRejected, events[1].Status)

	ord, ok := m.Order(applied[0].ClientOrderID)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusRejected, ord.Status)
}

func TestManager_RetryBudgetExhaustedAlerts(t *testing.T) {
	ctx := context.Background()
	transient := &domain.SubmissionError{ClientOrderID: "x", Reason: "timeout", Retryable: true}
	adapter := newFakeAdapter(transient, transient, transient, transient)
	m := newTestManager(adapter, &memStore{})
	alerter := &fakeAlerter{}
	m.SetAlerter(alerter)

	applied, err := m.Execute(ctx, enterLeg())
	require.Error(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, domain.OrderStatusSubmitted, applied[0].Status)
	assert.Equal(t, domain.OrderStatusRejected, applied[1].Status)
	assert.Equal(t, 4, adapter.submitCount(), "initial attempt plus MaxRetries")
	assert.Equal(t, []string{"execution_error"}, alerter.events)
}

func TestManager_CancelUnknownOrder(t *testing.T) {
	m := newTestManager(newFakeAdapter(), &memStore{})

	_, err := m.Execute(context.Background(), domain.Decision{
		Kind:          domain.DecisionCancel,
		ClientOrderID: "never-submitted",
	})
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestManager_CancelAfterFillIsNoOp(t *testing.T) {
	ctx := context.Background()
	adapter := newFakeAdapter()
	m := newTestManager(adapter, &memStore{})

	d := enterLeg()
	_, err := m.Execute(ctx, d)
	require.NoError(t, err)

	_, fresh := m.OnStatus(ctx, domain.OrderUpdate{
		ClientOrderID: d.ClientOrderID,
		Status:        domain.OrderStatusFilled,
		FilledSize:    d.Size,
		FillPrice:     d.Price,
		TS:            roundStart.Add(time.Minute),
	})
	require.True(t, fresh)

	applied, err := m.Execute(ctx, domain.Decision{Kind: domain.DecisionCancel, ClientOrderID: d.ClientOrderID})
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.Empty(t, adapter.cancels, "the fill won the race")
}

func TestManager_CancelPendingOrder(t *testing.T) {
	ctx := context.Background()
	adapter := newFakeAdapter()
	m := newTestManager(adapter, &memStore{})

	d := enterLeg()
	_, err := m.Execute(ctx, d)
	require.NoError(t, err)

	_, err = m.Execute(ctx, domain.Decision{Kind: domain.DecisionCancel, ClientOrderID: d.ClientOrderID})
	require.NoError(t, err)
	assert.Equal(t, []string{d.ClientOrderID}, adapter.cancels)
}

func TestManager_DuplicateAndPostTerminalUpdatesIgnored(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(newFakeAdapter(), &memStore{})

	d := enterLeg()
	_, err := m.Execute(ctx, d)
	require.NoError(t, err)

	fill := domain.OrderUpdate{
		ClientOrderID: d.ClientOrderID,
		Status:        domain.OrderStatusFilled,
		FilledSize:    d.Size,
		TS:            roundStart.Add(time.Minute),
	}
	_, fresh := m.OnStatus(ctx, fill)
	require.True(t, fresh)

	_, fresh = m.OnStatus(ctx, fill)
	assert.False(t, fresh, "duplicate terminal update")

	_, fresh = m.OnStatus(ctx, domain.OrderUpdate{
		ClientOrderID: d.ClientOrderID,
		Status:        domain.OrderStatusCancelled,
		TS:            roundStart.Add(2 * time.Minute),
	})
	assert.False(t, fresh, "update after terminal state")
}

func TestManager_HedgeEventsCarryLockedProfit(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	m := newTestManager(newFakeAdapter(), store)

	_, err := m.Execute(ctx, enterHedge())
	require.NoError(t, err)

	events := store.all()
	require.NotEmpty(t, events)
	for _, ev := range events {
		assert.Equal(t, domain.LegHedge, ev.Leg)
		require.NotNil(t, ev.ExpectedLockedProfit)
		assert.InDelta(t, 4.61, *ev.ExpectedLockedProfit, 1e-9)
	}
}

func TestManager_PollDrainsAdapterUpdates(t *testing.T) {
	ctx := context.Background()
	adapter := newFakeAdapter()
	m := newTestManager(adapter, &memStore{})

	d := enterLeg()
	_, err := m.Execute(ctx, d)
	require.NoError(t, err)

	adapter.updates <- domain.OrderUpdate{
		ClientOrderID: d.ClientOrderID,
		Status:        domain.OrderStatusFilled,
		FilledSize:    d.Size,
		FillPrice:     d.Price,
		TS:            roundStart.Add(time.Minute),
	}

	applied := m.Poll(ctx)
	require.Len(t, applied, 1)
	assert.Equal(t, domain.OrderStatusFilled, applied[0].Status)

	assert.Empty(t, m.Poll(ctx), "stream already drained")
}

// gatedAdapter holds Submit open until released, exposing the in-flight
// submission window. Adapter calls are logged in arrival order.
type gatedAdapter struct {
	*fakeAdapter
	entered chan struct{}
	release chan struct{}

	callMu sync.Mutex
	calls  []string
}

func (g *gatedAdapter) logCall(name string) {
	g.callMu.Lock()
	defer g.callMu.Unlock()
	g.calls = append(g.calls, name)
}

func (g *gatedAdapter) callLog() []string {
	g.callMu.Lock()
	defer g.callMu.Unlock()
	out := make([]string, len(g.calls))
	copy(out, g.calls)
	return out
}

func (g *gatedAdapter) Submit(ctx context.Context, intent domain.OrderIntent) (domain.OrderUpdate, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	g.logCall("submit")
	return g.fakeAdapter.Submit(ctx, intent)
}

func (g *gatedAdapter) Cancel(ctx context.Context, clientOrderID string) error {
	g.logCall("cancel")
	return g.fakeAdapter.Cancel(ctx, clientOrderID)
}

type nopRouter struct{}

func (nopRouter) HandleOrderUpdate(context.Context, domain.OrderUpdate) error { return nil }

func TestManager_RunSerializesCancelBehindSubmit(t *testing.T) {
	adapter := &gatedAdapter{
		fakeAdapter: newFakeAdapter(),
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
	m := newTestManager(adapter, &memStore{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	decisions := make(chan domain.Decision, 2)
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, decisions, nopRouter{}) }()

	d := enterLeg()
	decisions <- d
	<-adapter.entered

	// The expiry cancel lands while the submit is still in flight; it must
	// wait for the submit instead of reaching the venue first.
	decisions <- domain.Decision{
		Kind:          domain.DecisionCancel,
		MarketSlug:    d.MarketSlug,
		RoundStart:    d.RoundStart,
		ClientOrderID: d.ClientOrderID,
		Reason:        "round expired",
	}
	close(adapter.release)

	require.Eventually(t, func() bool {
		log := adapter.callLog()
		return len(log) == 2 && log[0] == "submit" && log[1] == "cancel"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestManager_StaleStatusDoesNotRegress(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(newFakeAdapter(), &memStore{})

	d := enterLeg()
	_, err := m.Execute(ctx, d)
	require.NoError(t, err)

	_, fresh := m.OnStatus(ctx, domain.OrderUpdate{
		ClientOrderID: d.ClientOrderID,
		Status:        domain.OrderStatusPartiallyFilled,
		FilledSize:    20,
		FillPrice:     d.Price,
		TS:            roundStart.Add(time.Minute),
	})
	require.True(t, fresh)

	// An acknowledgement delivered after the partial fill is stale.
	_, fresh = m.OnStatus(ctx, domain.OrderUpdate{
		ClientOrderID: d.ClientOrderID,
		Status:        domain.OrderStatusAcknowledged,
		TS:            roundStart.Add(time.Minute + time.Second),
	})
	assert.False(t, fresh)

	ord, ok := m.Order(d.ClientOrderID)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, ord.Status)
	assert.Equal(t, 20.0, ord.FilledSize)
}

func TestManager_CancelRacingVenueFill(t *testing.T) {
	ctx := context.Background()
	adapter := newFakeAdapter()
	adapter.cancelErr = fmt.Errorf("venue: %w", domain.ErrAlreadyFilled)
	m := newTestManager(adapter, &memStore{})

	d := enterLeg()
	_, err := m.Execute(ctx, d)
	require.NoError(t, err)

	// The venue filled the order before the cancel landed: warning no-op,
	// the fill arrives through the update stream.
	applied, err := m.Execute(ctx, domain.Decision{Kind: domain.DecisionCancel, ClientOrderID: d.ClientOrderID})
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.Equal(t, []string{d.ClientOrderID}, adapter.cancels)
}

func TestManager_UnknownDecisionKind(t *testing.T) {
	m := newTestManager(newFakeAdapter(), &memStore{})
	_, err := m.Execute(context.Background(), domain.Decision{Kind: "liquidate"})
	assert.Error(t, err)
}
