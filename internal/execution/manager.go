// Package execution drives orders through their lifecycle. The Manager
// consumes strategy decisions, submits them through the configured
// ExecutionAdapter (paper or live, same contract), records a TradeEvent per
// state transition, and feeds status updates back to the strategy layer.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crashhedge/crashbot/internal/domain"
)

// UpdateRouter receives applied order updates so the strategy layer can
// advance its round machines. Implemented by strategy.Engine.
type UpdateRouter interface {
	HandleOrderUpdate(ctx context.Context, upd domain.OrderUpdate) error
}

// Alerter surfaces operator-visible alerts for failures that abort a round.
// Implemented by notify.Notifier; nil disables alerting.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds the manager's retry and parallelism settings.
type Config struct {
	// MaxRetries bounds resubmission attempts for transient failures.
	MaxRetries int
	// RetryBackoff is the initial backoff, doubled per attempt.
	RetryBackoff time.Duration
	// MaxParallel bounds concurrent execution calls in Run mode so one slow
	// venue ack cannot starve other markets.
	MaxParallel int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		RetryBackoff: 250 * time.Millisecond,
		MaxParallel:  32,
	}
}

// Manager owns every order from intent to terminal state. All transitions,
// duplicate submissions, and duplicate terminal updates are idempotent.
type Manager struct {
	adapter  domain.ExecutionAdapter
	events   domain.TradeEventStore
	alerter  Alerter
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	orders map[string]*domain.Order
	locks  map[string]*sync.Mutex // serializes Run-mode execution per order
}

// NewManager creates a Manager submitting through the given adapter and
// persisting trade events to the given store.
func NewManager(adapter domain.ExecutionAdapter, events domain.TradeEventStore, cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		adapter: adapter,
		events:  events,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "order_manager")),
		now:     func() time.Time { return time.Now().UTC() },
		sleep:   sleepCtx,
		orders:  make(map[string]*domain.Order),
		locks:   make(map[string]*sync.Mutex),
	}
}

// SetAlerter wires operator alerting for execution failures.
func (m *Manager) SetAlerter(a Alerter) { m.alerter = a }

// SetClock overrides the manager's clock. Replay drivers inject the snapshot
// timeline here so synthetic transitions stay deterministic.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// SetSleep overrides the backoff sleeper (tests).
func (m *Manager) SetSleep(fn func(ctx context.Context, d time.Duration) error) { m.sleep = fn }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Order returns a copy of the tracked order, if any.
func (m *Manager) Order(clientOrderID string) (domain.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ord, ok := m.orders[clientOrderID]
	if !ok {
		return domain.Order{}, false
	}
	return *ord, true
}

// Execute carries out one decision and returns the order updates it applied,
// in application order, for the caller to route back to the strategy layer.
//
// EnterLeg/EnterHedge submit an order with a deterministic client order id;
// resubmitting an id that is already tracked is a no-op. Cancel requests
// cancellation; cancelling an already-filled order is a warning no-op.
func (m *Manager) Execute(ctx context.Context, d domain.Decision) ([]domain.OrderUpdate, error) {
	switch d.Kind {
	case domain.DecisionEnterLeg, domain.DecisionEnterHedge:
		return m.submit(ctx, intentFrom(d))
	case domain.DecisionCancel:
		return m.cancel(ctx, d.ClientOrderID, d.Reason)
	case domain.DecisionNoAction:
		return nil, nil
	default:
		return nil, fmt.Errorf("execution: unknown decision kind %q", d.Kind)
	}
}

func intentFrom(d domain.Decision) domain.OrderIntent {
	id := d.ClientOrderID
	if id == "" {
		id = domain.ClientOrderID(d.MarketSlug, d.RoundStart, d.LegFor(), 1)
	}
	return domain.OrderIntent{
		ClientOrderID:  id,
		MarketSlug:     d.MarketSlug,
		RoundStart:     d.RoundStart,
		Leg:            d.LegFor(),
		Side:           domain.OrderSideBuy,
		LegSide:        d.Side,
		Price:          d.Price,
		Size:           d.Size,
		ExpectedProfit: d.ExpectedProfit,
	}
}

func (m *Manager) submit(ctx context.Context, intent domain.OrderIntent) ([]domain.OrderUpdate, error) {
	log := m.logger.With(
		slog.String("client_order_id", intent.ClientOrderID),
		slog.String("market", intent.MarketSlug),
		slog.String("leg", string(intent.Leg)),
	)

	m.mu.Lock()
	if _, exists := m.orders[intent.ClientOrderID]; exists {
		m.mu.Unlock()
		log.Debug("duplicate submission suppressed")
		return nil, nil
	}
	now := m.now()
	m.orders[intent.ClientOrderID] = &domain.Order{
		Intent:    intent,
		Status:    domain.OrderStatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.mu.Unlock()

	// Created -> Submitted happens exactly once, before the first attempt, so
	// a later rejection still leaves a Submitted event on record.
	applied := []domain.OrderUpdate{m.markSubmitted(ctx, intent)}

	backoff := m.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := m.sleep(ctx, backoff); err != nil {
				lastErr = err
				break
			}
			backoff *= 2
			log.Warn("retrying submission", slog.Int("attempt", attempt))
		}

		ack, err := m.adapter.Submit(ctx, intent)
		if err == nil {
			if upd, ok := m.applyUpdate(ctx, ack); ok {
				applied = append(applied, upd)
			}
			log.Info("order submitted", slog.String("status", string(ack.Status)))
			return applied, nil
		}

		lastErr = err
		if !domain.IsRetryable(err) {
			// Hard rejection: invalid order, insufficient balance.
			applied = append(applied, m.syntheticReject(ctx, intent, err.Error()))
			log.Warn("order rejected", slog.String("error", err.Error()))
			return applied, err
		}
		log.Warn("transient submission failure",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}

	// Retry budget exhausted: abort the round and escalate.
	reason := "retry budget exhausted"
	if lastErr != nil {
		reason = fmt.Sprintf("%s: %s", reason, lastErr.Error())
	}
	applied = append(applied, m.syntheticReject(ctx, intent, reason))
	log.Error("submission failed after retries", slog.String("error", reason))
	m.alert(ctx, "execution_error",
		fmt.Sprintf("order %s failed", intent.ClientOrderID), reason)
	return applied, fmt.Errorf("execution: submit %s: %w", intent.ClientOrderID, lastErr)
}

// markSubmitted moves Created -> Submitted and records the event.
func (m *Manager) markSubmitted(ctx context.Context, intent domain.OrderIntent) domain.OrderUpdate {
	upd := domain.OrderUpdate{
		ClientOrderID: intent.ClientOrderID,
		Status:        domain.OrderStatusSubmitted,
		TS:            m.now(),
	}
	applied, _ := m.applyUpdate(ctx, upd)
	return applied
}

func (m *Manager) syntheticReject(ctx context.Context, intent domain.OrderIntent, reason string) domain.OrderUpdate {
	upd := domain.OrderUpdate{
		ClientOrderID: intent.ClientOrderID,
		Status:        domain.OrderStatusRejected,
		Reason:        reason,
		TS:            m.now(),
	}
	applied, _ := m.applyUpdate(ctx, upd)
	return applied
}

func (m *Manager) cancel(ctx context.Context, clientOrderID, reason string) ([]domain.OrderUpdate, error) {
	m.mu.Lock()
	ord, ok := m.orders[clientOrderID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("execution: cancel %s: %w", clientOrderID, domain.ErrOrderNotFound)
	}
	status := ord.Status
	m.mu.Unlock()

	if status == domain.OrderStatusFilled {
		// The fill won the race; nothing to undo.
		m.logger.Warn("cancel after fill ignored",
			slog.String("client_order_id", clientOrderID),
			slog.String("reason", reason),
		)
		return nil, nil
	}
	if status.Terminal() {
		return nil, nil
	}

	if err := m.adapter.Cancel(ctx, clientOrderID); err != nil {
		if errors.Is(err, domain.ErrAlreadyFilled) {
			// The venue saw the fill before the cancel; the fill stands and
			// arrives through the update stream.
			m.logger.Warn("cancel after fill ignored",
				slog.String("client_order_id", clientOrderID),
				slog.String("reason", reason),
			)
			return nil, nil
		}
		m.logger.Warn("cancel request failed",
			slog.String("client_order_id", clientOrderID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("execution: cancel %s: %w", clientOrderID, err)
	}
	// The terminal Cancelled update arrives through the adapter's update
	// stream; if the order filled in the meantime the fill takes precedence.
	return nil, nil
}

// OnStatus applies an adapter-reported transition and returns it if it was
// newly applied (duplicates and post-terminal updates are no-ops).
func (m *Manager) OnStatus(ctx context.Context, upd domain.OrderUpdate) (domain.OrderUpdate, bool) {
	return m.applyUpdate(ctx, upd)
}

// applyUpdate mutates the tracked order and records a TradeEvent. It returns
// false for unknown orders, duplicates, and updates after a terminal state.
func (m *Manager) applyUpdate(ctx context.Context, upd domain.OrderUpdate) (domain.OrderUpdate, bool) {
	m.mu.Lock()
	ord, ok := m.orders[upd.ClientOrderID]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("update for unknown order dropped",
			slog.String("client_order_id", upd.ClientOrderID),
		)
		return domain.OrderUpdate{}, false
	}
	if ord.Status.Terminal() {
		m.mu.Unlock()
		m.logger.Debug("update after terminal state ignored",
			slog.String("client_order_id", upd.ClientOrderID),
			slog.String("status", string(upd.Status)),
		)
		return domain.OrderUpdate{}, false
	}
	if upd.Status == ord.Status && upd.FilledSize == ord.FilledSize {
		m.mu.Unlock()
		return domain.OrderUpdate{}, false
	}
	if statusRank(upd.Status) < statusRank(ord.Status) {
		m.mu.Unlock()
		m.logger.Debug("stale status update ignored",
			slog.String("client_order_id", upd.ClientOrderID),
			slog.String("status", string(upd.Status)),
		)
		return domain.OrderUpdate{}, false
	}

	ord.Status = upd.Status
	if upd.FilledSize > 0 {
		ord.FilledSize = upd.FilledSize
	}
	if upd.FillPrice > 0 {
		ord.FillPrice = upd.FillPrice
	}
	if upd.VenueID != "" {
		ord.VenueID = upd.VenueID
	}
	ord.UpdatedAt = upd.TS
	ev := eventFor(*ord, upd)
	m.mu.Unlock()

	if err := m.events.Insert(ctx, ev); err != nil {
		m.logger.Error("trade event insert failed",
			slog.String("client_order_id", upd.ClientOrderID),
			slog.String("error", err.Error()),
		)
	}
	return upd, true
}

// statusRank orders lifecycle states so a late-arriving update can never move
// an order backwards (an Acknowledged landing after a partial fill is stale).
func statusRank(s domain.OrderStatus) int {
	switch s {
	case domain.OrderStatusCreated:
		return 0
	case domain.OrderStatusSubmitted:
		return 1
	case domain.OrderStatusAcknowledged:
		return 2
	case domain.OrderStatusPartiallyFilled:
		return 3
	default:
		return 4
	}
}

// eventFor builds the TradeEvent row for an applied transition. The expected
// locked profit is only carried on hedge-leg events; it is nil for crash legs
// where no profit is locked yet.
func eventFor(ord domain.Order, upd domain.OrderUpdate) domain.TradeEvent {
	price := ord.Intent.Price
	if upd.FillPrice > 0 {
		price = upd.FillPrice
	}
	size := ord.Intent.Size
	if upd.FilledSize > 0 {
		size = upd.FilledSize
	}
	ev := domain.TradeEvent{
		TS:            upd.TS,
		MarketSlug:    ord.Intent.MarketSlug,
		RoundStart:    ord.Intent.RoundStart,
		Leg:           ord.Intent.Leg,
		ClientOrderID: ord.Intent.ClientOrderID,
		Side:          ord.Intent.Side,
		Price:         price,
		Size:          size,
		Status:        upd.Status,
	}
	if ord.Intent.Leg == domain.LegHedge {
		p := ord.Intent.ExpectedProfit
		ev.ExpectedLockedProfit = &p
	}
	return ev
}

func (m *Manager) alert(ctx context.Context, event, title, message string) {
	if m.alerter == nil {
		return
	}
	if err := m.alerter.Notify(ctx, event, title, message); err != nil {
		m.logger.Warn("alert delivery failed", slog.String("error", err.Error()))
	}
}

// Poll drains any updates already buffered on the adapter's update stream and
// applies them, returning the newly applied ones in order. Replay drivers
// call this after each Execute.
func (m *Manager) Poll(ctx context.Context) []domain.OrderUpdate {
	var out []domain.OrderUpdate
	for {
		select {
		case upd, ok := <-m.adapter.Updates():
			if !ok {
				return out
			}
			if applied, fresh := m.applyUpdate(ctx, upd); fresh {
				out = append(out, applied)
			}
		default:
			return out
		}
	}
}

// executionKey names the order a decision targets, so Run can serialize a
// cancel behind the submit it chases while distinct orders stay parallel.
func executionKey(d domain.Decision) string {
	if d.ClientOrderID != "" {
		return d.ClientOrderID
	}
	return domain.ClientOrderID(d.MarketSlug, d.RoundStart, d.LegFor(), 1)
}

func (m *Manager) executionLock(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lk, ok := m.locks[key]
	if !ok {
		lk = &sync.Mutex{}
		m.locks[key] = lk
	}
	return lk
}

// Run is the live loop: it consumes the decision stream and the adapter's
// async updates until the context is cancelled. Each execution call runs on
// its own goroutine (bounded by MaxParallel) so a slow ack on one market
// never starves another market's strategy evaluation. Decisions targeting the
// same order are serialized: an expiry cancel issued while its submit is
// still retrying waits for the submit instead of failing on a not-yet-placed
// order.
func (m *Manager) Run(ctx context.Context, decisions <-chan domain.Decision, router UpdateRouter) error {
	m.logger.Info("order manager started")
	defer m.logger.Info("order manager stopped")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxParallel + 1)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case upd, ok := <-m.adapter.Updates():
				if !ok {
					return nil
				}
				if applied, fresh := m.applyUpdate(gctx, upd); fresh {
					if err := router.HandleOrderUpdate(gctx, applied); err != nil && !errors.Is(err, context.Canceled) {
						m.logger.Warn("update routing failed", slog.String("error", err.Error()))
					}
				}
			}
		}
	})

	for {
		select {
		case <-gctx.Done():
			return g.Wait()
		case d, ok := <-decisions:
			if !ok {
				return g.Wait()
			}
			decision := d
			lock := m.executionLock(executionKey(decision))
			g.Go(func() error {
				lock.Lock()
				defer lock.Unlock()
				applied, err := m.Execute(gctx, decision)
				if err != nil && !errors.Is(err, context.Canceled) {
					m.logger.Warn("decision execution failed",
						slog.String("market", decision.MarketSlug),
						slog.String("kind", string(decision.Kind)),
						slog.String("error", err.Error()),
					)
				}
				for _, upd := range applied {
					if rerr := router.HandleOrderUpdate(gctx, upd); rerr != nil && !errors.Is(rerr, context.Canceled) {
						m.logger.Warn("update routing failed", slog.String("error", rerr.Error()))
					}
				}
				return nil
			})
		}
	}
}
