package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crashhedge/crashbot/internal/domain"
)

// mailbox is the per-market inbox for one engine worker. Order updates are
// never dropped and are always applied before the next snapshot; snapshots
// supersede each other (drop-oldest) so a lagging worker only ever evaluates
// the latest book instead of blocking the ingestor.
type mailbox struct {
	mu      sync.Mutex
	updates []domain.OrderUpdate
	snap    *domain.MarketSnapshot
	dropped int64
	notify  chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (mb *mailbox) pushSnapshot(snap domain.MarketSnapshot) {
	mb.mu.Lock()
	if mb.snap != nil {
		mb.dropped++
	}
	mb.snap = &snap
	mb.mu.Unlock()
	mb.wake()
}

func (mb *mailbox) pushUpdate(upd domain.OrderUpdate) {
	mb.mu.Lock()
	mb.updates = append(mb.updates, upd)
	mb.mu.Unlock()
	mb.wake()
}

func (mb *mailbox) wake() {
	select {
	case mb.notify <- struct{}{}:
	default:
	}
}

// take drains the pending updates and the latest snapshot, if any.
func (mb *mailbox) take() ([]domain.OrderUpdate, *domain.MarketSnapshot) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	upds := mb.updates
	mb.updates = nil
	snap := mb.snap
	mb.snap = nil
	return upds, snap
}

// Engine owns one RoundMachine per active (market, round), routes inbound
// snapshots and order feedback to the right machine, and aggregates decisions
// into a single outbound stream with per-market ordering.
//
// Two drive modes share the same machine code: Run starts one worker per
// market for live/paper trading, while Step/ApplyOrderUpdate let a replay
// driver push events synchronously for deterministic backtests.
type Engine struct {
	params  Params
	logger  *slog.Logger
	locker  domain.RoundLocker
	lockTTL time.Duration

	decisionCh chan domain.Decision

	mu        sync.Mutex
	bankroll  float64
	machines  map[string]*RoundMachine // keyed by roundKey
	active    map[string]string        // market slug -> roundKey
	orderIdx  map[string]string        // client order id -> roundKey
	leases    map[string]domain.RoundLease
	skipped   map[string]bool // rounds abstained due to lock contention
	settled   map[string]bool // rounds already credited/released
	mailboxes map[string]*mailbox

	running bool
	group   *errgroup.Group
	runCtx  context.Context
}

// NewEngine creates an Engine. bankroll is the starting capital available for
// sizing; it grows by the locked profit of every hedged round.
func NewEngine(params Params, bankroll float64, logger *slog.Logger) *Engine {
	return &Engine{
		params:     params,
		bankroll:   bankroll,
		logger:     logger.With(slog.String("component", "strategy_engine")),
		decisionCh: make(chan domain.Decision, 256),
		machines:   make(map[string]*RoundMachine),
		active:     make(map[string]string),
		orderIdx:   make(map[string]string),
		leases:     make(map[string]domain.RoundLease),
		skipped:    make(map[string]bool),
		settled:    make(map[string]bool),
		mailboxes:  make(map[string]*mailbox),
	}
}

// SetRoundLocker enables cooperative round locking for redundant deployments.
// Must be called before the engine starts processing.
func (e *Engine) SetRoundLocker(locker domain.RoundLocker, ttl time.Duration) {
	e.locker = locker
	e.lockTTL = ttl
}

// Decisions returns the outbound decision stream consumed by the lifecycle
// manager in Run mode.
func (e *Engine) Decisions() <-chan domain.Decision { return e.decisionCh }

// Bankroll returns the current available capital.
func (e *Engine) Bankroll() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bankroll
}

func roundKey(marketSlug string, roundStart time.Time) string {
	return fmt.Sprintf("%s|%d", marketSlug, roundStart.UTC().Unix())
}

// Step synchronously evaluates one snapshot and returns the resulting
// decisions. Used by the backtest runner; Run-mode workers go through the
// same code path.
func (e *Engine) Step(ctx context.Context, snap domain.MarketSnapshot) []domain.Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stepLocked(ctx, snap)
}

// ApplyOrderUpdate synchronously routes order-status feedback to the owning
// round machine and returns any follow-up decisions (e.g. an expiry cancel).
func (e *Engine) ApplyOrderUpdate(ctx context.Context, upd domain.OrderUpdate) []domain.Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyUpdateLocked(ctx, upd)
}

func (e *Engine) stepLocked(ctx context.Context, snap domain.MarketSnapshot) []domain.Decision {
	var out []domain.Decision

	key, ok := e.active[snap.MarketSlug]
	if ok {
		m, alive := e.machines[key]
		switch {
		case !alive:
			delete(e.active, snap.MarketSlug)
			ok = false
		case m.Round().Expired(snap.TS):
			out = append(out, m.ExpireIfPast(snap.TS)...)
			e.finishRound(ctx, m)
			delete(e.active, snap.MarketSlug)
			ok = false
		}
	}

	if !ok {
		m, created := e.openRound(ctx, snap)
		if !created {
			return out
		}
		key = roundKey(snap.MarketSlug, m.Round().Start)
	}

	m := e.machines[key]
	if m.Phase().Terminal() {
		return out
	}

	decisions := m.OnSnapshot(snap, e.bankroll, e.unhedgedLocked())
	e.registerOrders(key, decisions)
	out = append(out, decisions...)
	e.finishRound(ctx, m)
	e.pruneLocked(ctx, snap.TS)
	return out
}

func (e *Engine) applyUpdateLocked(ctx context.Context, upd domain.OrderUpdate) []domain.Decision {
	key, ok := e.orderIdx[upd.ClientOrderID]
	if !ok {
		e.logger.Debug("order update for unknown round dropped",
			slog.String("client_order_id", upd.ClientOrderID),
		)
		return nil
	}
	m, ok := e.machines[key]
	if !ok {
		return nil
	}
	decisions := m.OnOrderUpdate(upd)
	e.registerOrders(key, decisions)
	e.finishRound(ctx, m)
	return decisions
}

// openRound creates a machine for the round containing snap.TS, acquiring the
// advisory round lock first when one is configured. Lock contention means
// another instance works this round; we abstain for its whole duration.
func (e *Engine) openRound(ctx context.Context, snap domain.MarketSnapshot) (*RoundMachine, bool) {
	start := domain.RoundStart(snap.TS)
	key := roundKey(snap.MarketSlug, start)
	if e.skipped[key] {
		return nil, false
	}

	if e.locker != nil {
		lease, err := e.locker.Acquire(ctx, snap.MarketSlug, start, e.lockTTL)
		if err != nil {
			if err == domain.ErrLockHeld {
				e.logger.Info("round held by another instance, abstaining",
					slog.String("market", snap.MarketSlug),
					slog.Time("round_start", start),
				)
			} else {
				e.logger.Warn("round lock acquire failed",
					slog.String("market", snap.MarketSlug),
					slog.String("error", err.Error()),
				)
			}
			e.skipped[key] = true
			return nil, false
		}
		e.leases[key] = lease
		if e.running {
			e.startRenewal(key, lease)
		}
	}

	m := NewRoundMachine(snap.MarketSlug, snap.TS, e.params, e.logger)
	e.machines[key] = m
	e.active[snap.MarketSlug] = key
	return m, true
}

// finishRound settles terminal machines exactly once: credit locked profit to
// the bankroll for hedged rounds and release the round lease.
func (e *Engine) finishRound(ctx context.Context, m *RoundMachine) {
	if !m.Phase().Terminal() {
		return
	}
	key := roundKey(m.Round().MarketSlug, m.Round().Start)
	if e.settled[key] {
		return
	}
	e.settled[key] = true

	if m.Phase() == domain.PhaseHedged {
		e.bankroll += m.RealizedProfit()
	}
	if lease, ok := e.leases[key]; ok {
		delete(e.leases, key)
		if err := lease.Release(ctx); err != nil {
			e.logger.Warn("round lease release failed",
				slog.String("round", key),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (e *Engine) registerOrders(key string, decisions []domain.Decision) {
	for _, d := range decisions {
		if (d.Kind == domain.DecisionEnterLeg || d.Kind == domain.DecisionEnterHedge) && d.ClientOrderID != "" {
			e.orderIdx[d.ClientOrderID] = key
		}
	}
}

func (e *Engine) unhedgedLocked() int {
	n := 0
	for _, m := range e.machines {
		if m.Unhedged() {
			n++
		}
	}
	return n
}

// pruneLocked drops machines whose rounds ended more than one round ago,
// along with their order-id routing and bookkeeping entries. A stalled
// market's active pointer and lease go with the machine: the market's next
// snapshot must open a fresh round, and a dead round must not keep renewing.
func (e *Engine) pruneLocked(ctx context.Context, now time.Time) {
	cutoff := now.Add(-domain.RoundDuration)
	for key, m := range e.machines {
		if m.Round().End.After(cutoff) {
			continue
		}
		market := m.Round().MarketSlug
		delete(e.machines, key)
		delete(e.settled, key)
		delete(e.skipped, key)
		if e.active[market] == key {
			delete(e.active, market)
		}
		if lease, ok := e.leases[key]; ok {
			delete(e.leases, key)
			if err := lease.Release(ctx); err != nil {
				e.logger.Warn("round lease release failed",
					slog.String("round", key),
					slog.String("error", err.Error()),
				)
			}
		}
		for id, k := range e.orderIdx {
			if k == key {
				delete(e.orderIdx, id)
			}
		}
	}
}

// HandleSnapshot enqueues a snapshot for the market's worker. It never
// blocks: a pending unevaluated snapshot is superseded by the newer one.
func (e *Engine) HandleSnapshot(ctx context.Context, snap domain.MarketSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mailboxFor(snap.MarketSlug).pushSnapshot(snap)
	return nil
}

// HandleOrderUpdate enqueues order feedback for the owning market's worker.
// Updates are never dropped.
func (e *Engine) HandleOrderUpdate(ctx context.Context, upd domain.OrderUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	key, ok := e.orderIdx[upd.ClientOrderID]
	e.mu.Unlock()
	if !ok {
		e.logger.Debug("order update for unknown order dropped",
			slog.String("client_order_id", upd.ClientOrderID),
		)
		return nil
	}
	market := key[:strings.LastIndexByte(key, '|')]
	e.mailboxFor(market).pushUpdate(upd)
	return nil
}

func (e *Engine) mailboxFor(market string) *mailbox {
	e.mu.Lock()
	defer e.mu.Unlock()
	mb, ok := e.mailboxes[market]
	if !ok {
		mb = newMailbox()
		e.mailboxes[market] = mb
		if e.running {
			e.spawnWorker(market, mb)
		}
	}
	return mb
}

// Run starts the engine's worker loops. One worker per market consumes that
// market's mailbox sequentially; workers for different markets run
// independently. Blocks until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	g, gctx := errgroup.WithContext(ctx)
	e.group = g
	e.runCtx = gctx
	e.running = true
	for market, mb := range e.mailboxes {
		e.spawnWorker(market, mb)
	}
	e.mu.Unlock()

	e.logger.Info("strategy engine started")
	defer e.logger.Info("strategy engine stopped")

	<-gctx.Done()
	err := g.Wait()
	if err == nil {
		err = gctx.Err()
	}
	return err
}

// spawnWorker must be called with e.mu held (or from Run before workers see
// the map).
func (e *Engine) spawnWorker(market string, mb *mailbox) {
	ctx := e.runCtx
	e.group.Go(func() error {
		return e.workerLoop(ctx, market, mb)
	})
}

func (e *Engine) workerLoop(ctx context.Context, market string, mb *mailbox) error {
	// Expiry must fire even if the feed stalls near the round boundary.
	expiry := time.NewTicker(time.Second)
	defer expiry.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-mb.notify:
			upds, snap := mb.take()
			var decisions []domain.Decision
			e.mu.Lock()
			for _, upd := range upds {
				decisions = append(decisions, e.applyUpdateLocked(ctx, upd)...)
			}
			if snap != nil {
				decisions = append(decisions, e.stepLocked(ctx, *snap)...)
			}
			e.mu.Unlock()
			e.emit(ctx, decisions)
		case <-expiry.C:
			var decisions []domain.Decision
			e.mu.Lock()
			if key, ok := e.active[market]; ok {
				if m := e.machines[key]; m != nil {
					decisions = m.ExpireIfPast(time.Now().UTC())
					e.finishRound(ctx, m)
				}
			}
			e.mu.Unlock()
			e.emit(ctx, decisions)
		}
	}
}

// emit forwards decisions to the outbound stream. NoAction decisions are
// logged and swallowed; they exist for observability, not execution.
func (e *Engine) emit(ctx context.Context, decisions []domain.Decision) {
	for _, d := range decisions {
		if d.Kind == domain.DecisionNoAction {
			e.logger.Debug("no action",
				slog.String("market", d.MarketSlug),
				slog.String("reason", d.Reason),
			)
			continue
		}
		select {
		case e.decisionCh <- d:
		case <-ctx.Done():
			return
		}
	}
}

// startRenewal keeps a held round lease alive while its round is non-terminal.
func (e *Engine) startRenewal(key string, lease domain.RoundLease) {
	ctx := e.runCtx
	interval := e.lockTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	e.group.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				e.mu.Lock()
				_, held := e.leases[key]
				e.mu.Unlock()
				if !held {
					return nil
				}
				if err := lease.Renew(ctx, e.lockTTL); err != nil {
					e.logger.Warn("round lease renew failed",
						slog.String("round", key),
						slog.String("error", err.Error()),
					)
					return nil
				}
			}
		}
	})
}

// OpenCancelDecisions returns best-effort Cancel decisions for every
// non-terminal order, used during shutdown. Held leases are released.
func (e *Engine) OpenCancelDecisions(ctx context.Context) []domain.Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []domain.Decision
	for _, m := range e.machines {
		if m.Phase().Terminal() {
			continue
		}
		if id, ok := m.OpenOrderID(); ok {
			out = append(out, domain.Decision{
				Kind:          domain.DecisionCancel,
				MarketSlug:    m.Round().MarketSlug,
				RoundStart:    m.Round().Start,
				ClientOrderID: id,
				Reason:        "shutdown",
			})
		}
	}
	for key, lease := range e.leases {
		delete(e.leases, key)
		_ = lease.Release(ctx)
	}
	return out
}
