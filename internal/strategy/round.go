package strategy

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/crashhedge/crashbot/internal/domain"
	"github.com/crashhedge/crashbot/internal/risk"
)

// legState tracks one submitted leg of a round's two-leg trade.
type legState struct {
	clientOrderID string
	side          domain.LegSide
	price         float64
	size          float64
	filledSize    float64
	fillPrice     float64
	openedAt      time.Time
}

// entryPrice returns the confirmed fill price when known, else the limit
// price the leg was submitted at.
func (l *legState) entryPrice() float64 {
	if l.fillPrice > 0 {
		return l.fillPrice
	}
	return l.price
}

// RoundMachine holds the per-(market, round) trade state. It consumes
// snapshots and order-status feedback and emits decisions; it is owned by
// exactly one engine worker and is not safe for concurrent use.
//
// Snapshot timestamps are the machine's only clock, which keeps replays of
// identical snapshot sequences bit-for-bit reproducible.
type RoundMachine struct {
	round       domain.TradingRound
	params      Params
	phase       domain.RoundPhase
	baselineMid float64
	lastTS      time.Time
	crash       *legState
	hedge       *legState

	// expectedProfit is the locked profit implied at hedge submission;
	// it becomes realized once the hedge leg fills.
	expectedProfit float64
	realizedProfit float64

	// deferred buffers order feedback that arrives before the machine is in
	// a phase that can consume it, keyed by client order id. The machine
	// never advances on assumption, only on the matching confirmation.
	deferred map[string]domain.OrderUpdate

	logger *slog.Logger
}

// NewRoundMachine creates an Idle machine for the round containing ts.
func NewRoundMachine(marketSlug string, ts time.Time, params Params, logger *slog.Logger) *RoundMachine {
	round := domain.NewTradingRound(marketSlug, ts)
	return &RoundMachine{
		round:    round,
		params:   params,
		phase:    domain.PhaseIdle,
		deferred: make(map[string]domain.OrderUpdate),
		logger: logger.With(
			slog.String("component", "round_machine"),
			slog.String("market", marketSlug),
			slog.Time("round_start", round.Start),
		),
	}
}

// Round returns the trading round this machine owns.
func (m *RoundMachine) Round() domain.TradingRound { return m.round }

// Phase returns the current lifecycle phase.
func (m *RoundMachine) Phase() domain.RoundPhase { return m.phase }

// RealizedProfit returns the locked profit once the round is Hedged, else 0.
func (m *RoundMachine) RealizedProfit() float64 { return m.realizedProfit }

// ExpectedProfit returns the profit implied by the pending or filled hedge.
func (m *RoundMachine) ExpectedProfit() float64 { return m.expectedProfit }

// Unhedged reports whether the machine holds directional exposure that is not
// yet offset: a crash leg submitted or filled without a completed hedge.
func (m *RoundMachine) Unhedged() bool {
	switch m.phase {
	case domain.PhaseCrashPending, domain.PhaseCrashFilled, domain.PhaseHedgePending:
		return true
	}
	return false
}

// OpenOrderID returns the client order id of the currently pending order, if
// any. Used for best-effort cancellation on expiry and shutdown.
func (m *RoundMachine) OpenOrderID() (string, bool) {
	switch m.phase {
	case domain.PhaseCrashPending:
		return m.crash.clientOrderID, true
	case domain.PhaseHedgePending:
		return m.hedge.clientOrderID, true
	}
	return "", false
}

// Owns reports whether the given client order id belongs to this round.
func (m *RoundMachine) Owns(clientOrderID string) bool {
	if m.crash != nil && m.crash.clientOrderID == clientOrderID {
		return true
	}
	if m.hedge != nil && m.hedge.clientOrderID == clientOrderID {
		return true
	}
	return false
}

// OnSnapshot evaluates a market snapshot and returns any resulting decisions.
// bankroll is the capital available for Kelly sizing; openUnhedged is the
// cross-market count of unhedged rounds used for the exposure cap.
//
// Malformed snapshots and snapshots that violate monotonic timestamp ordering
// are dropped without a phase change.
func (m *RoundMachine) OnSnapshot(snap domain.MarketSnapshot, bankroll float64, openUnhedged int) []domain.Decision {
	if m.phase.Terminal() {
		return nil
	}
	if err := snap.Validate(); err != nil {
		m.logger.Debug("snapshot dropped", slog.String("error", err.Error()))
		return nil
	}
	if !m.lastTS.IsZero() && !snap.TS.After(m.lastTS) {
		m.logger.Debug("out-of-order snapshot dropped",
			slog.Time("ts", snap.TS),
			slog.Time("last_ts", m.lastTS),
		)
		return nil
	}
	m.lastTS = snap.TS

	if m.round.Expired(snap.TS) {
		return m.ExpireIfPast(snap.TS)
	}

	switch m.phase {
	case domain.PhaseIdle:
		return m.maybeEnterCrash(snap, bankroll, openUnhedged)
	case domain.PhaseCrashFilled:
		return m.maybeEnterHedge(snap)
	default:
		// CrashPending / HedgePending: waiting on order feedback.
		return nil
	}
}

// maybeEnterCrash checks the crash trigger and risk gates, and on success
// transitions Idle -> CrashPending emitting an EnterLeg decision.
func (m *RoundMachine) maybeEnterCrash(snap domain.MarketSnapshot, bankroll float64, openUnhedged int) []domain.Decision {
	mid := snap.MidUp()
	if m.baselineMid <= 0 {
		m.baselineMid = mid
		return nil
	}

	if !domain.WithinEntryWindow(snap.TS, m.params.WindowMin) {
		return nil
	}

	drop := (m.baselineMid - mid) / m.baselineMid
	if drop < m.params.MovePct {
		return nil
	}

	if !risk.WithinExposureLimits(openUnhedged, m.params.Risk.MaxInFlight) {
		return m.noAction("max in-flight rounds reached")
	}

	// Win probability estimate from crash severity and current price level.
	p := (1 - mid) * (1 + m.params.MovePct)
	if p < 0.01 {
		p = 0.01
	} else if p > 0.99 {
		p = 0.99
	}

	entryPrice := snap.UpAsk
	size := risk.SizeFor(p, entryPrice, bankroll, m.params.Risk)
	if size <= 0 {
		return m.noAction("sizing rejected")
	}

	m.crash = &legState{
		clientOrderID: domain.ClientOrderID(m.round.MarketSlug, m.round.Start, domain.LegCrash, 1),
		side:          domain.LegSideUp,
		price:         entryPrice,
		size:          size,
		openedAt:      snap.TS,
	}
	m.phase = domain.PhaseCrashPending

	m.logger.Info("crash leg triggered",
		slog.Float64("baseline_mid", m.baselineMid),
		slog.Float64("mid", mid),
		slog.Float64("drop", drop),
		slog.Float64("size", size),
	)

	return []domain.Decision{{
		Kind:          domain.DecisionEnterLeg,
		MarketSlug:    m.round.MarketSlug,
		RoundStart:    m.round.Start,
		Side:          m.crash.side,
		Price:         entryPrice,
		Size:          size,
		ClientOrderID: m.crash.clientOrderID,
		Reason:        fmt.Sprintf("crash: mid dropped %.2f%% from baseline", drop*100),
	}}
}

// maybeEnterHedge checks the hedge trigger while CrashFilled and on success
// transitions to HedgePending emitting an EnterHedge decision.
func (m *RoundMachine) maybeEnterHedge(snap domain.MarketSnapshot) []domain.Decision {
	if domain.SecondsRemaining(snap.TS) <= m.params.MinSecondsToHedge {
		return nil
	}

	hedgeSide := m.crash.side.Opposite()
	hedgePrice := snap.AskFor(hedgeSide)
	if hedgePrice <= 0 {
		return nil
	}

	entry := m.crash.entryPrice()
	if entry+hedgePrice > m.params.SumTarget {
		return nil
	}

	size := m.crash.filledSize
	if size <= 0 {
		size = m.crash.size
	}
	if !risk.PassesProfitThreshold(entry, hedgePrice, size, m.params.Risk.FeeRate, m.params.Risk.MinProfitUSD) {
		return m.noAction("hedge below profit threshold")
	}

	profit := risk.LockedProfit(entry, hedgePrice, size, m.params.Risk.FeeRate)
	m.hedge = &legState{
		clientOrderID: domain.ClientOrderID(m.round.MarketSlug, m.round.Start, domain.LegHedge, 1),
		side:          hedgeSide,
		price:         hedgePrice,
		size:          size,
		openedAt:      snap.TS,
	}
	m.expectedProfit = profit
	m.phase = domain.PhaseHedgePending

	m.logger.Info("hedge leg triggered",
		slog.Float64("entry", entry),
		slog.Float64("hedge_price", hedgePrice),
		slog.Float64("sum", entry+hedgePrice),
		slog.Float64("expected_profit", profit),
	)

	decisions := []domain.Decision{{
		Kind:           domain.DecisionEnterHedge,
		MarketSlug:     m.round.MarketSlug,
		RoundStart:     m.round.Start,
		Side:           hedgeSide,
		Price:          hedgePrice,
		Size:           size,
		ExpectedProfit: profit,
		ClientOrderID:  m.hedge.clientOrderID,
		Reason:         fmt.Sprintf("hedge: sum %.4f under target %.4f", entry+hedgePrice, m.params.SumTarget),
	}}
	return append(decisions, m.drainDeferred()...)
}

// OnOrderUpdate applies order-status feedback from the lifecycle manager.
// Updates for orders this round does not own, and updates arriving ahead of
// the phase that can consume them, are buffered and reconciled later.
func (m *RoundMachine) OnOrderUpdate(upd domain.OrderUpdate) []domain.Decision {
	if m.phase.Terminal() {
		return nil
	}
	if !m.Owns(upd.ClientOrderID) {
		m.deferred[upd.ClientOrderID] = upd
		return nil
	}

	switch {
	case m.crash != nil && upd.ClientOrderID == m.crash.clientOrderID:
		return m.applyCrashUpdate(upd)
	case m.hedge != nil && upd.ClientOrderID == m.hedge.clientOrderID:
		return m.applyHedgeUpdate(upd)
	}
	return nil
}

func (m *RoundMachine) applyCrashUpdate(upd domain.OrderUpdate) []domain.Decision {
	switch upd.Status {
	case domain.OrderStatusPartiallyFilled, domain.OrderStatusFilled:
		m.crash.filledSize = upd.FilledSize
		if upd.FillPrice > 0 {
			m.crash.fillPrice = upd.FillPrice
		}
		if m.phase == domain.PhaseCrashPending {
			m.phase = domain.PhaseCrashFilled
			m.logger.Info("crash leg confirmed",
				slog.Float64("filled_size", upd.FilledSize),
				slog.Float64("fill_price", upd.FillPrice),
			)
		}
		return m.drainDeferred()
	case domain.OrderStatusRejected, domain.OrderStatusCancelled:
		m.abort("crash leg " + string(upd.Status))
	case domain.OrderStatusExpired:
		m.phase = domain.PhaseExpired
	}
	return nil
}

func (m *RoundMachine) applyHedgeUpdate(upd domain.OrderUpdate) []domain.Decision {
	switch upd.Status {
	case domain.OrderStatusPartiallyFilled:
		m.hedge.filledSize = upd.FilledSize
		if upd.FillPrice > 0 {
			m.hedge.fillPrice = upd.FillPrice
		}
	case domain.OrderStatusFilled:
		m.hedge.filledSize = upd.FilledSize
		if upd.FillPrice > 0 {
			m.hedge.fillPrice = upd.FillPrice
		}
		if m.phase == domain.PhaseHedgePending {
			m.phase = domain.PhaseHedged
			m.realizedProfit = m.expectedProfit
			m.logger.Info("round hedged",
				slog.Float64("locked_profit", m.realizedProfit),
			)
		}
	case domain.OrderStatusRejected, domain.OrderStatusCancelled:
		m.abort("hedge leg " + string(upd.Status))
	case domain.OrderStatusExpired:
		m.phase = domain.PhaseExpired
	}
	return nil
}

// drainDeferred replays buffered feedback that the current phase can consume.
// Keys are drained in sorted order so replays stay deterministic.
func (m *RoundMachine) drainDeferred() []domain.Decision {
	if len(m.deferred) == 0 {
		return nil
	}
	ids := make([]string, 0, len(m.deferred))
	for id := range m.deferred {
		if m.Owns(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var out []domain.Decision
	for _, id := range ids {
		upd := m.deferred[id]
		delete(m.deferred, id)
		out = append(out, m.OnOrderUpdate(upd)...)
	}
	return out
}

// ExpireIfPast closes the round if now is at or past its end timestamp,
// emitting a Cancel for any still-open order. A round past its window can
// never become Hedged.
func (m *RoundMachine) ExpireIfPast(now time.Time) []domain.Decision {
	if m.phase.Terminal() || !m.round.Expired(now) {
		return nil
	}

	var decisions []domain.Decision
	if id, ok := m.OpenOrderID(); ok {
		decisions = append(decisions, domain.Decision{
			Kind:          domain.DecisionCancel,
			MarketSlug:    m.round.MarketSlug,
			RoundStart:    m.round.Start,
			ClientOrderID: id,
			Reason:        "round expired",
		})
	}
	prev := m.phase
	m.phase = domain.PhaseExpired
	m.logger.Info("round expired", slog.String("from_phase", string(prev)))
	return decisions
}

// Abort force-closes the round (risk breach or execution failure), emitting a
// Cancel for any still-open order.
func (m *RoundMachine) Abort(reason string) []domain.Decision {
	if m.phase.Terminal() {
		return nil
	}
	var decisions []domain.Decision
	if id, ok := m.OpenOrderID(); ok {
		decisions = append(decisions, domain.Decision{
			Kind:          domain.DecisionCancel,
			MarketSlug:    m.round.MarketSlug,
			RoundStart:    m.round.Start,
			ClientOrderID: id,
			Reason:        reason,
		})
	}
	m.abort(reason)
	return decisions
}

func (m *RoundMachine) abort(reason string) {
	prev := m.phase
	m.phase = domain.PhaseAborted
	m.logger.Warn("round aborted",
		slog.String("from_phase", string(prev)),
		slog.String("reason", reason),
	)
}

func (m *RoundMachine) noAction(reason string) []domain.Decision {
	return []domain.Decision{{
		Kind:       domain.DecisionNoAction,
		MarketSlug: m.round.MarketSlug,
		RoundStart: m.round.Start,
		Reason:     reason,
	}}
}
