package backtest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/crashhedge/crashbot/internal/domain"
	"github.com/crashhedge/crashbot/internal/execution"
	"github.com/crashhedge/crashbot/internal/strategy"
)

// Result summarizes one replay.
type Result struct {
	Snapshots     int
	RoundsHedged  int
	RoundsAborted int
	RoundsExpired int
	OrdersFilled  int
	StartBankroll float64
	FinalBankroll float64
	NetProfit     float64
	Events        []domain.TradeEvent
}

// Runner drives a snapshot series through the same strategy and execution
// code paths the live bot uses. All clocks follow the snapshot timeline, the
// paper venue fills with zero latency, and every event queue is processed to
// exhaustion before the next snapshot, so the run is reproducible.
type Runner struct {
	params      strategy.Params
	bankroll    float64
	slippageBps float64
	logger      *slog.Logger
}

// NewRunner builds a Runner with the given strategy parameters and starting
// capital.
func NewRunner(params strategy.Params, bankroll, slippageBps float64, logger *slog.Logger) *Runner {
	return &Runner{
		params:      params,
		bankroll:    bankroll,
		slippageBps: slippageBps,
		logger:      logger.With(slog.String("component", "backtest")),
	}
}

// Run replays the snapshots, which must be sorted by timestamp, and returns
// the aggregated result.
func (r *Runner) Run(ctx context.Context, snaps []domain.MarketSnapshot) (Result, error) {
	if len(snaps) == 0 {
		return Result{}, fmt.Errorf("backtest: no snapshots")
	}
	for i := 1; i < len(snaps); i++ {
		if snaps[i].TS.Before(snaps[i-1].TS) {
			return Result{}, fmt.Errorf("backtest: snapshots out of order at index %d", i)
		}
	}

	var now time.Time
	clock := func() time.Time { return now }

	events := NewMemoryEventStore()
	paper := execution.NewPaper(execution.PaperConfig{SlippageBps: r.slippageBps}, r.logger)
	paper.SetClock(clock)

	manager := execution.NewManager(paper, events, execution.DefaultConfig(), r.logger)
	manager.SetClock(clock)

	engine := strategy.NewEngine(r.params, r.bankroll, r.logger)

	for _, snap := range snaps {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		now = snap.TS

		// Book first: resting paper orders that the new book crosses fill
		// before the strategy acts on the same prices.
		paper.ObserveSnapshot(snap)
		queue := r.drain(ctx, manager, engine)

		queue = append(queue, engine.Step(ctx, snap)...)
		if err := r.settle(ctx, manager, engine, queue); err != nil {
			return Result{}, err
		}
	}

	// Flush any orders still open at the end of the series.
	final := engine.OpenCancelDecisions(ctx)
	if err := r.settle(ctx, manager, engine, final); err != nil {
		return Result{}, err
	}

	return r.summarize(snaps, events, engine), nil
}

// settle executes decisions until no more follow-ups are produced.
func (r *Runner) settle(ctx context.Context, manager *execution.Manager, engine *strategy.Engine, queue []domain.Decision) error {
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]
		if d.Kind == domain.DecisionNoAction {
			continue
		}

		applied, err := manager.Execute(ctx, d)
		if err != nil && !domain.IsRetryable(err) {
			// Rejections flow back through the updates; the round machine
			// aborts on its own.
			r.logger.Debug("decision failed",
				slog.String("kind", string(d.Kind)),
				slog.String("error", err.Error()),
			)
		}
		for _, upd := range applied {
			queue = append(queue, engine.ApplyOrderUpdate(ctx, upd)...)
		}
		queue = append(queue, r.drain(ctx, manager, engine)...)
	}
	return nil
}

// drain pulls buffered paper fills through the manager and routes them to
// the engine, returning any follow-up decisions.
func (r *Runner) drain(ctx context.Context, manager *execution.Manager, engine *strategy.Engine) []domain.Decision {
	var out []domain.Decision
	for _, upd := range manager.Poll(ctx) {
		out = append(out, engine.ApplyOrderUpdate(ctx, upd)...)
	}
	return out
}

func (r *Runner) summarize(snaps []domain.MarketSnapshot, events *MemoryEventStore, engine *strategy.Engine) Result {
	all := events.All()
	res := Result{
		Snapshots:     len(snaps),
		StartBankroll: r.bankroll,
		FinalBankroll: engine.Bankroll(),
		Events:        all,
	}
	res.NetProfit = res.FinalBankroll - res.StartBankroll

	type roundOutcome struct {
		hedgeFilled bool
		crashFilled bool
		rejected    bool
		expired     bool
	}
	rounds := make(map[string]*roundOutcome)
	for _, ev := range all {
		key := fmt.Sprintf("%s|%d", ev.MarketSlug, ev.RoundStart.Unix())
		oc, ok := rounds[key]
		if !ok {
			oc = &roundOutcome{}
			rounds[key] = oc
		}
		switch ev.Status {
		case domain.OrderStatusFilled:
			res.OrdersFilled++
			if ev.Leg == domain.LegHedge {
				oc.hedgeFilled = true
			} else {
				oc.crashFilled = true
			}
		case domain.OrderStatusRejected:
			oc.rejected = true
		case domain.OrderStatusExpired, domain.OrderStatusCancelled:
			oc.expired = true
		}
	}

	keys := make([]string, 0, len(rounds))
	for k := range rounds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		oc := rounds[k]
		switch {
		case oc.hedgeFilled:
			res.RoundsHedged++
		case oc.rejected:
			res.RoundsAborted++
		case oc.expired:
			res.RoundsExpired++
		}
	}
	return res
}

// ReadSnapshots decodes a JSONL stream of snapshots, one object per line,
// and returns them sorted by timestamp.
func ReadSnapshots(r io.Reader) ([]domain.MarketSnapshot, error) {
	var snaps []domain.MarketSnapshot
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var snap domain.MarketSnapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return nil, fmt.Errorf("backtest: parse snapshot line %d: %w", line, err)
		}
		snaps = append(snaps, snap)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("backtest: read snapshots: %w", err)
	}
	sort.SliceStable(snaps, func(i, j int) bool { return snaps[i].TS.Before(snaps[j].TS) })
	return snaps, nil
}
