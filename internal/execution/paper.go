package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crashhedge/crashbot/internal/domain"
)

// PaperConfig tunes the simulated venue.
type PaperConfig struct {
	// SlippageBps worsens the simulated fill price relative to the book ask.
	SlippageBps float64
	// Latency delays fills after acknowledgement. Zero means fills are
	// pushed synchronously during Submit, which replay drivers rely on.
	Latency time.Duration
	// TwoStepFills emits a partial fill for half the size before the full
	// fill, exercising the partial-fill path.
	TwoStepFills bool
}

// Paper simulates a venue against the live order book. Orders are
// acknowledged immediately; a buy fills when the book ask is at or below the
// limit price, at min(limit, ask adjusted for slippage).
type Paper struct {
	cfg     PaperConfig
	logger  *slog.Logger
	now     func() time.Time
	updates chan domain.OrderUpdate

	mu      sync.Mutex
	books   map[string]domain.MarketSnapshot
	open    map[string]*domain.Order
	venueID int
}

// NewPaper creates a paper adapter. The updates channel is buffered so
// synchronous fills during Submit never block.
func NewPaper(cfg PaperConfig, logger *slog.Logger) *Paper {
	return &Paper{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "paper_adapter")),
		now:     func() time.Time { return time.Now().UTC() },
		updates: make(chan domain.OrderUpdate, 1024),
		books:   make(map[string]domain.MarketSnapshot),
		open:    make(map[string]*domain.Order),
	}
}

// SetClock overrides the adapter's clock for deterministic replay.
func (p *Paper) SetClock(now func() time.Time) { p.now = now }

// Updates implements domain.ExecutionAdapter.
func (p *Paper) Updates() <-chan domain.OrderUpdate { return p.updates }

// ObserveSnapshot installs a fresh book view and fills any resting orders it
// now crosses. The feed and the replay driver both call this before the
// strategy sees the same snapshot, so paper fills line up with decisions.
func (p *Paper) ObserveSnapshot(snap domain.MarketSnapshot) {
	p.mu.Lock()
	p.books[snap.MarketSlug] = snap
	var fills []domain.OrderUpdate
	for _, ord := range p.open {
		if ord.Intent.MarketSlug != snap.MarketSlug || ord.Status.Terminal() {
			continue
		}
		fills = append(fills, p.tryFillLocked(ord, snap)...)
	}
	p.mu.Unlock()
	for _, f := range fills {
		p.push(f)
	}
}

// Submit implements domain.ExecutionAdapter. The returned update is the
// acknowledgement; fills follow on the update stream.
func (p *Paper) Submit(ctx context.Context, intent domain.OrderIntent) (domain.OrderUpdate, error) {
	if intent.Price <= 0 || intent.Price > 1 || intent.Size <= 0 {
		return domain.OrderUpdate{}, &domain.SubmissionError{
			ClientOrderID: intent.ClientOrderID,
			Reason:        fmt.Sprintf("invalid order: price=%.4f size=%.2f", intent.Price, intent.Size),
			Retryable:     false,
		}
	}

	p.mu.Lock()
	if _, exists := p.open[intent.ClientOrderID]; exists {
		p.mu.Unlock()
		return domain.OrderUpdate{}, &domain.SubmissionError{
			ClientOrderID: intent.ClientOrderID,
			Reason:        "duplicate client order id",
			Retryable:     false,
		}
	}
	p.venueID++
	now := p.now()
	ord := &domain.Order{
		Intent:    intent,
		Status:    domain.OrderStatusAcknowledged,
		VenueID:   fmt.Sprintf("paper-%d", p.venueID),
		CreatedAt: now,
		UpdatedAt: now,
	}
	p.open[intent.ClientOrderID] = ord
	ack := domain.OrderUpdate{
		ClientOrderID: intent.ClientOrderID,
		Status:        domain.OrderStatusAcknowledged,
		VenueID:       ord.VenueID,
		TS:            now,
	}

	var fills []domain.OrderUpdate
	if snap, ok := p.books[intent.MarketSlug]; ok {
		fills = p.tryFillLocked(ord, snap)
	}
	p.mu.Unlock()

	if p.cfg.Latency > 0 {
		go func() {
			select {
			case <-ctx.Done():
			case <-time.After(p.cfg.Latency):
			}
			for _, f := range fills {
				p.push(f)
			}
		}()
	} else {
		for _, f := range fills {
			p.push(f)
		}
	}
	return ack, nil
}

// tryFillLocked fills ord against snap if the ask crosses the limit. Caller
// holds p.mu.
func (p *Paper) tryFillLocked(ord *domain.Order, snap domain.MarketSnapshot) []domain.OrderUpdate {
	ask := snap.AskFor(ord.Intent.LegSide)
	if ask <= 0 || ask > ord.Intent.Price {
		return nil
	}
	price := ask * (1 + p.cfg.SlippageBps/10_000)
	if price > ord.Intent.Price {
		price = ord.Intent.Price
	}
	ts := snap.TS

	var out []domain.OrderUpdate
	if p.cfg.TwoStepFills && ord.FilledSize == 0 && ord.Intent.Size > 1 {
		half := ord.Intent.Size / 2
		ord.Status = domain.OrderStatusPartiallyFilled
		ord.FilledSize = half
		ord.FillPrice = price
		ord.UpdatedAt = ts
		out = append(out, domain.OrderUpdate{
			ClientOrderID: ord.Intent.ClientOrderID,
			Status:        domain.OrderStatusPartiallyFilled,
			FilledSize:    half,
			FillPrice:     price,
			VenueID:       ord.VenueID,
			TS:            ts,
		})
	}
	ord.Status = domain.OrderStatusFilled
	ord.FilledSize = ord.Intent.Size
	ord.FillPrice = price
	ord.UpdatedAt = ts
	out = append(out, domain.OrderUpdate{
		ClientOrderID: ord.Intent.ClientOrderID,
		Status:        domain.OrderStatusFilled,
		FilledSize:    ord.Intent.Size,
		FillPrice:     price,
		VenueID:       ord.VenueID,
		TS:            ts,
	})
	return out
}

// Cancel implements domain.ExecutionAdapter. A filled order cannot be
// cancelled; the fill stands.
func (p *Paper) Cancel(ctx context.Context, clientOrderID string) error {
	p.mu.Lock()
	ord, ok := p.open[clientOrderID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("paper: cancel %s: %w", clientOrderID, domain.ErrOrderNotFound)
	}
	if ord.Status.Terminal() {
		p.mu.Unlock()
		if ord.Status == domain.OrderStatusFilled {
			return fmt.Errorf("paper: cancel %s: %w", clientOrderID, domain.ErrAlreadyFilled)
		}
		return nil
	}
	now := p.now()
	ord.Status = domain.OrderStatusCancelled
	ord.UpdatedAt = now
	upd := domain.OrderUpdate{
		ClientOrderID: clientOrderID,
		Status:        domain.OrderStatusCancelled,
		VenueID:       ord.VenueID,
		TS:            now,
	}
	p.mu.Unlock()
	p.push(upd)
	return nil
}

// QueryStatus implements domain.ExecutionAdapter.
func (p *Paper) QueryStatus(ctx context.Context, clientOrderID string) (domain.OrderUpdate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ord, ok := p.open[clientOrderID]
	if !ok {
		return domain.OrderUpdate{}, domain.ErrOrderNotFound
	}
	return domain.OrderUpdate{
		ClientOrderID: clientOrderID,
		Status:        ord.Status,
		FilledSize:    ord.FilledSize,
		FillPrice:     ord.FillPrice,
		VenueID:       ord.VenueID,
		TS:            ord.UpdatedAt,
	}, nil
}

func (p *Paper) push(upd domain.OrderUpdate) {
	select {
	case p.updates <- upd:
	default:
		p.logger.Warn("update buffer full, dropping",
			slog.String("client_order_id", upd.ClientOrderID),
			slog.String("status", string(upd.Status)),
		)
	}
}
