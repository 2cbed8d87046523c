package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crashhedge/crashbot/internal/clob"
	"github.com/crashhedge/crashbot/internal/domain"
)

// TokenResolver maps a market slug and outcome side to the exchange token id
// to trade. Implemented by config.Config.
type TokenResolver interface {
	TokenID(marketSlug string, side domain.LegSide) (string, error)
}

// LiveConfig tunes the live adapter.
type LiveConfig struct {
	// PollInterval is how often open orders are polled for status changes.
	PollInterval time.Duration
}

// Live places real orders through the CLOB client and translates exchange
// order state into lifecycle updates. Fill detection is poll based: Run
// queries every open order each PollInterval and pushes transitions to the
// update stream.
type Live struct {
	client  *clob.Client
	tokens  TokenResolver
	cfg     LiveConfig
	logger  *slog.Logger
	updates chan domain.OrderUpdate

	mu   sync.Mutex
	open map[string]*liveOrder
}

type liveOrder struct {
	intent  domain.OrderIntent
	venueID string
	last    domain.OrderStatus
	matched float64
}

// NewLive creates a live adapter over an authenticated CLOB client.
func NewLive(client *clob.Client, tokens TokenResolver, cfg LiveConfig, logger *slog.Logger) *Live {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Live{
		client:  client,
		tokens:  tokens,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "live_adapter")),
		updates: make(chan domain.OrderUpdate, 1024),
		open:    make(map[string]*liveOrder),
	}
}

// Updates implements domain.ExecutionAdapter.
func (l *Live) Updates() <-chan domain.OrderUpdate { return l.updates }

// Submit implements domain.ExecutionAdapter.
func (l *Live) Submit(ctx context.Context, intent domain.OrderIntent) (domain.OrderUpdate, error) {
	tokenID, err := l.tokens.TokenID(intent.MarketSlug, intent.LegSide)
	if err != nil {
		return domain.OrderUpdate{}, &domain.SubmissionError{
			ClientOrderID: intent.ClientOrderID,
			Reason:        err.Error(),
			Retryable:     false,
		}
	}

	res, err := l.client.PlaceOrder(ctx, clob.OrderRequest{
		TokenID:       tokenID,
		ClientOrderID: intent.ClientOrderID,
		Side:          intent.Side,
		Price:         intent.Price,
		Size:          intent.Size,
	})
	if err != nil {
		return domain.OrderUpdate{}, err
	}

	now := time.Now().UTC()
	l.mu.Lock()
	l.open[intent.ClientOrderID] = &liveOrder{
		intent:  intent,
		venueID: res.OrderID,
		last:    domain.OrderStatusAcknowledged,
	}
	l.mu.Unlock()

	l.logger.Info("order placed",
		slog.String("client_order_id", intent.ClientOrderID),
		slog.String("venue_id", res.OrderID),
		slog.String("venue_status", res.Status),
	)
	return domain.OrderUpdate{
		ClientOrderID: intent.ClientOrderID,
		Status:        domain.OrderStatusAcknowledged,
		VenueID:       res.OrderID,
		TS:            now,
	}, nil
}

// Cancel implements domain.ExecutionAdapter.
func (l *Live) Cancel(ctx context.Context, clientOrderID string) error {
	l.mu.Lock()
	ord, ok := l.open[clientOrderID]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("live: cancel %s: %w", clientOrderID, domain.ErrOrderNotFound)
	}
	if ord.last == domain.OrderStatusFilled {
		return fmt.Errorf("live: cancel %s: %w", clientOrderID, domain.ErrAlreadyFilled)
	}
	if err := l.client.CancelOrder(ctx, ord.venueID); err != nil {
		// A refused cancel usually means the order just matched; confirm
		// against venue state so the caller can treat it as a fill race.
		if state, qerr := l.client.GetOrder(ctx, ord.venueID); qerr == nil && state.Status == domain.OrderStatusFilled {
			return fmt.Errorf("live: cancel %s: %w", clientOrderID, domain.ErrAlreadyFilled)
		}
		return err
	}
	return nil
}

// QueryStatus implements domain.ExecutionAdapter.
func (l *Live) QueryStatus(ctx context.Context, clientOrderID string) (domain.OrderUpdate, error) {
	l.mu.Lock()
	ord, ok := l.open[clientOrderID]
	l.mu.Unlock()
	if !ok {
		return domain.OrderUpdate{}, domain.ErrOrderNotFound
	}
	state, err := l.client.GetOrder(ctx, ord.venueID)
	if err != nil {
		return domain.OrderUpdate{}, err
	}
	return updateFrom(ord, state, time.Now().UTC()), nil
}

// Run polls open orders until the context is cancelled, pushing every status
// or fill-size change onto the update stream.
func (l *Live) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	l.logger.Info("live adapter polling", slog.Duration("interval", l.cfg.PollInterval))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.pollOnce(ctx)
		}
	}
}

func (l *Live) pollOnce(ctx context.Context) {
	l.mu.Lock()
	ids := make([]string, 0, len(l.open))
	for id, ord := range l.open {
		if !ord.last.Terminal() {
			ids = append(ids, id)
		}
	}
	l.mu.Unlock()

	for _, id := range ids {
		l.mu.Lock()
		ord := l.open[id]
		l.mu.Unlock()
		if ord == nil {
			continue
		}

		state, err := l.client.GetOrder(ctx, ord.venueID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("status poll failed",
				slog.String("client_order_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}

		l.mu.Lock()
		changed := state.Status != ord.last || state.SizeMatched != ord.matched
		if changed {
			ord.last = state.Status
			ord.matched = state.SizeMatched
			if state.Status.Terminal() {
				delete(l.open, id)
			}
		}
		l.mu.Unlock()

		if changed {
			upd := updateFrom(ord, state, time.Now().UTC())
			select {
			case l.updates <- upd:
			case <-ctx.Done():
				return
			}
		}
	}
}

func updateFrom(ord *liveOrder, state clob.OrderState, ts time.Time) domain.OrderUpdate {
	return domain.OrderUpdate{
		ClientOrderID: ord.intent.ClientOrderID,
		Status:        state.Status,
		FilledSize:    state.SizeMatched,
		FillPrice:     state.Price,
		VenueID:       state.OrderID,
		TS:            ts,
	}
}
