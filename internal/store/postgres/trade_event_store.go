package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crashhedge/crashbot/internal/domain"
)

// TradeEventStore implements domain.TradeEventStore on PostgreSQL.
type TradeEventStore struct {
	pool *pgxpool.Pool
}

// NewTradeEventStore creates a TradeEventStore over the given pool.
func NewTradeEventStore(pool *pgxpool.Pool) *TradeEventStore {
	return &TradeEventStore{pool: pool}
}

const tradeEventCols = `ts, market_slug, round_start, leg, client_order_id,
	side, price, size, status, expected_locked_profit`

// Insert appends one event to the log.
func (s *TradeEventStore) Insert(ctx context.Context, ev domain.TradeEvent) error {
	const query = `
		INSERT INTO trade_events (` + tradeEventCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.pool.Exec(ctx, query,
		ev.TS, ev.MarketSlug, ev.RoundStart, string(ev.Leg), ev.ClientOrderID,
		string(ev.Side), ev.Price, ev.Size, string(ev.Status), ev.ExpectedLockedProfit,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade event: %w", err)
	}
	return nil
}

// ListByRound returns the full event history of one round, oldest first.
func (s *TradeEventStore) ListByRound(ctx context.Context, marketSlug string, roundStart time.Time) ([]domain.TradeEvent, error) {
	const query = `
		SELECT ` + tradeEventCols + `
		FROM trade_events
		WHERE market_slug = $1 AND round_start = $2
		ORDER BY ts ASC, id ASC`
	rows, err := s.pool.Query(ctx, query, marketSlug, roundStart)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trade events by round: %w", err)
	}
	defer rows.Close()
	return scanTradeEvents(rows)
}

// ListBefore returns events older than the cutoff, oldest first, for
// archival.
func (s *TradeEventStore) ListBefore(ctx context.Context, before time.Time) ([]domain.TradeEvent, error) {
	const query = `
		SELECT ` + tradeEventCols + `
		FROM trade_events
		WHERE ts < $1
		ORDER BY ts ASC, id ASC`
	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trade events before: %w", err)
	}
	defer rows.Close()
	return scanTradeEvents(rows)
}

// DeleteBefore removes events older than the cutoff and returns the count.
func (s *TradeEventStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trade_events WHERE ts < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trade events before: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanTradeEvents(rows pgx.Rows) ([]domain.TradeEvent, error) {
	var events []domain.TradeEvent
	for rows.Next() {
		var (
			ev     domain.TradeEvent
			leg    string
			side   string
			status string
		)
		if err := rows.Scan(
			&ev.TS, &ev.MarketSlug, &ev.RoundStart, &leg, &ev.ClientOrderID,
			&side, &ev.Price, &ev.Size, &status, &ev.ExpectedLockedProfit,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan trade event: %w", err)
		}
		ev.Leg = domain.Leg(leg)
		ev.Side = domain.OrderSide(side)
		ev.Status = domain.OrderStatus(status)
		events = append(events, ev)
	}
	return events, rows.Err()
}
