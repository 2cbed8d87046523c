package domain

import "time"

// TradeEvent is an immutable record emitted on every order-state transition
// of interest. Events are write-once and shipped to the storage collaborator.
type TradeEvent struct {
	TS                   time.Time   `json:"ts"`
	MarketSlug           string      `json:"market_slug"`
	RoundStart           time.Time   `json:"round_start"`
	Leg                  Leg         `json:"leg"`
	ClientOrderID        string      `json:"client_order_id"`
	Side                 OrderSide   `json:"side"`
	Price                float64     `json:"price"`
	Size                 float64     `json:"size"`
	Status               OrderStatus `json:"status"`
	ExpectedLockedProfit *float64    `json:"expected_locked_profit,omitempty"`
}
