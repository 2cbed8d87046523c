package domain

import (
	"fmt"
	"time"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusCreated         OrderStatus = "created"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusAcknowledged    OrderStatus = "acknowledged"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusExpired         OrderStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled, OrderStatusExpired:
		return true
	}
	return false
}

// Filled reports whether the order has at least one confirmed fill.
func (s OrderStatus) Filled() bool {
	return s == OrderStatusPartiallyFilled || s == OrderStatusFilled
}

// ClientOrderID derives the deterministic idempotent identifier for a leg
// order. The same (market, round, leg, attempt) always yields the same id, so
// a retried submission can never create a duplicate order at the venue.
func ClientOrderID(marketSlug string, roundStart time.Time, leg Leg, attempt int) string {
	return fmt.Sprintf("%s-%d-%s-%d", marketSlug, roundStart.UTC().Unix(), leg, attempt)
}

// OrderIntent is the immutable request derived from an entry decision.
type OrderIntent struct {
	ClientOrderID string
	MarketSlug    string
	RoundStart    time.Time
	Leg           Leg
	Side          OrderSide
	LegSide       LegSide
	Price         float64
	Size          float64

	// ExpectedProfit propagates the strategy's locked-profit estimate for
	// hedge legs; zero for crash legs.
	ExpectedProfit float64
}

// Order is the lifecycle manager's mutable view of a submitted intent.
type Order struct {
	Intent     OrderIntent
	Status     OrderStatus
	FilledSize float64
	FillPrice  float64
	VenueID    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// OrderUpdate reports a single order state transition from an execution
// adapter back to the lifecycle manager.
type OrderUpdate struct {
	ClientOrderID string
	Status        OrderStatus
	FilledSize    float64
	FillPrice     float64
	VenueID       string
	Reason        string
	TS            time.Time
}
