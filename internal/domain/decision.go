package domain

import "time"

// LegSide indicates which outcome token a leg trades.
type LegSide string

const (
	LegSideUp   LegSide = "up"
	LegSideDown LegSide = "down"
)

// Opposite returns the other outcome token.
func (s LegSide) Opposite() LegSide {
	if s == LegSideUp {
		return LegSideDown
	}
	return LegSideUp
}

// Leg tags the role of an order within a round's two-leg trade.
type Leg string

const (
	LegCrash Leg = "crash"
	LegHedge Leg = "hedge"
)

// DecisionKind discriminates the Decision variants.
type DecisionKind string

const (
	DecisionEnterLeg   DecisionKind = "enter_leg"
	DecisionEnterHedge DecisionKind = "enter_hedge"
	DecisionCancel     DecisionKind = "cancel"
	DecisionNoAction   DecisionKind = "no_action"
)

// Decision is an instruction emitted by the strategy layer and consumed
// immediately by the order lifecycle manager.
type Decision struct {
	Kind       DecisionKind
	MarketSlug string
	RoundStart time.Time
	Side       LegSide
	Price      float64
	Size       float64

	// ExpectedProfit is the locked profit implied by an EnterHedge decision
	// once both legs fill; zero for other kinds.
	ExpectedProfit float64

	// ClientOrderID names the order to cancel for DecisionCancel.
	ClientOrderID string

	// Reason carries the trigger description for logging and events.
	Reason string
}

// LegFor returns the leg an entry decision maps to.
func (d Decision) LegFor() Leg {
	if d.Kind == DecisionEnterHedge {
		return LegHedge
	}
	return LegCrash
}
