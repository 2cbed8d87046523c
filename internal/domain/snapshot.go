package domain

import (
	"fmt"
	"time"
)

// MarketSnapshot is a normalized view of the best bid/ask for the paired
// UP/DOWN outcome tokens of a 15-minute binary market. Snapshots are produced
// by the ingestor and never mutated by the core.
type MarketSnapshot struct {
	MarketSlug string    `json:"market_slug"`
	TS         time.Time `json:"ts"`
	UpBid      float64   `json:"up_bid"`
	UpAsk      float64   `json:"up_ask"`
	DownBid    float64   `json:"down_bid"`
	DownAsk    float64   `json:"down_ask"`
}

// MidUp returns the mid price for the UP token.
func (s MarketSnapshot) MidUp() float64 {
	return 0.5 * (s.UpBid + s.UpAsk)
}

// MidDown returns the mid price for the DOWN token.
func (s MarketSnapshot) MidDown() float64 {
	return 0.5 * (s.DownBid + s.DownAsk)
}

// AskFor returns the best ask for the given side.
func (s MarketSnapshot) AskFor(side LegSide) float64 {
	if side == LegSideUp {
		return s.UpAsk
	}
	return s.DownAsk
}

// BidFor returns the best bid for the given side.
func (s MarketSnapshot) BidFor(side LegSide) float64 {
	if side == LegSideUp {
		return s.UpBid
	}
	return s.DownBid
}

// Validate reports whether the snapshot is usable for strategy evaluation.
// Binary outcome prices must be in (0, 1] and the timestamp must be set.
func (s MarketSnapshot) Validate() error {
	if s.MarketSlug == "" {
		return fmt.Errorf("snapshot: empty market slug")
	}
	if s.TS.IsZero() {
		return fmt.Errorf("snapshot: zero timestamp for %s", s.MarketSlug)
	}
	for _, p := range []float64{s.UpBid, s.UpAsk, s.DownBid, s.DownAsk} {
		if p <= 0 || p > 1 {
			return fmt.Errorf("snapshot: price %.6f out of range for %s", p, s.MarketSlug)
		}
	}
	if s.UpBid > s.UpAsk || s.DownBid > s.DownAsk {
		return fmt.Errorf("snapshot: crossed book for %s", s.MarketSlug)
	}
	return nil
}
