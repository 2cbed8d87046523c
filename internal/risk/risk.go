// Package risk provides the pure sizing and pre-trade filters used by the
// strategy layer. Every function is deterministic and performs no I/O;
// a failed check downgrades a decision to no-action rather than erroring.
package risk

import "math"

// Config holds the tunable risk parameters.
type Config struct {
	// KellyFraction scales the raw Kelly stake (e.g. 0.25 for quarter-Kelly).
	KellyFraction float64
	// BaseShares is the absolute cap on shares per leg.
	BaseShares float64
	// RiskPerTradePct caps the stake as a percentage of bankroll (e.g. 2.0).
	RiskPerTradePct float64
	// FeeRate is the proportional fee applied on notional (e.g. 0.02).
	FeeRate float64
	// MinProfitUSD is the minimum locked profit required to open a hedge.
	MinProfitUSD float64
	// MaxInFlight caps simultaneous open (unhedged) rounds across markets.
	MaxInFlight int
}

// KellyFraction computes the Kelly bet fraction for a binary bet with win
// probability p and net odds b. Negative edges return zero (no bet).
func KellyFraction(p, b float64) float64 {
	if b <= 0 {
		return 0
	}
	f := (p*(b+1) - 1) / b
	if f < 0 || math.IsNaN(f) {
		return 0
	}
	return f
}

// SizeFor converts a win-probability estimate into a share count: Kelly stake
// scaled by cfg.KellyFraction, clamped by the percentage-of-bankroll cap and
// the absolute share cap. Returns 0 when no position should be taken.
func SizeFor(winProb, price, bankroll float64, cfg Config) float64 {
	if bankroll <= 0 || price <= 0 {
		return 0
	}
	b := (1 - price) / price
	k := KellyFraction(winProb, b) * cfg.KellyFraction
	if k <= 0 {
		return 0
	}
	stake := bankroll * k
	if maxRisk := bankroll * (cfg.RiskPerTradePct / 100); stake > maxRisk {
		stake = maxRisk
	}
	costPerShare := price * (1 + cfg.FeeRate)
	shares := stake / costPerShare
	if !isFinite(shares) || shares <= 0 {
		return 0
	}
	if shares > cfg.BaseShares {
		shares = cfg.BaseShares
	}
	return shares
}

// LockedProfit is the guaranteed payoff once both legs fill: one winning
// share pays 1.0 regardless of outcome, minus combined cost and fees.
func LockedProfit(entryPrice, hedgePrice, size, feeRate float64) float64 {
	cost := (entryPrice + hedgePrice) * size
	gross := size - cost
	return gross - cost*feeRate
}

// PassesProfitThreshold reports whether the implied locked profit of a hedge
// at hedgePrice clears the configured minimum after fees.
func PassesProfitThreshold(entryPrice, hedgePrice, size, feeRate, minProfitUSD float64) bool {
	if hedgePrice <= 0 || size <= 0 {
		return false
	}
	return LockedProfit(entryPrice, hedgePrice, size, feeRate) >= minProfitUSD
}

// WithinExposureLimits reports whether opening one more unhedged position
// keeps the cross-market open-order count within the configured cap.
func WithinExposureLimits(open, maxInFlight int) bool {
	if maxInFlight <= 0 {
		return false
	}
	return open < maxInFlight
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
