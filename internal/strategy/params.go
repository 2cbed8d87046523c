package strategy

import "github.com/crashhedge/crashbot/internal/risk"

// Params holds the tunable parameters of the two-leg crash+hedge strategy.
type Params struct {
	// MovePct is the minimum relative drop from the round baseline mid that
	// qualifies as a crash (e.g. 0.1 for 10%).
	MovePct float64
	// SumTarget is the maximum combined cost of the two legs
	// (crash entry + hedge ask) at which a hedge is considered.
	SumTarget float64
	// WindowMin is the number of minutes from round start during which a
	// crash leg may be opened.
	WindowMin int
	// MinSecondsToHedge blocks hedge entries in the final seconds of the
	// round, where a fill is unlikely to confirm in time.
	MinSecondsToHedge int64
	// Risk carries the sizing and exposure configuration.
	Risk risk.Config
}

// DefaultParams returns the documented defaults. The Kelly multiplier and the
// entry window mirror the values the strategy was tuned with; operators
// override them per deployment.
func DefaultParams() Params {
	return Params{
		MovePct:           0.10,
		SumTarget:         0.95,
		WindowMin:         3,
		MinSecondsToHedge: 3,
		Risk: risk.Config{
			KellyFraction:   0.25,
			BaseShares:      100,
			RiskPerTradePct: 2.0,
			FeeRate:         0.02,
			MinProfitUSD:    0.10,
			MaxInFlight:     2,
		},
	}
}
