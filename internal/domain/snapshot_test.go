package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validSnapshot() MarketSnapshot {
	return MarketSnapshot{
		MarketSlug: "btc-updown-15m",
		TS:         time.Date(2026, 3, 14, 12, 1, 0, 0, time.UTC),
		UpBid:      0.48,
		UpAsk:      0.50,
		DownBid:    0.49,
		DownAsk:    0.51,
	}
}

func TestSnapshotValidate(t *testing.T) {
	assert.NoError(t, validSnapshot().Validate())

	s := validSnapshot()
	s.MarketSlug = ""
	assert.Error(t, s.Validate())

	s = validSnapshot()
	s.TS = time.Time{}
	assert.Error(t, s.Validate())

	s = validSnapshot()
	s.UpAsk = 0
	assert.Error(t, s.Validate())

	s = validSnapshot()
	s.DownAsk = 1.2
	assert.Error(t, s.Validate())

	s = validSnapshot()
	s.UpBid, s.UpAsk = 0.52, 0.50
	assert.Error(t, s.Validate(), "crossed book")
}

func TestSnapshotPrices(t *testing.T) {
	s := validSnapshot()

	assert.InDelta(t, 0.49, s.MidUp(), 1e-9)
	assert.InDelta(t, 0.50, s.MidDown(), 1e-9)

	assert.Equal(t, s.UpAsk, s.AskFor(LegSideUp))
	assert.Equal(t, s.DownAsk, s.AskFor(LegSideDown))
	assert.Equal(t, s.UpBid, s.BidFor(LegSideUp))
	assert.Equal(t, s.DownBid, s.BidFor(LegSideDown))
}
