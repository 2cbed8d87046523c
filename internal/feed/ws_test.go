package feed

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashhedge/crashbot/internal/domain"
)

func testMarkets() []MarketTokens {
	return []MarketTokens{{
		Slug:      "btc-updown-15m",
		UpToken:   "111",
		DownToken: "222",
	}}
}

func newTestFeed(t *testing.T) *Feed {
	t.Helper()
	f, err := New("wss://example.invalid/ws", testMarkets(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return f
}

func bookJSON(assetID string, tsMillis int64, bids, asks [][2]string) []byte {
	msg := fmt.Sprintf(`{"event_type":"book","asset_id":%q,"timestamp":"%d","bids":%s,"asks":%s}`,
		assetID, tsMillis, levelsJSON(bids), levelsJSON(asks))
	return []byte(msg)
}

func levelsJSON(levels [][2]string) string {
	out := "["
	for i, lv := range levels {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf(`{"price":%q,"size":%q}`, lv[0], lv[1])
	}
	return out + "]"
}

func TestNewValidation(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	_, err := New("wss://example.invalid/ws", nil, logger)
	assert.Error(t, err, "no markets")

	_, err = New("wss://example.invalid/ws", []MarketTokens{{Slug: "x", UpToken: "111"}}, logger)
	assert.Error(t, err, "missing token id")
}

func TestBestPrice(t *testing.T) {
	levels := []level{
		{Price: "0.48", Size: "100"},
		{Price: "0.50", Size: "25"},
		{Price: "0.45", Size: "500"},
		{Price: "junk", Size: "1"},
	}
	assert.Equal(t, 0.50, bestPrice(levels, true), "highest bid")
	assert.Equal(t, 0.45, bestPrice(levels, false), "lowest ask")
	assert.Equal(t, 0.0, bestPrice(nil, true), "empty book")
}

func TestParseMillis(t *testing.T) {
	want := time.Date(2026, 3, 14, 12, 0, 30, 0, time.UTC)
	assert.Equal(t, want, parseMillis("1773489630000"))

	// Unparseable timestamps fall back to wall time.
	got := parseMillis("not-a-number")
	assert.WithinDuration(t, time.Now().UTC(), got, time.Minute)
}

func TestHandleMessagePairsSnapshots(t *testing.T) {
	f := newTestFeed(t)
	var got []domain.MarketSnapshot
	f.OnSnapshot(func(snap domain.MarketSnapshot) { got = append(got, snap) })

	// The first book only covers one side of the pair.
	f.handleMessage(bookJSON("111", 1773489630000,
		[][2]string{{"0.48", "100"}}, [][2]string{{"0.50", "50"}}))
	assert.Empty(t, got)

	// The second side completes the pair and emits a snapshot.
	f.handleMessage(bookJSON("222", 1773489631000,
		[][2]string{{"0.49", "80"}}, [][2]string{{"0.51", "60"}}))
	require.Len(t, got, 1)
	assert.Equal(t, "btc-updown-15m", got[0].MarketSlug)
	assert.Equal(t, 0.48, got[0].UpBid)
	assert.Equal(t, 0.50, got[0].UpAsk)
	assert.Equal(t, 0.49, got[0].DownBid)
	assert.Equal(t, 0.51, got[0].DownAsk)
	assert.Equal(t, time.UnixMilli(1773489631000).UTC(), got[0].TS)

	// Every further book update re-emits with the refreshed side.
	f.handleMessage(bookJSON("111", 1773489632000,
		[][2]string{{"0.47", "100"}}, [][2]string{{"0.49", "50"}}))
	require.Len(t, got, 2)
	assert.Equal(t, 0.47, got[1].UpBid)
	assert.Equal(t, 0.49, got[1].DownBid, "other side carries over")
}

func TestHandleMessageIgnoresNoise(t *testing.T) {
	f := newTestFeed(t)
	var got []domain.MarketSnapshot
	f.OnSnapshot(func(snap domain.MarketSnapshot) { got = append(got, snap) })

	f.handleMessage([]byte(`{"event_type":"price_change","asset_id":"111"}`))
	f.handleMessage([]byte(`{"event_type":"book","asset_id":"999"}`))
	f.handleMessage([]byte(`not json`))
	assert.Empty(t, got)

	// An empty book yields zero prices, which fail validation and are
	// dropped instead of reaching handlers.
	f.handleMessage(bookJSON("111", 1773489630000, nil, nil))
	f.handleMessage(bookJSON("222", 1773489630000, nil, nil))
	assert.Empty(t, got)
}

func TestHandleMessageBatch(t *testing.T) {
	f := newTestFeed(t)
	var got []domain.MarketSnapshot
	f.OnSnapshot(func(snap domain.MarketSnapshot) { got = append(got, snap) })

	batch := []byte("[" +
		string(bookJSON("111", 1773489630000, [][2]string{{"0.48", "100"}}, [][2]string{{"0.50", "50"}})) + "," +
		string(bookJSON("222", 1773489630000, [][2]string{{"0.49", "80"}}, [][2]string{{"0.51", "60"}})) +
		"]")
	f.handleMessage(batch)
	require.Len(t, got, 1)
	assert.Equal(t, "btc-updown-15m", got[0].MarketSlug)
}
