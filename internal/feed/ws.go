// Package feed streams order book data from the exchange WebSocket and pairs
// the UP and DOWN token books of each market into MarketSnapshot values.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crashhedge/crashbot/internal/domain"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
	handshakeTimeout  = 15 * time.Second
)

// MarketTokens binds a market slug to the token ids of its two outcomes.
type MarketTokens struct {
	Slug      string
	UpToken   string
	DownToken string
}

// SnapshotHandler receives every paired snapshot. Handlers must not block;
// slow consumers buffer on their own side.
type SnapshotHandler func(domain.MarketSnapshot)

// tokenRef locates a token inside its market pair.
type tokenRef struct {
	slug string
	side domain.LegSide
}

// quote is the current top of book for one token.
type quote struct {
	bid, ask float64
	seen     bool
}

// Feed is the WebSocket market data client. It subscribes to the book
// channel for every configured token, keeps top-of-book per token, and emits
// a MarketSnapshot whenever a book message completes a market's pair. The
// connection reconnects with exponential backoff and re-subscribes.
type Feed struct {
	wsURL   string
	markets []MarketTokens
	logger  *slog.Logger

	byToken map[string]tokenRef
	assets  []string

	handlerMu sync.RWMutex
	handlers  []SnapshotHandler

	mu     sync.Mutex
	conn   *websocket.Conn
	quotes map[string]*quote
}

// New builds a Feed for the given WebSocket endpoint and market set.
func New(wsURL string, markets []MarketTokens, logger *slog.Logger) (*Feed, error) {
	if len(markets) == 0 {
		return nil, fmt.Errorf("feed: no markets configured")
	}
	f := &Feed{
		wsURL:   wsURL,
		markets: markets,
		logger:  logger.With(slog.String("component", "market_feed")),
		byToken: make(map[string]tokenRef),
		quotes:  make(map[string]*quote),
	}
	for _, m := range markets {
		if m.UpToken == "" || m.DownToken == "" {
			return nil, fmt.Errorf("feed: market %s is missing a token id", m.Slug)
		}
		f.byToken[m.UpToken] = tokenRef{slug: m.Slug, side: domain.LegSideUp}
		f.byToken[m.DownToken] = tokenRef{slug: m.Slug, side: domain.LegSideDown}
		f.assets = append(f.assets, m.UpToken, m.DownToken)
	}
	return f, nil
}

// OnSnapshot registers a snapshot consumer. Register before Run.
func (f *Feed) OnSnapshot(h SnapshotHandler) {
	f.handlerMu.Lock()
	defer f.handlerMu.Unlock()
	f.handlers = append(f.handlers, h)
}

// Run connects and reads until the context is cancelled, reconnecting with
// exponential backoff on any transport failure.
func (f *Feed) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		if err := f.connect(ctx); err != nil {
			f.logger.Warn("connect failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay),
			)
		} else {
			delay = reconnectDelay
			err := f.readLoop(ctx)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Warn("feed disconnected",
				slog.String("error", fmt.Sprintf("%v: %v", domain.ErrWSDisconnect, err)),
				slog.Duration("retry_in", delay),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (f *Feed) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", f.wsURL, err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	sub := map[string]any{
		"type":       "subscribe",
		"channel":    "book",
		"assets_ids": f.assets,
	}
	payload, err := json.Marshal(sub)
	if err != nil {
		conn.Close()
		return fmt.Errorf("feed: marshal subscribe: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		conn.Close()
		return fmt.Errorf("feed: subscribe: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	// Quotes restart from scratch on every connection so a stale pre-drop
	// book never pairs with a fresh one.
	f.quotes = make(map[string]*quote)
	f.mu.Unlock()

	f.logger.Info("feed connected",
		slog.String("url", f.wsURL),
		slog.Int("assets", len(f.assets)),
	)
	return nil
}

// readLoop pumps messages until the connection drops or ctx ends. A ping
// goroutine keeps the connection alive; read deadlines are refreshed by the
// pong handler.
func (f *Feed) readLoop(ctx context.Context) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go f.pingLoop(pingCtx, conn)

	// Close unblocks ReadMessage when ctx is cancelled.
	go func() {
		<-pingCtx.Done()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handleMessage(raw)
	}
}

func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// bookMessage is the exchange's full book snapshot for one token.
type bookMessage struct {
	EventType string  `json:"event_type"`
	AssetID   string  `json:"asset_id"`
	Timestamp string  `json:"timestamp"` // unix milliseconds
	Bids      []level `json:"bids"`
	Asks      []level `json:"asks"`
}

type level struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

func (f *Feed) handleMessage(raw []byte) {
	// The feed multiplexes several event types; only book snapshots matter
	// here. Messages may also arrive as arrays.
	if len(raw) > 0 && raw[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(raw, &batch); err != nil {
			return
		}
		for _, m := range batch {
			f.handleMessage(m)
		}
		return
	}

	var msg bookMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.EventType != "book" {
		return
	}
	ref, ok := f.byToken[msg.AssetID]
	if !ok {
		return
	}

	bid := bestPrice(msg.Bids, true)
	ask := bestPrice(msg.Asks, false)
	ts := parseMillis(msg.Timestamp)

	f.mu.Lock()
	q, ok := f.quotes[msg.AssetID]
	if !ok {
		q = &quote{}
		f.quotes[msg.AssetID] = q
	}
	q.bid, q.ask, q.seen = bid, ask, true
	snap, ready := f.pairLocked(ref.slug, ts)
	f.mu.Unlock()

	if !ready {
		return
	}
	if err := snap.Validate(); err != nil {
		f.logger.Debug("dropping invalid snapshot",
			slog.String("market", ref.slug),
			slog.String("error", err.Error()),
		)
		return
	}

	f.handlerMu.RLock()
	handlers := f.handlers
	f.handlerMu.RUnlock()
	for _, h := range handlers {
		h(snap)
	}
}

// pairLocked assembles the market snapshot if both token books have been
// seen. Caller holds f.mu.
func (f *Feed) pairLocked(slug string, ts time.Time) (domain.MarketSnapshot, bool) {
	var up, down *quote
	var m MarketTokens
	for _, cand := range f.markets {
		if cand.Slug == slug {
			m = cand
			break
		}
	}
	up = f.quotes[m.UpToken]
	down = f.quotes[m.DownToken]
	if up == nil || down == nil || !up.seen || !down.seen {
		return domain.MarketSnapshot{}, false
	}
	return domain.MarketSnapshot{
		MarketSlug: slug,
		TS:         ts,
		UpBid:      up.bid,
		UpAsk:      up.ask,
		DownBid:    down.bid,
		DownAsk:    down.ask,
	}, true
}

// bestPrice returns the highest bid or lowest ask from a level list.
func bestPrice(levels []level, isBid bool) float64 {
	best := 0.0
	for _, lv := range levels {
		p, err := strconv.ParseFloat(lv.Price, 64)
		if err != nil || p <= 0 {
			continue
		}
		if best == 0 || (isBid && p > best) || (!isBid && p < best) {
			best = p
		}
	}
	return best
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}
