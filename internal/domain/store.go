package domain

import (
	"context"
	"time"
)

// TradeEventStore persists the append-only trade event log.
type TradeEventStore interface {
	Insert(ctx context.Context, ev TradeEvent) error
	ListByRound(ctx context.Context, marketSlug string, roundStart time.Time) ([]TradeEvent, error)
	ListBefore(ctx context.Context, before time.Time) ([]TradeEvent, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// SnapshotStore persists normalized market snapshots, one row per update.
type SnapshotStore interface {
	Insert(ctx context.Context, snap MarketSnapshot) error
	InsertBatch(ctx context.Context, snaps []MarketSnapshot) error
}

// RoundLease is a held advisory round lock. Renew must be called while the
// round is non-terminal; Release is idempotent.
type RoundLease interface {
	Renew(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// RoundLocker hands out cooperative per-round locks so that redundant bot
// instances never act on the same round. Acquire returns ErrLockHeld when
// another instance holds the round.
type RoundLocker interface {
	Acquire(ctx context.Context, marketSlug string, roundStart time.Time, ttl time.Duration) (RoundLease, error)
}

// ExecutionAdapter is the single seam between the core and the venue. Paper
// and Live implementations are behaviorally substitutable; nothing above this
// interface branches on mode.
//
// Submit returns the first observable transition (ack, immediate fill, or
// rejection). Later transitions arrive on Updates. Cancel is best-effort: a
// fill that lands before the cancel takes precedence.
type ExecutionAdapter interface {
	Submit(ctx context.Context, intent OrderIntent) (OrderUpdate, error)
	Cancel(ctx context.Context, clientOrderID string) error
	QueryStatus(ctx context.Context, clientOrderID string) (OrderUpdate, error)
	Updates() <-chan OrderUpdate
}

// BlobWriter uploads a blob under the given key; used for cold archival.
type BlobWriter interface {
	Write(ctx context.Context, key string, data []byte, contentType string) error
}
