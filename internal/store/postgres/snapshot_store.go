package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crashhedge/crashbot/internal/domain"
)

// SnapshotStore implements domain.SnapshotStore on PostgreSQL.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a SnapshotStore over the given pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

const snapshotInsert = `
	INSERT INTO market_snapshots (ts, market_slug, up_bid, up_ask, down_bid, down_ask)
	VALUES ($1, $2, $3, $4, $5, $6)`

// Insert persists a single snapshot row.
func (s *SnapshotStore) Insert(ctx context.Context, snap domain.MarketSnapshot) error {
	_, err := s.pool.Exec(ctx, snapshotInsert,
		snap.TS, snap.MarketSlug, snap.UpBid, snap.UpAsk, snap.DownBid, snap.DownAsk,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert snapshot: %w", err)
	}
	return nil
}

// InsertBatch persists snapshots with a pgx batch, one row per snapshot.
func (s *SnapshotStore) InsertBatch(ctx context.Context, snaps []domain.MarketSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, snap := range snaps {
		batch.Queue(snapshotInsert,
			snap.TS, snap.MarketSlug, snap.UpBid, snap.UpAsk, snap.DownBid, snap.DownAsk,
		)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := range snaps {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert snapshot batch item %d: %w", i, err)
		}
	}
	return nil
}
