// Package backtest replays recorded market snapshots through the strategy
// and execution layers with the paper adapter, producing deterministic
// results: the same snapshot series always yields the same trades.
package backtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crashhedge/crashbot/internal/domain"
)

// MemoryEventStore is an in-memory domain.TradeEventStore used during
// replay, so a backtest needs no database.
type MemoryEventStore struct {
	mu     sync.Mutex
	events []domain.TradeEvent
}

// NewMemoryEventStore creates an empty store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{}
}

// Insert implements domain.TradeEventStore.
func (s *MemoryEventStore) Insert(ctx context.Context, ev domain.TradeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// ListByRound implements domain.TradeEventStore.
func (s *MemoryEventStore) ListByRound(ctx context.Context, marketSlug string, roundStart time.Time) ([]domain.TradeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TradeEvent
	for _, ev := range s.events {
		if ev.MarketSlug == marketSlug && ev.RoundStart.Equal(roundStart) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// ListBefore implements domain.TradeEventStore.
func (s *MemoryEventStore) ListBefore(ctx context.Context, before time.Time) ([]domain.TradeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TradeEvent
	for _, ev := range s.events {
		if ev.TS.Before(before) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
	return out, nil
}

// DeleteBefore implements domain.TradeEventStore.
func (s *MemoryEventStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	var deleted int64
	for _, ev := range s.events {
		if ev.TS.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, ev)
	}
	s.events = kept
	return deleted, nil
}

// All returns every recorded event in insertion order.
func (s *MemoryEventStore) All() []domain.TradeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TradeEvent, len(s.events))
	copy(out, s.events)
	return out
}

var _ domain.TradeEventStore = (*MemoryEventStore)(nil)
