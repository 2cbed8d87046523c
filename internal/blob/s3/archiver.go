package s3blob

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/crashhedge/crashbot/internal/domain"
)

// Archiver moves aged trade events out of the primary store: it exports them
// as gzipped JSONL to object storage, then deletes the exported rows. The
// delete only runs after the upload succeeded.
type Archiver struct {
	writer domain.BlobWriter
	events domain.TradeEventStore
	logger *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(writer domain.BlobWriter, events domain.TradeEventStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		events: events,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveBefore exports and prunes all trade events older than the cutoff.
// It returns the number of archived rows.
func (a *Archiver) ArchiveBefore(ctx context.Context, before time.Time) (int64, error) {
	events, err := a.events.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	blob, err := gzipJSONL(events)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive encode: %w", err)
	}

	key := archiveKey(before)
	if err := a.writer.Write(ctx, key, blob, "application/gzip"); err != nil {
		return 0, fmt.Errorf("s3blob: archive upload: %w", err)
	}

	deleted, err := a.events.DeleteBefore(ctx, before)
	if err != nil {
		// The export is durable; the rows stay and the next run retries the
		// delete.
		return int64(len(events)), fmt.Errorf("s3blob: archive prune: %w", err)
	}

	a.logger.Info("trade events archived",
		slog.String("key", key),
		slog.Int("exported", len(events)),
		slog.Int64("deleted", deleted),
	)
	return int64(len(events)), nil
}

// Run archives on a fixed interval, keeping retention's worth of events in
// the primary store.
func (a *Archiver) Run(ctx context.Context, interval, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.ArchiveBefore(ctx, time.Now().UTC().Add(-retention)); err != nil {
				a.logger.Warn("archive pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// archiveKey partitions archives by the year-month of the cutoff:
//
//	archive/trade_events/2026-08.jsonl.gz
func archiveKey(before time.Time) string {
	return fmt.Sprintf("archive/trade_events/%s.jsonl.gz", before.Format("2006-01"))
}

func gzipJSONL(events []domain.TradeEvent) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	enc.SetEscapeHTML(false)
	for i, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return nil, fmt.Errorf("encode record %d: %w", i, err)
		}
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
