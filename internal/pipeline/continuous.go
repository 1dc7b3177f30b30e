package pipeline

import (
	"context"
	"time"

	"github.com/outblock/hlindexer/internal/fetcher"
	"github.com/outblock/hlindexer/internal/ingesterr"
	"github.com/outblock/hlindexer/internal/model"
)

// RunContinuous runs the unbounded, single-threaded select over
// (shutdown signal, one fetch-and-insert cycle). shutdown is a
// single-slot channel; closing or sending on it exits the loop
// cleanly between batches, never mid-batch.
func (p *Pipeline) RunContinuous(ctx context.Context, startFrom time.Time, shutdown <-chan struct{}) error {
	p.log.Info("starting continuous ingestion pipeline")

	checkpoint, err := p.store.GetCheckpoint(ctx, p.exchange, p.source)
	if err != nil {
		return err
	}
	if checkpoint == nil {
		checkpoint = &model.Checkpoint{Exchange: p.exchange, Source: p.source, LastRecordTS: startFrom}
	}

	currentStart := startFrom
	if !checkpoint.LastRecordTS.IsZero() {
		currentStart = checkpoint.LastRecordTS
	}
	cursor := checkpoint.Cursor
	totalProcessed := checkpoint.RecordsProcessed

	for {
		select {
		case <-shutdown:
			p.log.Info("shutting down pipeline")
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		batch, inserted, err := p.fetchAndProcessBatch(ctx, currentStart, cursor)
		if err != nil {
			if ingesterr.Retryable(err) {
				p.log.WithError(err).Warn("retryable error, backing off")
				if !sleepOrShutdown(ctx, shutdown, 30*time.Second) {
					return nil
				}
				continue
			}
			return err
		}

		totalProcessed += inserted
		if len(batch.Fills) > 0 {
			currentStart = batch.Fills[len(batch.Fills)-1].Timestamp
		}
		cursor = batch.NextCursor

		checkpoint = &model.Checkpoint{
			Exchange:         p.exchange,
			Source:           p.source,
			Cursor:           cursor,
			LastRecordTS:     currentStart,
			RecordsProcessed: totalProcessed,
			UpdatedAt:        time.Now().UTC(),
		}
		if len(batch.Fills) > 0 {
			checkpoint.LastBlockNumber = batch.Fills[len(batch.Fills)-1].BlockNumber
		}
		if err := p.store.SaveCheckpoint(ctx, *checkpoint); err != nil {
			return err
		}

		if inserted > 0 {
			p.agg.RefreshMaterializedViews(ctx)
		}

		if !batch.HasMore {
			if !sleepOrShutdown(ctx, shutdown, 60*time.Second) {
				return nil
			}
		}
	}
}

func (p *Pipeline) fetchAndProcessBatch(ctx context.Context, startFrom time.Time, cursor *string) (model.IngestBatch, int64, error) {
	var cur fetcher.Cursor
	if cursor != nil {
		c, err := fetcher.ParseCursor(*cursor)
		if err != nil {
			return model.IngestBatch{}, 0, err
		}
		cur = c
	} else {
		cur = fetcher.CursorFromTime(startFrom)
	}

	var batch model.IngestBatch
	err := ingesterr.Retry(ctx, p.retryCfg(), "fetch_page", func() error {
		b, err := p.fetcher.FetchHour(ctx, cur)
		batch = b
		return err
	})
	if err != nil {
		return model.IngestBatch{}, 0, err
	}

	var inserted int64
	err = ingesterr.Retry(ctx, p.retryCfg(), "insert_fills", func() error {
		n, err := p.store.InsertFills(ctx, p.markets, batch.Fills)
		inserted = n
		return err
	})
	if err != nil {
		return model.IngestBatch{}, 0, err
	}

	if len(batch.Fills) > 0 {
		times := make([]time.Time, len(batch.Fills))
		for i, f := range batch.Fills {
			times[i] = f.Timestamp
		}
		p.agg.QueueUpdateForFills(times)
	}

	return batch, inserted, nil
}

func sleepOrShutdown(ctx context.Context, shutdown <-chan struct{}, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-shutdown:
		return false
	case <-ctx.Done():
		return false
	}
}
