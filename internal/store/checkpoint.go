package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/outblock/hlindexer/internal/ingesterr"
	"github.com/outblock/hlindexer/internal/model"
)

// GetCheckpoint looks up the checkpoint for (exchange, source). A
// missing row is an absent result, not an error.
func (s *Store) GetCheckpoint(ctx context.Context, exchange, source string) (*model.Checkpoint, error) {
	var (
		cp       model.Checkpoint
		cursor   *string
		blockNum *int64
		metaJSON []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT exchange, source, cursor, last_record_ts, last_block_number, records_processed, updated_at, metadata
		FROM ingest_checkpoints WHERE exchange = $1 AND source = $2`,
		exchange, source,
	).Scan(&cp.Exchange, &cp.Source, &cursor, &cp.LastRecordTS, &blockNum, &cp.RecordsProcessed, &cp.UpdatedAt, &metaJSON)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, ingesterr.New(ingesterr.KindDatabase, "store.GetCheckpoint", err)
	}
	cp.Cursor = cursor
	cp.LastBlockNumber = blockNum
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &cp.Metadata)
	}
	return &cp, nil
}

// SaveCheckpoint upserts by (exchange, source), overwriting every
// field. It is atomic: a crash after commit but before subsequent
// fills arrive is safe because of the conflict-key suppression in
// InsertFills.
func (s *Store) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	var metaJSON []byte
	if len(cp.Metadata) > 0 {
		var err error
		metaJSON, err = json.Marshal(cp.Metadata)
		if err != nil {
			return ingesterr.New(ingesterr.KindCheckpoint, "store.SaveCheckpoint", err)
		}
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO ingest_checkpoints (exchange, source, cursor, last_record_ts, last_block_number, records_processed, updated_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (exchange, source) DO UPDATE SET
			cursor = EXCLUDED.cursor,
			last_record_ts = EXCLUDED.last_record_ts,
			last_block_number = EXCLUDED.last_block_number,
			records_processed = EXCLUDED.records_processed,
			updated_at = EXCLUDED.updated_at,
			metadata = EXCLUDED.metadata`,
		cp.Exchange, cp.Source, cp.Cursor, cp.LastRecordTS, cp.LastBlockNumber, cp.RecordsProcessed, cp.UpdatedAt, metaJSON,
	)
	if err != nil {
		return ingesterr.New(ingesterr.KindCheckpoint, "store.SaveCheckpoint", err)
	}
	return nil
}

// CheckTimeRangeExists counts fills with ts in [start, end).
func (s *Store) CheckTimeRangeExists(ctx context.Context, start, end time.Time) (bool, int64, error) {
	var count int64
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM fills WHERE ts >= $1 AND ts < $2`, start, end).Scan(&count)
	if err != nil {
		return false, 0, ingesterr.New(ingesterr.KindDatabase, "store.CheckTimeRangeExists", err)
	}
	return count > 0, count, nil
}

// MissingHour is one hour in a requested range with fewer than the
// completeness threshold's worth of fills.
type MissingHour struct {
	Hour  time.Time
	Count int64
}

// GetMissingHours generates the hourly series over [start, end) and
// returns hours with < 1,000 rows, including hours with zero rows.
func (s *Store) GetMissingHours(ctx context.Context, start, end time.Time) ([]MissingHour, error) {
	rows, err := s.db.Query(ctx, `
		SELECT h.hour, COALESCE(COUNT(f.ts), 0) AS cnt
		FROM generate_series($1::timestamptz, $2::timestamptz - interval '1 hour', interval '1 hour') AS h(hour)
		LEFT JOIN fills f ON f.ts >= h.hour AND f.ts < h.hour + interval '1 hour'
		GROUP BY h.hour
		HAVING COALESCE(COUNT(f.ts), 0) < $3
		ORDER BY h.hour`,
		start, end, minFillsForComplete,
	)
	if err != nil {
		return nil, ingesterr.New(ingesterr.KindDatabase, "store.GetMissingHours", err)
	}
	defer rows.Close()

	var out []MissingHour
	for rows.Next() {
		var mh MissingHour
		if err := rows.Scan(&mh.Hour, &mh.Count); err != nil {
			return nil, ingesterr.New(ingesterr.KindDatabase, "store.GetMissingHours", err)
		}
		out = append(out, mh)
	}
	return out, rows.Err()
}
