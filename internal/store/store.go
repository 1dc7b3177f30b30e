// Package store is the idempotent bulk writer: fills are inserted via
// a bulk-COPY-into-temp-table path with a multi-row VALUES fallback,
// checkpoints are read/written atomically, and completeness helpers
// back the backfill coordinator's skip/resume decisions.
//
// Grounded on the teacher's internal/repository/postgres_ingest.go
// (COPY-inside-a-subtransaction-with-savepoint-fallback shape) and
// internal/repository/repo_core.go (pool construction) and
// internal/repository/postgres_leasing.go (checkpoint upsert). The
// checkpoint upsert here overwrites every field in place; it does not
// use GREATEST, so monotonic advance is up to the caller.
package store

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/outblock/hlindexer/internal/ingesterr"
	"github.com/outblock/hlindexer/internal/model"
)

const (
	bulkCopyChunkSize   = 50_000
	valuesFallbackChunk = 5_000
	minFillsForComplete = 1000
)

type Store struct {
	db  *pgxpool.Pool
	log *logrus.Entry
}

type PoolConfig struct {
	URL            string
	MinConns       int32
	MaxConns       int32
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
}

// NewPool parses cfg.URL and builds a pool bounded by [MinConns,
// MaxConns] with IdleTimeout as the idle-connection limit.
// AcquireTimeout is applied as the session statement_timeout; it does
// not limit how long a caller waits to acquire a connection.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pcfg.MaxConnLifetime = 30 * time.Minute
	pcfg.MaxConnIdleTime = idleOrDefault(cfg.IdleTimeout)
	if pcfg.ConnConfig.RuntimeParams == nil {
		pcfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if acq := cfg.AcquireTimeout; acq > 0 {
		pcfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(int(acq.Milliseconds()))
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	return pool, nil
}

func idleOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 5 * time.Minute
	}
	return d
}

func New(db *pgxpool.Pool, log *logrus.Entry) *Store {
	return &Store{db: db, log: log}
}

// Healthcheck executes SELECT 1; any failure is a retryable database error.
func (s *Store) Healthcheck(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return ingesterr.New(ingesterr.KindDatabase, "store.Healthcheck", err)
	}
	return nil
}

// MarketResolver resolves a market symbol to its row id, used as the
// bulk insert's pre-step (§4.4).
type MarketResolver interface {
	GetOrCreate(ctx context.Context, exchange, symbol string) (int64, error)
}

// InsertFills resolves each distinct market symbol, chunks fills into
// blocks of 50,000, and inserts each chunk via the bulk-copy path,
// falling back to multi-row VALUES sub-chunks on failure. It returns
// the total number of rows actually inserted (duplicates excluded).
func (s *Store) InsertFills(ctx context.Context, markets MarketResolver, fills []model.Fill) (int64, error) {
	if len(fills) == 0 {
		return 0, nil
	}

	marketIDs := make(map[string]int64, 8)
	for _, f := range fills {
		key := f.Exchange + "/" + f.Market
		if _, ok := marketIDs[key]; ok {
			continue
		}
		id, err := markets.GetOrCreate(ctx, f.Exchange, f.Market)
		if err != nil {
			return 0, ingesterr.New(ingesterr.KindDatabase, "store.InsertFills.resolveMarket", err)
		}
		marketIDs[key] = id
	}

	var total int64
	for start := 0; start < len(fills); start += bulkCopyChunkSize {
		end := min(start+bulkCopyChunkSize, len(fills))
		chunk := fills[start:end]

		n, err := s.insertChunkViaCopy(ctx, marketIDs, chunk)
		if err == nil {
			total += n
			continue
		}
		s.log.WithError(err).Warn("bulk copy insert failed, falling back to VALUES")

		n, err = s.insertChunkViaValues(ctx, marketIDs, chunk)
		if err != nil {
			return total, ingesterr.New(ingesterr.KindDatabase, "store.InsertFills", err)
		}
		total += n
	}
	return total, nil
}

// insertChunkViaCopy is the primary path: a temp table mirroring the
// fills schema, populated via CopyFrom, then merged into fills with
// ON CONFLICT DO NOTHING.
func (s *Store) insertChunkViaCopy(ctx context.Context, marketIDs map[string]int64, fills []model.Fill) (int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE fills_staging (
			exchange      text,
			user_address  text,
			market        bigint,
			side          text,
			price         numeric(20,10),
			size          numeric(20,10),
			fee           numeric(20,10),
			closed_pnl    numeric(20,10),
			ts            timestamptz,
			block_number  bigint,
			source_id     text
		) ON COMMIT DROP`); err != nil {
		return 0, fmt.Errorf("create staging table: %w", err)
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"fills_staging"},
		[]string{"exchange", "user_address", "market", "side", "price", "size", "fee", "closed_pnl", "ts", "block_number", "source_id"},
		pgx.CopyFromSlice(len(fills), func(i int) ([]any, error) {
			f := fills[i]
			marketID := marketIDs[f.Exchange+"/"+f.Market]
			return []any{
				f.Exchange,
				f.UserAddress,
				marketID,
				string(f.Side),
				decimal.NewFromFloat(f.Price),
				decimal.NewFromFloat(f.Size),
				optDecimal(f.Fee),
				optDecimal(f.ClosedPnL),
				f.Timestamp,
				f.BlockNumber,
				f.SourceID,
			}, nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("copy into staging: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO fills (exchange, user_address, market, side, price, size, fee, closed_pnl, ts, block_number, source_id)
		SELECT exchange, user_address, market, side, price, size, fee, closed_pnl, ts, block_number, source_id
		FROM fills_staging
		ON CONFLICT (exchange, user_address, market, ts, price, size) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("merge staging into fills: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// insertChunkViaValues is the fallback: sub-chunks of 5,000 rows
// (bounding bound parameters to roughly 55,000), each its own
// transaction, using a single multi-row VALUES ... ON CONFLICT DO
// NOTHING statement.
func (s *Store) insertChunkViaValues(ctx context.Context, marketIDs map[string]int64, fills []model.Fill) (int64, error) {
	var total int64
	for start := 0; start < len(fills); start += valuesFallbackChunk {
		end := min(start+valuesFallbackChunk, len(fills))
		sub := fills[start:end]

		n, err := s.insertSubChunkViaValues(ctx, marketIDs, sub)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (s *Store) insertSubChunkViaValues(ctx context.Context, marketIDs map[string]int64, fills []model.Fill) (int64, error) {
	const cols = 11
	args := make([]any, 0, len(fills)*cols)
	placeholders := make([]byte, 0, len(fills)*40)

	for i, f := range fills {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		base := len(args)
		placeholders = fmt.Appendf(placeholders, "($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11)
		marketID := marketIDs[f.Exchange+"/"+f.Market]
		args = append(args,
			f.Exchange, f.UserAddress, marketID, string(f.Side),
			decimal.NewFromFloat(f.Price), decimal.NewFromFloat(f.Size),
			optDecimal(f.Fee), optDecimal(f.ClosedPnL),
			f.Timestamp, f.BlockNumber, f.SourceID)
	}

	query := fmt.Sprintf(`
		INSERT INTO fills (exchange, user_address, market, side, price, size, fee, closed_pnl, ts, block_number, source_id)
		VALUES %s
		ON CONFLICT (exchange, user_address, market, ts, price, size) DO NOTHING`, placeholders)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func optDecimal(f *float64) any {
	if f == nil {
		return nil
	}
	return decimal.NewFromFloat(*f)
}
