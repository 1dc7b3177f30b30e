package market

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/outblock/hlindexer/internal/ingesterr"
	"github.com/outblock/hlindexer/internal/model"
)

const metadataEndpoint = "https://api.hyperliquid.xyz/info"

// Registry is the in-memory market cache fronted by a reader-
// preferred lock (§4.5). Grounded on
// _examples/original_source/indexer/src/market.rs for cache/upsert
// rules, and the teacher's internal/market/price.go for the plain
// net/http POST-JSON client shape.
type Registry struct {
	db       *pgxpool.Pool
	exchange string
	client   *http.Client
	limiter  *rate.Limiter
	log      *logrus.Entry

	mu      sync.RWMutex
	markets map[string]model.Market // keyed by market_id
}

// metadataRateLimit caps outbound calls to the shared Hyperliquid info
// endpoint: one request every 500ms, matching its documented per-IP
// weight budget for unauthenticated info queries.
const metadataRateLimit = 500 * time.Millisecond

func NewRegistry(db *pgxpool.Pool, exchange string, log *logrus.Entry) *Registry {
	return &Registry{
		db:       db,
		exchange: exchange,
		client:   &http.Client{Timeout: 10 * time.Second},
		limiter:  rate.NewLimiter(rate.Every(metadataRateLimit), 1),
		log:      log,
		markets:  make(map[string]model.Market),
	}
}

// Start loads every active market for the exchange into the cache,
// then attempts an external metadata refresh. A refresh failure is
// non-fatal: it's logged and startup continues with the cached rows.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.loadFromDB(ctx); err != nil {
		return err
	}
	if err := r.RefreshMetadata(ctx); err != nil {
		r.log.WithError(err).Warn("failed to refresh market metadata on startup")
	}
	return nil
}

func (r *Registry) loadFromDB(ctx context.Context) error {
	rows, err := r.db.Query(ctx, `
		SELECT id, market_id, symbol, market_type, base_asset, quote_asset
		FROM markets WHERE exchange = $1 AND is_active = true`, r.exchange)
	if err != nil {
		return ingesterr.New(ingesterr.KindDatabase, "market.Registry.loadFromDB", err)
	}
	defer rows.Close()

	cache := make(map[string]model.Market)
	for rows.Next() {
		var m model.Market
		var mtype string
		if err := rows.Scan(&m.ID, &m.MarketID, &m.Symbol, &mtype, &m.BaseAsset, &m.QuoteAsset); err != nil {
			return ingesterr.New(ingesterr.KindDatabase, "market.Registry.loadFromDB", err)
		}
		m.Exchange = r.exchange
		m.Type = model.MarketType(mtype)
		cache[m.MarketID] = m
	}
	if err := rows.Err(); err != nil {
		return ingesterr.New(ingesterr.KindDatabase, "market.Registry.loadFromDB", err)
	}

	r.mu.Lock()
	r.markets = cache
	r.mu.Unlock()
	r.log.WithField("count", len(cache)).Info("loaded markets from database")
	return nil
}

// GetOrCreate resolves a market symbol to its row id: a cache hit
// returns immediately; a miss invokes the stored upsert-or-create
// routine (stable across concurrent callers by primary key), then
// triggers a best-effort metadata refresh so the cache gets populated
// with proper symbol/type/assets. The refresh failing does not fail
// the caller.
func (r *Registry) GetOrCreate(ctx context.Context, exchange, symbol string) (int64, error) {
	r.mu.RLock()
	if m, ok := r.markets[symbol]; ok {
		r.mu.RUnlock()
		return m.ID, nil
	}
	r.mu.RUnlock()

	var id int64
	err := r.db.QueryRow(ctx, `SELECT get_or_create_market($1, $2)`, exchange, symbol).Scan(&id)
	if err != nil {
		return 0, ingesterr.New(ingesterr.KindDatabase, "market.Registry.GetOrCreate", err)
	}

	if err := r.RefreshMetadata(ctx); err != nil {
		r.log.WithError(err).WithField("symbol", symbol).Debug("failed to refresh metadata for new market")
	}

	return id, nil
}

type hyperliquidMeta struct {
	Universe []struct {
		Name string `json:"name"`
	} `json:"universe"`
}

type hyperliquidSpotMeta struct {
	Tokens []struct {
		Name string `json:"name"`
	} `json:"tokens"`
}

// RefreshMetadata posts the "meta" and "spotMeta" queries and upserts
// a market row per universe/token entry. Perp symbols are
// "<name>-USD"; spot market ids are "@<index>" with symbol
// "<name>/USD". Upserts update symbol/type/assets but preserve id.
func (r *Registry) RefreshMetadata(ctx context.Context) error {
	var perps hyperliquidMeta
	if err := r.postMetadata(ctx, "meta", &perps); err != nil {
		return err
	}
	for _, asset := range perps.Universe {
		if _, err := r.upsert(ctx, asset.Name, asset.Name+"-USD", model.MarketPerp, asset.Name, "USD"); err != nil {
			return err
		}
	}

	var spot hyperliquidSpotMeta
	if err := r.postMetadata(ctx, "spotMeta", &spot); err != nil {
		return err
	}
	for i, token := range spot.Tokens {
		marketID := fmt.Sprintf("@%d", i)
		if _, err := r.upsert(ctx, marketID, token.Name+"/USD", model.MarketSpot, token.Name, "USD"); err != nil {
			return err
		}
	}

	r.log.WithFields(logrus.Fields{"perps": len(perps.Universe), "spot": len(spot.Tokens)}).Info("refreshed market metadata")
	return nil
}

func (r *Registry) postMetadata(ctx context.Context, queryType string, out any) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return ingesterr.New(ingesterr.KindHTTP, "market.postMetadata", err)
	}

	body, err := json.Marshal(map[string]string{"type": queryType})
	if err != nil {
		return ingesterr.New(ingesterr.KindInternal, "market.postMetadata", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, metadataEndpoint, bytes.NewReader(body))
	if err != nil {
		return ingesterr.New(ingesterr.KindHTTP, "market.postMetadata", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return ingesterr.New(ingesterr.KindHTTP, "market.postMetadata", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return ingesterr.WithRetryAfter("market.postMetadata", fmt.Errorf("rate limited by metadata endpoint"), 5)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ingesterr.New(ingesterr.KindHTTP, "market.postMetadata", fmt.Errorf("metadata endpoint status: %s", resp.Status))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return ingesterr.New(ingesterr.KindHTTP, "market.postMetadata", err)
	}
	return nil
}

func (r *Registry) upsert(ctx context.Context, marketID, symbol string, mtype model.MarketType, base, quote string) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO markets (exchange, market_id, symbol, market_type, base_asset, quote_asset)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (exchange, market_id) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			market_type = EXCLUDED.market_type,
			base_asset = EXCLUDED.base_asset,
			quote_asset = EXCLUDED.quote_asset,
			updated_at = NOW()
		RETURNING id`,
		r.exchange, marketID, symbol, string(mtype), base, quote,
	).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ingesterr.New(ingesterr.KindDatabase, "market.upsert", fmt.Errorf("no id returned for market %s", marketID))
		}
		return 0, ingesterr.New(ingesterr.KindDatabase, "market.upsert", err)
	}

	r.mu.Lock()
	r.markets[marketID] = model.Market{
		ID: id, Exchange: r.exchange, MarketID: marketID, Symbol: symbol,
		Type: mtype, BaseAsset: base, QuoteAsset: quote,
	}
	r.mu.Unlock()

	return id, nil
}
