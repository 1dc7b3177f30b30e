// Package model holds the record shapes shared across the ingestion
// pipeline: the unified Fill, the fetcher/sink transport unit, the
// per-source checkpoint, and markets. Aggregate rows have no
// in-process consumer and live entirely in SQL (internal/aggregate).
package model

import (
	"strings"
	"time"
)

// Side is a normalized trade side. See NormalizeSide for alias handling.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// MarketType distinguishes perpetual from spot markets.
type MarketType string

const (
	MarketPerp MarketType = "perp"
	MarketSpot MarketType = "spot"
)

// Fill is the atomic indexed record: one side of a matched trade.
//
// Price, Size, Fee, and ClosedPnL travel as float64 between the
// decoder and the store boundary; the store rebinds them to
// arbitrary-precision decimals before they touch the database.
type Fill struct {
	Exchange     string
	UserAddress  string
	Market       string
	Side         Side
	Price        float64
	Size         float64
	Fee          *float64
	ClosedPnL    *float64
	Timestamp    time.Time
	BlockNumber  *int64
	SourceID     *string
}

// IngestBatch is the transport unit the fetcher hands to the pipeline
// consumer: one archive hour's worth of decoded fills.
type IngestBatch struct {
	Fills           []Fill
	NextCursor      *string
	HasMore         bool
	BytesDownloaded int64
}

// Checkpoint is the durable resume point for one (exchange, source) pair.
type Checkpoint struct {
	Exchange        string
	Source          string
	Cursor          *string
	LastRecordTS    time.Time
	LastBlockNumber *int64
	RecordsProcessed int64
	UpdatedAt       time.Time
	Metadata        map[string]any
}

// Market is a cached, persisted market definition keyed by
// (exchange, market_id).
type Market struct {
	ID         int64
	Exchange   string
	MarketID   string
	Symbol     string
	Type       MarketType
	BaseAsset  string
	QuoteAsset string
}

// NormalizeSide maps the accepted aliases onto the two canonical
// sides, case-insensitively. ok is false for any other value.
func NormalizeSide(raw string) (Side, bool) {
	switch strings.ToUpper(raw) {
	case "BUY", "B":
		return SideBuy, true
	case "SELL", "S", "A":
		return SideSell, true
	default:
		return "", false
	}
}
