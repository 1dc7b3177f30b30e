// Package decoder parses the three successive Hyperliquid archive
// schemas into the unified model.Fill shape. The schema to use is
// selected purely from the archive's date, never by probing the
// payload (see the multi-schema dispatch design note).
package decoder

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/outblock/hlindexer/internal/ingesterr"
	"github.com/outblock/hlindexer/internal/model"
)

// Schema identifies one of the three archive generations.
type Schema int

const (
	SchemaByBlock Schema = iota // node_fills_by_block, >= 2025-07-27
	SchemaNodeFills             // node_fills, 2025-05-25 .. 2025-07-26
	SchemaNodeTrades            // node_trades, < 2025-05-25
)

var (
	byBlockCutover  = time.Date(2025, 7, 27, 0, 0, 0, 0, time.UTC)
	nodeFillsCutover = time.Date(2025, 5, 25, 0, 0, 0, 0, time.UTC)
)

// SchemaFor picks the schema generation for an archive date.
func SchemaFor(archiveDate time.Time) Schema {
	d := archiveDate.UTC()
	switch {
	case !d.Before(byBlockCutover):
		return SchemaByBlock
	case !d.Before(nodeFillsCutover):
		return SchemaNodeFills
	default:
		return SchemaNodeTrades
	}
}

// fillByBlock is schema v3: one line per block, fanning out to one
// Fill per (user_address, fill_data) event pair.
type fillByBlock struct {
	Events      []fillEvent `json:"events"`
	BlockNumber int64       `json:"block_number"`
}

// fillEvent is a 2-tuple [user_address, fill_data] in the wire JSON;
// it is unmarshaled manually because encoding/json has no tuple type.
type fillEvent struct {
	UserAddress string
	Data        fillData
}

func (e *fillEvent) UnmarshalJSON(b []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &e.UserAddress); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &e.Data)
}

type fillData struct {
	Px        string  `json:"px"`
	Sz        string  `json:"sz"`
	Coin      string  `json:"coin"`
	Side      string  `json:"side"`
	Time      int64   `json:"time"`
	Fee       *string `json:"fee,omitempty"`
	ClosedPnl *string `json:"closedPnl,omitempty"`
}

// nodeFill is schema v2: one line per fill, with the user inline.
type nodeFill struct {
	User      string  `json:"user"`
	Px        string  `json:"px"`
	Sz        string  `json:"sz"`
	Coin      string  `json:"coin"`
	Side      string  `json:"side"`
	Time      int64   `json:"time"`
	Fee       *string `json:"fee,omitempty"`
	ClosedPnl *string `json:"closedPnl,omitempty"`
}

// nodeTrade is schema v1: one line per trade, fanning out to one Fill
// per side_info entry, all sharing price/size/coin/timestamp.
type nodeTrade struct {
	Px       string     `json:"px"`
	Sz       string     `json:"sz"`
	Coin     string     `json:"coin"`
	Time     int64      `json:"time"`
	SideInfo []sideInfo `json:"side_info"`
}

type sideInfo struct {
	User string  `json:"user"`
	Side string  `json:"side"`
	Fee  *string `json:"fee,omitempty"`
}

// Decode splits data on line boundaries and parses each non-empty
// line according to schema. A malformed line aborts the whole batch
// with a validation error; a malformed record inside an otherwise
// well-formed v3 block is skipped and does not abort the batch.
func Decode(exchange string, data []byte, archiveDate time.Time) ([]model.Fill, error) {
	schema := SchemaFor(archiveDate)

	var fills []model.Fill
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var (
			lineFills []model.Fill
			err       error
		)
		switch schema {
		case SchemaByBlock:
			lineFills, err = decodeByBlockLine(exchange, line)
		case SchemaNodeFills:
			lineFills, err = decodeNodeFillLine(exchange, line)
		default:
			lineFills, err = decodeNodeTradeLine(exchange, line)
		}
		if err != nil {
			return nil, ingesterr.New(ingesterr.KindValidation, "decoder.Decode",
				fmt.Errorf("line %d: %w", lineNo, err))
		}
		fills = append(fills, lineFills...)
	}
	if err := scanner.Err(); err != nil {
		return nil, ingesterr.New(ingesterr.KindValidation, "decoder.Decode", err)
	}
	return fills, nil
}

func decodeByBlockLine(exchange string, line []byte) ([]model.Fill, error) {
	var block fillByBlock
	if err := json.Unmarshal(line, &block); err != nil {
		return nil, fmt.Errorf("parse FillByBlock: %w", err)
	}

	fills := make([]model.Fill, 0, len(block.Events))
	for _, ev := range block.Events {
		fill, err := buildFill(exchange, ev.UserAddress, ev.Data.Coin, ev.Data.Side,
			ev.Data.Px, ev.Data.Sz, ev.Data.Fee, ev.Data.ClosedPnl, ev.Data.Time)
		if err != nil {
			// Per-record parse errors in v3 blocks are skipped, not
			// fatal: surrounding events in the same block still get
			// inserted.
			continue
		}
		bn := block.BlockNumber
		fill.BlockNumber = &bn
		fills = append(fills, fill)
	}
	return fills, nil
}

func decodeNodeFillLine(exchange string, line []byte) ([]model.Fill, error) {
	var nf nodeFill
	if err := json.Unmarshal(line, &nf); err != nil {
		return nil, fmt.Errorf("parse NodeFill: %w", err)
	}
	fill, err := buildFill(exchange, nf.User, nf.Coin, nf.Side, nf.Px, nf.Sz, nf.Fee, nf.ClosedPnl, nf.Time)
	if err != nil {
		return nil, err
	}
	return []model.Fill{fill}, nil
}

func decodeNodeTradeLine(exchange string, line []byte) ([]model.Fill, error) {
	var nt nodeTrade
	if err := json.Unmarshal(line, &nt); err != nil {
		return nil, fmt.Errorf("parse NodeTrade: %w", err)
	}
	fills := make([]model.Fill, 0, len(nt.SideInfo))
	for _, si := range nt.SideInfo {
		fill, err := buildFill(exchange, si.User, nt.Coin, si.Side, nt.Px, nt.Sz, si.Fee, nil, nt.Time)
		if err != nil {
			return nil, err
		}
		fills = append(fills, fill)
	}
	return fills, nil
}

// buildFill normalizes side, parses numeric/time fields, and
// validates the result. It is the single point of field
// normalization shared by all three schemas.
func buildFill(exchange, user, coin, rawSide, px, sz string, fee, closedPnl *string, millis int64) (model.Fill, error) {
	side, ok := model.NormalizeSide(rawSide)
	if !ok {
		return model.Fill{}, fmt.Errorf("invalid side %q", rawSide)
	}

	price, err := strconv.ParseFloat(px, 64)
	if err != nil || price <= 0 {
		return model.Fill{}, fmt.Errorf("invalid price %q", px)
	}
	size, err := strconv.ParseFloat(sz, 64)
	if err != nil || size <= 0 {
		return model.Fill{}, fmt.Errorf("invalid size %q", sz)
	}

	var feeVal, pnlVal *float64
	if fee != nil {
		if f, err := strconv.ParseFloat(*fee, 64); err == nil {
			feeVal = &f
		}
	}
	if closedPnl != nil {
		if f, err := strconv.ParseFloat(*closedPnl, 64); err == nil {
			pnlVal = &f
		}
	}

	ts := time.UnixMilli(millis).UTC()
	if ts.Year() < 2000 || ts.Year() > 2100 {
		return model.Fill{}, fmt.Errorf("invalid timestamp %d", millis)
	}

	return model.Fill{
		Exchange:    exchange,
		UserAddress: user,
		Market:      coin,
		Side:        side,
		Price:       price,
		Size:        size,
		Fee:         feeVal,
		ClosedPnL:   pnlVal,
		Timestamp:   ts,
	}, nil
}

// ValidateUTF8 validates the decompressed archive body before line
// splitting, per the fetcher contract.
func ValidateUTF8(data []byte) error {
	if !utf8.Valid(data) {
		return fmt.Errorf("invalid UTF-8 archive body")
	}
	return nil
}
