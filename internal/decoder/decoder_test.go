package decoder

import (
	"strings"
	"testing"
	"time"

	"github.com/outblock/hlindexer/internal/model"
)

func TestSchemaFor(t *testing.T) {
	cases := []struct {
		date time.Time
		want Schema
	}{
		{time.Date(2025, 7, 27, 0, 0, 0, 0, time.UTC), SchemaByBlock},
		{time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC), SchemaByBlock},
		{time.Date(2025, 7, 26, 23, 59, 0, 0, time.UTC), SchemaNodeFills},
		{time.Date(2025, 5, 25, 0, 0, 0, 0, time.UTC), SchemaNodeFills},
		{time.Date(2025, 5, 24, 0, 0, 0, 0, time.UTC), SchemaNodeTrades},
		{time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), SchemaNodeTrades},
	}
	for _, c := range cases {
		if got := SchemaFor(c.date); got != c.want {
			t.Errorf("SchemaFor(%v) = %v, want %v", c.date, got, c.want)
		}
	}
}

func TestDecodeByBlock(t *testing.T) {
	line := `{"block_number":42,"events":[["0xabc",{"coin":"BTC","side":"B","px":"100.5","sz":"2","time":1753574400000}]]}` + "\n"
	fills, err := Decode("hyperliquid", []byte(line), time.Date(2025, 7, 27, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("got %d fills, want 1", len(fills))
	}
	f := fills[0]
	if f.Side != model.SideBuy || f.Market != "BTC" || f.Price != 100.5 || f.Size != 2 {
		t.Errorf("unexpected fill: %+v", f)
	}
	if f.BlockNumber == nil || *f.BlockNumber != 42 {
		t.Errorf("expected block number 42, got %v", f.BlockNumber)
	}
}

// A malformed event inside an otherwise well-formed v3 block is
// skipped, not fatal; the sibling event still decodes.
func TestDecodeByBlockSkipsBadRecord(t *testing.T) {
	line := `{"block_number":1,"events":[` +
		`["0xabc",{"coin":"BTC","side":"NOPE","px":"1","sz":"1","time":1753574400000}],` +
		`["0xdef",{"coin":"ETH","side":"A","px":"1","sz":"1","time":1753574400000}]` +
		`]}` + "\n"
	fills, err := Decode("hyperliquid", []byte(line), time.Date(2025, 7, 27, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("got %d fills, want 1 (bad record should be skipped)", len(fills))
	}
	if fills[0].Market != "ETH" || fills[0].Side != model.SideSell {
		t.Errorf("unexpected surviving fill: %+v", fills[0])
	}
}

func TestDecodeNodeFills(t *testing.T) {
	line := `{"user":"0xabc","coin":"ETH","side":"SELL","px":"10","sz":"1","time":1716595200000}` + "\n"
	fills, err := Decode("hyperliquid", []byte(line), time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(fills) != 1 || fills[0].Side != model.SideSell {
		t.Fatalf("unexpected fills: %+v", fills)
	}
}

// A malformed line in v2 aborts the whole batch.
func TestDecodeNodeFillsAbortsOnBadLine(t *testing.T) {
	data := `{"user":"0xabc","coin":"ETH","side":"SELL","px":"10","sz":"1","time":1716595200000}` + "\n" +
		`{"user":"0xdef","coin":"ETH","side":"NOPE","px":"10","sz":"1","time":1716595200000}` + "\n"
	_, err := Decode("hyperliquid", []byte(data), time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	if err == nil {
		t.Fatal("expected error for unknown side in v2 schema")
	}
}

func TestDecodeNodeTradesFanOut(t *testing.T) {
	line := `{"coin":"BTC","px":"50","sz":"3","time":1700000000000,"side_info":[` +
		`{"user":"0xabc","side":"B"},{"user":"0xdef","side":"A"}]}` + "\n"
	fills, err := Decode("hyperliquid", []byte(line), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(fills) != 2 {
		t.Fatalf("got %d fills, want 2", len(fills))
	}
	if fills[0].Side != model.SideBuy || fills[1].Side != model.SideSell {
		t.Errorf("unexpected sides: %+v", fills)
	}
}

func TestDecodeEmptyBodyYieldsNoFills(t *testing.T) {
	fills, err := Decode("hyperliquid", []byte(""), time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(fills) != 0 {
		t.Fatalf("got %d fills, want 0", len(fills))
	}
}

func TestValidateUTF8(t *testing.T) {
	if err := ValidateUTF8([]byte("valid text")); err != nil {
		t.Errorf("unexpected error for valid UTF-8: %v", err)
	}
	if err := ValidateUTF8([]byte{0xff, 0xfe, 0xfd}); err == nil {
		t.Error("expected error for invalid UTF-8")
	}
}

func TestDecodeBlankLinesSkipped(t *testing.T) {
	data := "\n\n" + `{"user":"0xabc","coin":"ETH","side":"BUY","px":"10","sz":"1","time":1716595200000}` + "\n\n"
	fills, err := Decode("hyperliquid", []byte(data), time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("got %d fills, want 1", len(fills))
	}
}

func TestDecodeMalformedJSONReturnsValidationError(t *testing.T) {
	data := strings.Repeat("{", 1) + "\n"
	_, err := Decode("hyperliquid", []byte(data), time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	if err == nil {
		t.Fatal("expected error for malformed JSON line")
	}
}
