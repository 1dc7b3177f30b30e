package market

import (
	"context"
	"testing"

	"github.com/outblock/hlindexer/internal/model"
	"github.com/sirupsen/logrus"
)

func TestGetOrCreateReturnsCachedIDWithoutTouchingDB(t *testing.T) {
	r := NewRegistry(nil, "hyperliquid", logrus.NewEntry(logrus.New()))
	r.markets["BTC"] = model.Market{ID: 7, Exchange: "hyperliquid", MarketID: "BTC", Symbol: "BTC-USD", Type: model.MarketPerp}

	id, err := r.GetOrCreate(context.Background(), "hyperliquid", "BTC")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if id != 7 {
		t.Errorf("got id %d, want 7 (should come from cache, not the nil db)", id)
	}
}
