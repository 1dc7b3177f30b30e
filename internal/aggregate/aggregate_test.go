package aggregate

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestRefresher() *Refresher {
	return NewRefresher(nil, "hyperliquid", []string{"daily_market_stats"}, logrus.NewEntry(logrus.New()))
}

func TestQueueUpdateForFillsDerivesMinMaxRange(t *testing.T) {
	r := newTestRefresher()
	t1 := time.Date(2025, 1, 1, 3, 0, 0, 0, time.UTC)
	t2 := time.Date(2025, 1, 1, 1, 0, 0, 0, time.UTC)
	t3 := time.Date(2025, 1, 1, 5, 0, 0, 0, time.UTC)

	r.QueueUpdateForFills([]time.Time{t1, t2, t3})

	select {
	case req := <-r.updates:
		if !req.start.Equal(t2) || !req.end.Equal(t3) {
			t.Errorf("got range [%v, %v], want [%v, %v]", req.start, req.end, t2, t3)
		}
	default:
		t.Fatal("expected a queued update")
	}
}

func TestQueueUpdateForFillsNoopOnEmpty(t *testing.T) {
	r := newTestRefresher()
	r.QueueUpdateForFills(nil)
	select {
	case req := <-r.updates:
		t.Fatalf("expected no queued update, got %+v", req)
	default:
	}
}

func TestQueueUpdateDropsWhenMailboxFull(t *testing.T) {
	r := newTestRefresher()
	now := time.Now().UTC()
	for i := 0; i < mailboxSize; i++ {
		r.QueueUpdate(now, now)
	}
	if len(r.updates) != mailboxSize {
		t.Fatalf("expected mailbox to be full at %d, got %d", mailboxSize, len(r.updates))
	}
	// One more publish beyond capacity must not block or panic; it is
	// dropped silently.
	r.QueueUpdate(now, now)
	if len(r.updates) != mailboxSize {
		t.Errorf("expected mailbox to remain at capacity %d, got %d", mailboxSize, len(r.updates))
	}
}

func TestPgxIdentQuotesName(t *testing.T) {
	if got := pgxIdent("daily_market_stats"); got != `"daily_market_stats"` {
		t.Errorf("got %q", got)
	}
}
