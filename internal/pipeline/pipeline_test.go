package pipeline

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"

	"github.com/outblock/hlindexer/internal/metrics"
)

func newTestPipeline() *Pipeline {
	return &Pipeline{
		exchange: "hyperliquid",
		source:   "fills",
		cfg:      Config{MaxRetries: 3, RetryBaseDelay: time.Millisecond},
		log:      logrus.NewEntry(logrus.New()),
	}
}

func TestRetryCfgPassesThroughPipelineConfig(t *testing.T) {
	p := newTestPipeline()
	cfg := p.retryCfg()
	if cfg.MaxRetries != 3 || cfg.BaseDelay != time.Millisecond {
		t.Errorf("unexpected retry config: %+v", cfg)
	}
}

func TestLogProgressDoesNotPanicOnZeroLastTS(t *testing.T) {
	p := newTestPipeline()
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	p.logProgress(start, end, time.Time{}, 0, 0, time.Now())
}

func TestLogProgressDoesNotPanicOnZeroRange(t *testing.T) {
	p := newTestPipeline()
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	p.logProgress(start, start, start, 100, 1024, time.Now().Add(-time.Minute))
}

func TestLogProgressComputesMidpointPercent(t *testing.T) {
	p := newTestPipeline()
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	mid := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	// Exercises the percent/ETA/MB formulas at the halfway point; the
	// percentage is not returned, so it is read back from the package
	// metrics gauge.
	p.logProgress(start, end, mid, 500, 1024*1024, time.Now().Add(-time.Minute))
	if got := testutil.ToFloat64(metrics.PipelinePercent); got != 50 {
		t.Errorf("got percent %v, want 50", got)
	}
}
