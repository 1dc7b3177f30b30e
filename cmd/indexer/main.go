// Command indexer is the CLI entry point: migrate/backfill/run
// subcommand dispatch (§6). Grounded on the teacher's main.go
// (env-fallback flag style) and cmd/tools/backfill_daily_stats/main.go
// (flag.NewFlagSet subcommand shape), with the exact subcommand/flag
// surface from _examples/original_source/indexer/src/main.rs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/outblock/hlindexer/internal/aggregate"
	"github.com/outblock/hlindexer/internal/config"
	"github.com/outblock/hlindexer/internal/fetcher"
	"github.com/outblock/hlindexer/internal/market"
	"github.com/outblock/hlindexer/internal/pipeline"
	"github.com/outblock/hlindexer/internal/store"
)

func main() {
	log := logrus.NewEntry(logrus.StandardLogger())

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: indexer <migrate|backfill|run> [flags]")
		os.Exit(1)
	}

	cfg, err := config.Load(os.Getenv("INDEXER_CONFIG_FILE"))
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	configureLogging(log, cfg.Telemetry.LogLevel, cfg.Telemetry.LogFormat)
	log.WithField("config", cfg.Redacted()).Info("starting indexer")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runErr error
	switch os.Args[1] {
	case "migrate":
		runErr = runMigrate(ctx, cfg, log)
	case "backfill":
		runErr = runBackfillCmd(ctx, cfg, log, os.Args[2:])
	case "run":
		runErr = runRunCmd(ctx, cfg, log, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		os.Exit(1)
	}

	if runErr != nil {
		log.WithError(runErr).Error("fatal error")
		os.Exit(1)
	}
}

func configureLogging(log *logrus.Entry, level, format string) {
	if lvl, err := logrus.ParseLevel(level); err == nil {
		log.Logger.SetLevel(lvl)
	}
	if format == "json" {
		log.Logger.SetFormatter(&logrus.JSONFormatter{})
	}
}

func runMigrate(ctx context.Context, cfg *config.Config, log *logrus.Entry) error {
	pool, err := store.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return err
	}
	defer pool.Close()

	path := os.Getenv("INDEXER_MIGRATIONS_PATH")
	if path == "" {
		path = "migrations/schema.sql"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migrations file %s: %w", path, err)
	}
	if _, err := pool.Exec(ctx, string(data)); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	log.Info("migrations completed successfully")
	return nil
}

func runBackfillCmd(ctx context.Context, cfg *config.Config, log *logrus.Entry, args []string) error {
	fs := flag.NewFlagSet("backfill", flag.ExitOnError)
	start := fs.String("start", envOr("BACKFILL_START", ""), "override start timestamp (RFC3339)")
	end := fs.String("end", envOr("BACKFILL_END", ""), "override end timestamp (RFC3339)")
	fs.Parse(args)

	startFrom, err := resolveStart(*start, cfg)
	if err != nil {
		return err
	}
	endAt, err := resolveTimeOrNow(*end)
	if err != nil {
		return err
	}

	p, agg, err := buildPipeline(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer agg.Wait()
	defer agg.Close()

	return p.RunBackfill(ctx, startFrom, endAt)
}

func runRunCmd(ctx context.Context, cfg *config.Config, log *logrus.Entry, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	start := fs.String("start", envOr("RUN_START", ""), "override start timestamp if no checkpoint exists")
	backfillFrom := fs.String("backfill-from", envOr("BACKFILL_FROM", ""), "backfill from this timestamp before starting live mode")
	backfillTo := fs.String("backfill-to", envOr("BACKFILL_TO", ""), "backfill up to this timestamp before starting live mode")
	fs.Parse(args)

	p, agg, err := buildPipeline(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer agg.Wait()
	defer agg.Close()

	if *backfillFrom != "" {
		bStart, err := resolveTimeOrNow(*backfillFrom)
		if err != nil {
			return err
		}
		bEnd, err := resolveTimeOrNow(*backfillTo)
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{"start": bStart, "end": bEnd}).Info("running backfill before starting live mode")
		if err := p.RunBackfill(ctx, bStart, bEnd); err != nil {
			return err
		}
		log.Info("backfill completed, transitioning to live mode")
	}

	startFrom, err := resolveStart(*start, cfg)
	if err != nil {
		return err
	}

	shutdown := make(chan struct{}, 1)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutdown signal received")
		shutdown <- struct{}{}
	}()

	return p.RunContinuous(ctx, startFrom, shutdown)
}

func buildPipeline(ctx context.Context, cfg *config.Config, log *logrus.Entry) (*pipeline.Pipeline, *aggregate.Refresher, error) {
	pool, err := store.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return nil, nil, err
	}

	s3Client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	st := store.New(pool, log)
	if err := st.Healthcheck(ctx); err != nil {
		return nil, nil, err
	}

	markets := market.NewRegistry(pool, cfg.Exchange, log)
	if err := markets.Start(ctx); err != nil {
		return nil, nil, err
	}

	f := fetcher.New(s3Client, cfg.Ingest.Source.Bucket, cfg.Exchange, log)

	agg := aggregate.NewRefresher(pool, cfg.Exchange, []string{"daily_market_stats"}, log)
	agg.Start(ctx)

	pcfg := pipeline.Config{
		ChannelBufferSize:      cfg.Pipeline.ChannelBufferSize,
		CheckpointIntervalSecs: cfg.Pipeline.CheckpointIntervalSecs,
		MaxRetries:             cfg.Ingest.MaxRetries,
		RetryBaseDelay:         time.Duration(cfg.Ingest.RetryBaseDelayMs) * time.Millisecond,
	}
	p := pipeline.New(cfg.Exchange, cfg.Source, f, st, markets, agg, pcfg, log)
	return p, agg, nil
}

func newS3Client(ctx context.Context, cfg *config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Ingest.Source.Region),
	}
	if cfg.Ingest.Source.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Ingest.Source.Profile))
	}
	if ak, sk := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY"); ak != "" && sk != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ak, sk, os.Getenv("AWS_SESSION_TOKEN"))))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.Region = cfg.Ingest.Source.Region
	}), nil
}

func poolConfig(cfg *config.Config) store.PoolConfig {
	return store.PoolConfig{
		URL:            cfg.Database.URL,
		MinConns:       cfg.Database.MinConns,
		MaxConns:       cfg.Database.MaxConns,
		AcquireTimeout: cfg.Database.AcquireTimeout,
		IdleTimeout:    cfg.Database.IdleTimeout,
	}
}

func resolveStart(flagVal string, cfg *config.Config) (time.Time, error) {
	if flagVal != "" {
		return time.Parse(time.RFC3339, flagVal)
	}
	if cfg.Ingest.StartFrom != nil {
		return *cfg.Ingest.StartFrom, nil
	}
	return time.Now().UTC().AddDate(0, 0, -7), nil
}

func resolveTimeOrNow(flagVal string) (time.Time, error) {
	if flagVal == "" {
		return time.Now().UTC(), nil
	}
	return time.Parse(time.RFC3339, flagVal)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
