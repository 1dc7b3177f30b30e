// Package fetcher walks the hourly archive cursor, downloads each
// archive hour from the object store, decompresses it, and hands the
// decoded batch to the pipeline. Grounded on the teacher's
// request-scoped HTTP client shape (internal/market/price.go) and the
// Rust S3Source (_examples/original_source/indexer/src/ingest/s3_source.rs)
// for exact key layout and cursor semantics.
package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pierrec/lz4/v4"
	"github.com/sirupsen/logrus"

	"github.com/outblock/hlindexer/internal/decoder"
	"github.com/outblock/hlindexer/internal/ingesterr"
	"github.com/outblock/hlindexer/internal/model"
)

// S3API is the subset of the S3 client the fetcher depends on, so
// tests can substitute a fake.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// archiveLayout maps a date bucket onto its object-store data path,
// per the archive layout table.
var archiveLayout = []struct {
	from time.Time
	path string
}{
	{time.Date(2025, 7, 27, 0, 0, 0, 0, time.UTC), "node_fills_by_block"},
	{time.Date(2025, 5, 25, 0, 0, 0, 0, time.UTC), "node_fills"},
}

func dataPathFor(date time.Time) string {
	d := date.UTC()
	for _, bucket := range archiveLayout {
		if !d.Before(bucket.from) {
			return bucket.path
		}
	}
	return "node_trades"
}

// Cursor is the fetcher's position: an archive date and hour.
type Cursor struct {
	Date time.Time // truncated to day
	Hour int       // 0..23
}

// ParseCursor decodes the "YYYYMMDD_H" wire format.
func ParseCursor(raw string) (Cursor, error) {
	parts := strings.SplitN(raw, "_", 2)
	if len(parts) != 2 {
		return Cursor{}, fmt.Errorf("malformed cursor %q", raw)
	}
	date, err := time.Parse("20060102", parts[0])
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor date %q: %w", parts[0], err)
	}
	hour, err := strconv.Atoi(parts[1])
	if err != nil || hour < 0 || hour > 23 {
		return Cursor{}, fmt.Errorf("malformed cursor hour %q", parts[1])
	}
	return Cursor{Date: date, Hour: hour}, nil
}

// String encodes the cursor back to "YYYYMMDD_H".
func (c Cursor) String() string {
	return fmt.Sprintf("%s_%d", c.Date.Format("20060102"), c.Hour)
}

// Next advances the cursor by one archive hour.
func (c Cursor) Next() Cursor {
	hour := c.Hour + 1
	date := c.Date
	if hour >= 24 {
		hour = 0
		date = date.AddDate(0, 0, 1)
	}
	return Cursor{Date: date, Hour: hour}
}

// Timestamp is the wall-clock instant this cursor position represents.
func (c Cursor) Timestamp() time.Time {
	return time.Date(c.Date.Year(), c.Date.Month(), c.Date.Day(), c.Hour, 0, 0, 0, time.UTC)
}

// CursorFromTime derives the initial cursor from a start timestamp.
func CursorFromTime(t time.Time) Cursor {
	u := t.UTC()
	return Cursor{Date: time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC), Hour: u.Hour()}
}

// Fetcher produces IngestBatch values advancing one archive hour at a time.
type Fetcher struct {
	s3       S3API
	bucket   string
	exchange string
	log      *logrus.Entry
}

func New(s3Client S3API, bucket, exchange string, log *logrus.Entry) *Fetcher {
	return &Fetcher{s3: s3Client, bucket: bucket, exchange: exchange, log: log}
}

// FetchHour downloads, decompresses, and decodes one archive hour.
// Any GetObject failure, including a 404 for a missing hour, is
// returned as an ingest-kind error, which is neither retryable nor
// fatal by kind; the pipeline returns it and ends the current run.
func (f *Fetcher) FetchHour(ctx context.Context, cur Cursor) (model.IngestBatch, error) {
	key := fmt.Sprintf("%s/%s/%d.lz4", dataPathFor(cur.Timestamp()), cur.Date.Format("20060102"), cur.Hour)

	out, err := f.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket:       aws.String(f.bucket),
		Key:          aws.String(key),
		RequestPayer: types.RequestPayerRequester,
	})
	if err != nil {
		return model.IngestBatch{}, ingesterr.New(ingesterr.KindIngest, "fetcher.FetchHour", fmt.Errorf("get %s: %w", key, err))
	}
	defer out.Body.Close()

	compressed, err := io.ReadAll(out.Body)
	if err != nil {
		return model.IngestBatch{}, ingesterr.New(ingesterr.KindIO, "fetcher.FetchHour", fmt.Errorf("read body %s: %w", key, err))
	}
	bytesDownloaded := int64(len(compressed))

	decompressed, err := decompressLZ4(compressed)
	if err != nil {
		return model.IngestBatch{}, ingesterr.New(ingesterr.KindIO, "fetcher.FetchHour", fmt.Errorf("lz4 decode %s: %w", key, err))
	}

	if err := decoder.ValidateUTF8(decompressed); err != nil {
		return model.IngestBatch{}, ingesterr.New(ingesterr.KindValidation, "fetcher.FetchHour", err)
	}

	fills, err := decoder.Decode(f.exchange, decompressed, cur.Timestamp())
	if err != nil {
		return model.IngestBatch{}, err
	}

	next := cur.Next()
	nextCursor := next.String()
	hasMore := next.Timestamp().Before(time.Now().UTC())

	f.log.WithFields(logrus.Fields{"key": key, "fills": len(fills), "bytes": bytesDownloaded}).Debug("fetched archive hour")

	return model.IngestBatch{
		Fills:           fills,
		NextCursor:      &nextCursor,
		HasMore:         hasMore,
		BytesDownloaded: bytesDownloaded,
	}, nil
}

func decompressLZ4(compressed []byte) ([]byte, error) {
	if len(compressed) == 0 {
		return nil, nil
	}
	r := lz4.NewReader(bytes.NewReader(compressed))
	var out bytes.Buffer
	if _, err := io.Copy(&out, r); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
