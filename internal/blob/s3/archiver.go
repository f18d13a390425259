package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/costsim/internal/domain"
)

// EstimateSource is the read side of the estimate journal the archiver needs.
type EstimateSource interface {
	ListBetween(ctx context.Context, from, to time.Time) ([]domain.CostEstimateResult, error)
}

// Uploader stores a finished archive payload.
type Uploader interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) error
}

const jsonlContentType = "application/x-ndjson"

// ArchiveImpl implements domain.Archiver. It reads a window of journaled
// estimates, serializes them to JSONL and uploads one object per window.
// Journal rows are not deleted here.
type ArchiveImpl struct {
	source  EstimateSource
	upload  Uploader
	exists  domain.BlobReader
	locks   domain.LockManager
	prefix  string
	lockTTL time.Duration
	logger  *slog.Logger
}

// NewArchiver creates an ArchiveImpl. exists and locks may be nil; without
// them every call uploads and no cross-replica lock is taken.
func NewArchiver(
	source EstimateSource,
	upload Uploader,
	exists domain.BlobReader,
	locks domain.LockManager,
	prefix string,
	logger *slog.Logger,
) *ArchiveImpl {
	return &ArchiveImpl{
		source:  source,
		upload:  upload,
		exists:  exists,
		locks:   locks,
		prefix:  prefix,
		lockTTL: 5 * time.Minute,
		logger:  logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveEstimates uploads every estimate with from <= computed_at < to to
// a single JSONL object and returns how many were written. A window that is
// already archived, or empty, returns 0.
func (a *ArchiveImpl) ArchiveEstimates(ctx context.Context, from, to time.Time) (int64, error) {
	if !to.After(from) {
		return 0, fmt.Errorf("s3blob: archive window %s..%s: %w",
			from.Format(time.RFC3339), to.Format(time.RFC3339), domain.ErrInvalidRequest)
	}
	path := archivePath(a.prefix, from, to)

	if a.locks != nil {
		unlock, err := a.locks.Acquire(ctx, "archive:"+path, a.lockTTL)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive %s: %w", path, err)
		}
		defer unlock()
	}

	if a.exists != nil {
		ok, err := a.exists.Exists(ctx, path)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive %s: %w", path, err)
		}
		if ok {
			a.logger.DebugContext(ctx, "archive window already uploaded", slog.String("path", path))
			return 0, nil
		}
	}

	records, err := a.source.ListBetween(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive estimates query: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive estimates marshal: %w", err)
	}
	if err := a.upload.Upload(ctx, path, buf, jsonlContentType); err != nil {
		return 0, fmt.Errorf("s3blob: archive estimates upload: %w", err)
	}

	count := int64(len(records))
	a.logger.InfoContext(ctx, "estimates archived",
		slog.String("path", path),
		slog.Int64("count", count),
		slog.Int("bytes", len(buf)),
	)
	return count, nil
}

// Run archives the previous complete window every interval until ctx is
// cancelled. Failures are logged and retried on the next tick.
func (a *ArchiveImpl) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("s3blob: archive interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			to := now.UTC().Truncate(interval)
			from := to.Add(-interval)
			if _, err := a.ArchiveEstimates(ctx, from, to); err != nil {
				if errors.Is(err, domain.ErrLockHeld) {
					a.logger.DebugContext(ctx, "archive window held by another replica")
					continue
				}
				a.logger.ErrorContext(ctx, "archive estimates failed", slog.String("error", err.Error()))
			}
		}
	}
}

// archivePath builds the object key for a window, partitioned by day:
//
//	{prefix}archive/estimates/2026-01-02/20260102T150000Z_20260102T160000Z.jsonl
func archivePath(prefix string, from, to time.Time) string {
	const stamp = "20060102T150405Z"
	from, to = from.UTC(), to.UTC()
	return fmt.Sprintf("%sarchive/estimates/%s/%s_%s.jsonl",
		prefix, from.Format("2006-01-02"), from.Format(stamp), to.Format(stamp))
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*ArchiveImpl)(nil)
