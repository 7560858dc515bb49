package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"slices"
	"sync"
	"time"

	"pipeline_engine_backend/internal/pipeline/analytics"

	"github.com/google/uuid"
)

const reportContentType = "application/json"

// ReportArchiver stores generated analytics reports as JSON objects keyed
// tenant/pipeline/year/month/timestamp.json.
type ReportArchiver struct {
	store  ObjectStore
	bucket string

	once      sync.Once
	bucketErr error
}

var (
	_ analytics.Archiver       = (*ReportArchiver)(nil)
	_ analytics.ArchiveBrowser = (*ReportArchiver)(nil)
)

func NewReportArchiver(store ObjectStore, bucket string) *ReportArchiver {
	return &ReportArchiver{store: store, bucket: bucket}
}

// ArchiveReport implements analytics.Archiver.
func (a *ReportArchiver) ArchiveReport(ctx context.Context, tenantID, pipelineID uuid.UUID, generatedAt time.Time, data []byte) error {
	a.once.Do(func() { a.bucketErr = a.store.EnsureBucketExists(ctx, a.bucket) })
	if a.bucketErr != nil {
		return a.bucketErr
	}
	key := ReportKey(tenantID, pipelineID, generatedAt)
	return a.store.PutObject(ctx, a.bucket, key, reportContentType, bytes.NewReader(data), int64(len(data)))
}

// ListReports implements analytics.ArchiveBrowser with presigned links,
// newest first.
func (a *ReportArchiver) ListReports(ctx context.Context, tenantID, pipelineID uuid.UUID) ([]analytics.ArchivedReport, error) {
	keys, err := a.store.ListObjects(ctx, a.bucket, reportPrefix(tenantID, pipelineID))
	if err != nil {
		return nil, err
	}
	slices.Sort(keys)
	slices.Reverse(keys)

	out := make([]analytics.ArchivedReport, 0, len(keys))
	for _, key := range keys {
		link, err := a.store.GenerateDownloadURL(ctx, a.bucket, key)
		if err != nil {
			return nil, err
		}
		out = append(out, analytics.ArchivedReport{Key: link.FileKey, URL: link.URL, ExpiresAt: link.ExpiresAt})
	}
	return out, nil
}

// ReportKey is the object key of a report generated at t.
func ReportKey(tenantID, pipelineID uuid.UUID, t time.Time) string {
	t = t.UTC()
	return path.Join(reportPrefix(tenantID, pipelineID),
		fmt.Sprintf("%04d", t.Year()), fmt.Sprintf("%02d", int(t.Month())),
		t.Format("20060102T150405.000000000Z")+".json")
}

func reportPrefix(tenantID, pipelineID uuid.UUID) string {
	return path.Join("reports", tenantID.String(), pipelineID.String()) + "/"
}
