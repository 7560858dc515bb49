package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryObjects struct {
	buckets   map[string]bool
	objects   map[string][]byte
	types     map[string]string
	ensureErr error
	ensured   int
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{buckets: map[string]bool{}, objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memoryObjects) EnsureBucketExists(_ context.Context, bucket string) error {
	m.ensured++
	if m.ensureErr != nil {
		return m.ensureErr
	}
	m.buckets[bucket] = true
	return nil
}

func (m *memoryObjects) PutObject(_ context.Context, bucket, key, contentType string, reader io.Reader, size int64) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return errors.New("size mismatch")
	}
	m.objects[bucket+"/"+key] = data
	m.types[bucket+"/"+key] = contentType
	return nil
}

func (m *memoryObjects) ListObjects(_ context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	for k := range m.objects {
		if key, ok := strings.CutPrefix(k, bucket+"/"); ok && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (m *memoryObjects) GenerateDownloadURL(_ context.Context, bucket, fileKey string) (*PresignedURL, error) {
	return &PresignedURL{URL: "https://objects.test/" + bucket + "/" + fileKey, FileKey: fileKey, ExpiresAt: time.Now().Add(PresignedURLTTL)}, nil
}

func TestArchiveReportStoresJSON(t *testing.T) {
	objects := newMemoryObjects()
	a := NewReportArchiver(objects, "analytics")
	tenant, pipeline := uuid.New(), uuid.New()
	at := time.Date(2026, 3, 9, 14, 30, 0, 0, time.UTC)

	require.NoError(t, a.ArchiveReport(context.Background(), tenant, pipeline, at, []byte(`{"ok":true}`)))
	require.NoError(t, a.ArchiveReport(context.Background(), tenant, pipeline, at.Add(time.Hour), []byte(`{}`)))

	assert.True(t, objects.buckets["analytics"])
	assert.Equal(t, 1, objects.ensured)
	key := "analytics/" + ReportKey(tenant, pipeline, at)
	assert.Equal(t, `{"ok":true}`, string(objects.objects[key]))
	assert.Equal(t, "application/json", objects.types[key])
	assert.True(t, strings.HasPrefix(ReportKey(tenant, pipeline, at), "reports/"+tenant.String()+"/"+pipeline.String()+"/2026/03/"))
}

func TestArchiveReportBucketFailure(t *testing.T) {
	objects := newMemoryObjects()
	objects.ensureErr = errors.New("minio unreachable")
	a := NewReportArchiver(objects, "analytics")

	err := a.ArchiveReport(context.Background(), uuid.New(), uuid.New(), time.Now(), []byte(`{}`))

	assert.Error(t, err)
	assert.Empty(t, objects.objects)
}

func TestListReportsNewestFirst(t *testing.T) {
	objects := newMemoryObjects()
	a := NewReportArchiver(objects, "analytics")
	tenant, pipeline := uuid.New(), uuid.New()
	older := time.Date(2025, 12, 31, 23, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)
	require.NoError(t, a.ArchiveReport(context.Background(), tenant, pipeline, older, []byte(`{}`)))
	require.NoError(t, a.ArchiveReport(context.Background(), tenant, pipeline, newer, []byte(`{}`)))
	require.NoError(t, a.ArchiveReport(context.Background(), uuid.New(), pipeline, newer, []byte(`{}`)))

	reports, err := a.ListReports(context.Background(), tenant, pipeline)

	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, ReportKey(tenant, pipeline, newer), reports[0].Key)
	assert.Contains(t, reports[1].URL, ReportKey(tenant, pipeline, older))
}
