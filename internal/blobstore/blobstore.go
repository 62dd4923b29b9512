// Package blobstore abstracts the DATA_ROOT filesystem layout: uploads,
// cached extractions, the vector store directory, embedding cache, logs,
// and rendered reports. A plain directory tree is the default; an
// s3:// data root swaps in a MinIO bucket with the same key layout.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// Store reads and writes blobs under the data root.
type Store interface {
	Put(ctx context.Context, key string, content io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// UploadKey returns the layout key for an original upload:
// uploads/YYYY/MM/DD/<sha256>.<ext>.
func UploadKey(uploadedAt time.Time, sha256Hex, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	return fmt.Sprintf("uploads/%s/%s.%s", uploadedAt.UTC().Format("2006/01/02"), sha256Hex, ext)
}

// ExtractionKey returns the layout key for a cached extraction.
func ExtractionKey(docExternalID string) string {
	return path.Join("processed", docExternalID, "extracted.json")
}

// ReportKey returns the layout key for a rendered report.
func ReportKey(auditExternalID, filename string) string {
	return path.Join("reports", auditExternalID, filename)
}

// EmbeddingCacheDir is the layout directory for SHA256-keyed query
// embedding caches; only meaningful for local roots.
func EmbeddingCacheDir(dataRoot string) string {
	return filepath.Join(dataRoot, "cache", "embeddings")
}

// Open resolves dataRoot: s3://bucket[?endpoint=...] yields the MinIO
// backend, anything else a local directory tree.
func Open(dataRoot string, logger *zap.Logger) (Store, error) {
	if strings.HasPrefix(dataRoot, "s3://") {
		return openMinIO(dataRoot, logger)
	}
	return NewLocal(dataRoot)
}

// ------------------------------------------------------------------ //
// Local filesystem backend
// ------------------------------------------------------------------ //

// Local stores blobs as files under a root directory.
type Local struct {
	root string
}

// NewLocal creates the root and the fixed layout directories.
func NewLocal(root string) (*Local, error) {
	for _, dir := range []string{"uploads", "processed", "chroma", "cache/embeddings", "logs", "reports"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data root layout: %w", err)
		}
	}
	return &Local{root: root}, nil
}

func (l *Local) path(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}

func (l *Local) Put(_ context.Context, key string, content io.Reader, _ int64, _ string) error {
	target := l.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}
	file, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create blob file: %w", err)
	}
	defer file.Close()
	if _, err := io.Copy(file, content); err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}
	return nil
}

func (l *Local) Get(_ context.Context, key string) (io.ReadCloser, error) {
	file, err := os.Open(l.path(key))
	if err != nil {
		return nil, fmt.Errorf("failed to open blob %q: %w", key, err)
	}
	return file, nil
}

func (l *Local) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(l.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// ------------------------------------------------------------------ //
// MinIO backend
// ------------------------------------------------------------------ //

// MinIO stores blobs in a bucket under the same key layout.
type MinIO struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

func openMinIO(dataRoot string, logger *zap.Logger) (*MinIO, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	parsed, err := url.Parse(dataRoot)
	if err != nil {
		return nil, fmt.Errorf("invalid s3 data root: %w", err)
	}
	bucket := parsed.Host
	if bucket == "" {
		return nil, fmt.Errorf("s3 data root %q is missing a bucket name", dataRoot)
	}

	endpoint := parsed.Query().Get("endpoint")
	if endpoint == "" {
		endpoint = os.Getenv("MINIO_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:9000"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds: credentials.NewStaticV4(
			os.Getenv("MINIO_ACCESS_KEY"),
			os.Getenv("MINIO_SECRET_KEY"),
			"",
		),
		Secure: parsed.Query().Get("secure") == "true",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &MinIO{client: client, bucket: bucket, logger: logger}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		logger.Info("created blob bucket", zap.String("bucket", bucket))
	}
	return store, nil
}

func (m *MinIO) Put(ctx context.Context, key string, content io.Reader, size int64, contentType string) error {
	if size < 0 {
		buffered, err := io.ReadAll(content)
		if err != nil {
			return fmt.Errorf("failed to buffer blob: %w", err)
		}
		content = bytes.NewReader(buffered)
		size = int64(len(buffered))
	}
	_, err := m.client.PutObject(ctx, m.bucket, key, content, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to store blob %q: %w", key, err)
	}
	return nil
}

func (m *MinIO) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	object, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch blob %q: %w", key, err)
	}
	return object, nil
}

func (m *MinIO) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		response := minio.ToErrorResponse(err)
		if response.Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
