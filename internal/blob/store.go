// Package blob stores receipt attachments. Production uses a GCS bucket;
// local development writes under a directory with the same layout.
package blob

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Store persists raw attachment bytes and returns a storage reference.
type Store interface {
	Put(ctx context.Context, objectPath, contentType string, data []byte) (string, error)
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9.-]`)

// SanitizeFilename replaces every byte outside [A-Za-z0-9.-] with '_', so
// attachment filenames can never influence the object path structure.
func SanitizeFilename(name string) string {
	return unsafePathChars.ReplaceAllString(name, "_")
}

// ReceiptPath builds the canonical object path for a receipt attachment:
// tenants/{slug}/receipts/{unixMillis}-{sanitized}.
func ReceiptPath(tenantSlug, filename string, now time.Time) string {
	return fmt.Sprintf("tenants/%s/receipts/%d-%s",
		tenantSlug, now.UnixMilli(), SanitizeFilename(filename))
}

// ============================================================================
// GCS BACKEND
// ============================================================================

// GCSStore writes objects into a single bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	logger *log.Logger
}

var _ Store = (*GCSStore)(nil)

// NewGCSStore connects to the bucket. credentialsFile may be empty, in which
// case ambient credentials (workload identity, ADC) are used.
func NewGCSStore(ctx context.Context, bucket, credentialsFile string) (*GCSStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}
	s := &GCSStore{
		client: client,
		bucket: bucket,
		logger: log.New(log.Writer(), "[BLOB] ", log.LstdFlags),
	}
	s.logger.Printf("✅ Connected to GCS bucket: %s", bucket)
	return s, nil
}

// Put uploads the object and returns a gs:// reference.
func (s *GCSStore) Put(ctx context.Context, objectPath, contentType string, data []byte) (string, error) {
	w := s.client.Bucket(s.bucket).Object(objectPath).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("write object %s: %w", objectPath, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close object %s: %w", objectPath, err)
	}
	return "gs://" + s.bucket + "/" + objectPath, nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error { return s.client.Close() }

// ============================================================================
// LOCAL BACKEND (dev)
// ============================================================================

// LocalStore mirrors the GCS layout under a root directory.
type LocalStore struct {
	root string
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore uses root as the bucket equivalent.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

func (s *LocalStore) Put(_ context.Context, objectPath, _ string, data []byte) (string, error) {
	full := filepath.Join(s.root, filepath.FromSlash(objectPath))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("mkdir for %s: %w", objectPath, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", objectPath, err)
	}
	return "file://" + full, nil
}
