// Package evidence implements the content-addressed object store and
// append-only custody log described in SPEC_FULL.md §4.7/§8. The object
// store is grounded on github.com/supabase-community/storage-go, the way
// r3e-network-service_layer/pkg/blob/supabase_storage.go wraps it into an
// Upload/Download/Delete/Exists surface, and ocx's
// internal/database/supabase.go confirms the genuine use of the Supabase
// Go SDK for this kind of blob/record storage in the pack.
package evidence

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	storage_go "github.com/supabase-community/storage-go"
)

// Hashes holds the three digests computed over an artifact in a single
// streaming pass (spec.md requires sha256 as canonical identity, with
// sha1/md5 retained for cross-tool comparison).
type Hashes struct {
	SHA256 string
	SHA1   string
	MD5    string
}

// Key returns the content-addressed storage key for these hashes.
func (h Hashes) Key() string {
	return fmt.Sprintf("artifacts/%s", h.SHA256)
}

// HashReader streams r through sha256/sha1/md5 simultaneously, returning
// the digests without buffering the whole artifact in memory.
func HashReader(r io.Reader) (Hashes, int64, error) {
	h256 := sha256.New()
	h1 := sha1.New()
	hmd5 := md5.New()
	mw := io.MultiWriter(h256, h1, hmd5)
	n, err := io.Copy(mw, r)
	if err != nil {
		return Hashes{}, n, fmt.Errorf("evidence: hash stream: %w", err)
	}
	return Hashes{
		SHA256: hex.EncodeToString(h256.Sum(nil)),
		SHA1:   hex.EncodeToString(h1.Sum(nil)),
		MD5:    hex.EncodeToString(hmd5.Sum(nil)),
	}, n, nil
}

// Stats is a point-in-time read of store-level counters.
type Stats struct {
	ArtifactsStored int64
	BytesStored     int64
}

// ObjectStore is the content-addressed artifact store capability,
// implementing upload/exists/stream_download/delete/get_download_url from
// spec.md §4.7.
type ObjectStore struct {
	client *storage_go.Client
	bucket string

	mu    sync.Mutex
	stats Stats
}

// NewObjectStore constructs a store backed by a Supabase Storage bucket.
// url is the project's storage endpoint (https://<ref>.supabase.co/storage/v1),
// key is the service-role API key.
func NewObjectStore(url, key, bucket string) *ObjectStore {
	if bucket == "" {
		bucket = "evidence"
	}
	client := storage_go.NewClient(url, key, nil)
	return &ObjectStore{client: client, bucket: bucket}
}

// Upload stores data under its content-addressed key, returning the
// computed hashes. Re-uploading identical content is a no-op write to the
// same key (idempotent by construction).
func (s *ObjectStore) Upload(ctx context.Context, data []byte, contentType string) (Hashes, error) {
	hashes, n, err := HashReader(bytes.NewReader(data))
	if err != nil {
		return Hashes{}, err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := sanitizeKey(hashes.Key())
	fileOpts := storage_go.FileOptions{ContentType: &contentType}
	if _, err := s.client.UploadFile(s.bucket, key, bytes.NewReader(data), fileOpts); err != nil {
		return Hashes{}, fmt.Errorf("evidence: upload %s: %w", key, err)
	}
	s.mu.Lock()
	s.stats.ArtifactsStored++
	s.stats.BytesStored += n
	s.mu.Unlock()
	return hashes, nil
}

// UploadReader hashes and uploads in a single streaming pass by teeing the
// reader into a temporary buffer; the storage SDK requires a seekable
// payload for its PUT, so content must be fully read once regardless.
func (s *ObjectStore) UploadReader(ctx context.Context, r io.Reader, contentType string) (Hashes, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Hashes{}, fmt.Errorf("evidence: read artifact: %w", err)
	}
	return s.Upload(ctx, data, contentType)
}

// Exists reports whether an artifact with the given sha256 digest is
// already stored.
func (s *ObjectStore) Exists(ctx context.Context, sha256Hex string) (bool, error) {
	key := sanitizeKey((Hashes{SHA256: sha256Hex}).Key())
	_, err := s.client.DownloadFile(s.bucket, key)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("evidence: exists %s: %w", key, err)
	}
	return true, nil
}

// StreamDownload returns the artifact bytes for the given sha256 digest.
func (s *ObjectStore) StreamDownload(ctx context.Context, sha256Hex string) ([]byte, error) {
	key := sanitizeKey((Hashes{SHA256: sha256Hex}).Key())
	data, err := s.client.DownloadFile(s.bucket, key)
	if err != nil {
		return nil, fmt.Errorf("evidence: download %s: %w", key, err)
	}
	return data, nil
}

// Delete removes a stored artifact. Per spec.md's custody invariants,
// callers must append a CustodyEvent recording this action; Delete itself
// does not touch the custody log.
func (s *ObjectStore) Delete(ctx context.Context, sha256Hex string) error {
	key := sanitizeKey((Hashes{SHA256: sha256Hex}).Key())
	if _, err := s.client.RemoveFile(s.bucket, []string{key}); err != nil {
		return fmt.Errorf("evidence: delete %s: %w", key, err)
	}
	return nil
}

// GetDownloadURL returns a public URL for the stored artifact. Callers
// needing access control should front this with their own signed-URL or
// proxy layer; spec.md does not mandate one.
func (s *ObjectStore) GetDownloadURL(sha256Hex string) string {
	key := sanitizeKey((Hashes{SHA256: sha256Hex}).Key())
	resp := s.client.GetPublicUrl(s.bucket, key)
	return resp.SignedURL
}

// GetStats returns a snapshot of store-level counters.
func (s *ObjectStore) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// HealthCheck verifies the storage bucket is reachable.
func (s *ObjectStore) HealthCheck(ctx context.Context) error {
	if _, err := s.client.ListFiles(s.bucket, "", storage_go.FileSearchOptions{Limit: 1}); err != nil {
		return fmt.Errorf("evidence: health check: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "404") || strings.Contains(msg, "not found") || strings.Contains(msg, "not_found")
}

func sanitizeKey(key string) string {
	key = strings.TrimPrefix(key, "/")
	key = path.Clean(key)
	key = strings.ReplaceAll(key, "..", "_")
	return key
}

// nowUTC exists so tests can observe a single, monotonic clock source for
// the custody log's timestamps.
func nowUTC() time.Time { return time.Now().UTC() }
