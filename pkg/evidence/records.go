package evidence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ArtifactRecord is the database row tracking a stored artifact's identity
// and storage location, distinct from the blob itself (held in ObjectStore).
type ArtifactRecord struct {
	ID          string
	SHA256      string
	SHA1        string
	MD5         string
	SizeBytes   int64
	StorageKey  string
	ContentType string
	CreatedAt   time.Time
}

// RecordStore persists ArtifactRecords. An artifact's id is its sha256
// digest, so re-registering identical content is naturally idempotent —
// the same content-addressing invariant ObjectStore.Upload relies on.
type RecordStore struct {
	db *sql.DB
}

// NewRecordStore wraps an existing database connection.
func NewRecordStore(db *sql.DB) *RecordStore {
	return &RecordStore{db: db}
}

// Create registers an artifact row for hashes, or is a no-op if one already
// exists for this sha256.
func (s *RecordStore) Create(ctx context.Context, hashes Hashes, sizeBytes int64, contentType string) (*ArtifactRecord, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	rec := &ArtifactRecord{
		ID:          hashes.SHA256,
		SHA256:      hashes.SHA256,
		SHA1:        hashes.SHA1,
		MD5:         hashes.MD5,
		SizeBytes:   sizeBytes,
		StorageKey:  hashes.Key(),
		ContentType: contentType,
		CreatedAt:   nowUTC(),
	}
	const q = `
		INSERT INTO artifacts (id, sha256, sha1, md5, size_bytes, storage_key, content_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (sha256) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, q, rec.ID, rec.SHA256, rec.SHA1, rec.MD5, rec.SizeBytes, rec.StorageKey, rec.ContentType, rec.CreatedAt); err != nil {
		return nil, fmt.Errorf("evidence: create artifact record: %w", err)
	}
	return rec, nil
}

// Get returns the artifact record for id (its sha256 digest), if any.
func (s *RecordStore) Get(ctx context.Context, id string) (*ArtifactRecord, error) {
	const q = `
		SELECT id, sha256, sha1, md5, size_bytes, storage_key, content_type, created_at
		FROM artifacts WHERE id = $1
	`
	var rec ArtifactRecord
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&rec.ID, &rec.SHA256, &rec.SHA1, &rec.MD5, &rec.SizeBytes, &rec.StorageKey, &rec.ContentType, &rec.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("evidence: get artifact record: %w", err)
	}
	return &rec, nil
}
