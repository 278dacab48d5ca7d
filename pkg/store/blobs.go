package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/plectr/plectr/pkg/api"
)

// BlobExists reports whether a blob row exists for the given primary hash.
func (s *Store) BlobExists(ctx context.Context, hash string) (bool, error) {
	var one int
	err := s.db.GetContext(ctx, &one, `SELECT 1 FROM blobs WHERE hash = $1`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, internal(err, "failed to check blob %s", hash)
	}
	return true, nil
}

// InsertBlob records a newly ingested blob. Concurrent ingests of identical
// content race benignly; the conflict clause keeps the first row.
func (s *Store) InsertBlob(ctx context.Context, blob api.Blob) error {
	var metadata interface{}
	if len(blob.Metadata) > 0 {
		metadata = []byte(blob.Metadata)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (hash, sha256, size, mime_type, storage_path, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (hash) DO NOTHING`,
		blob.Hash, blob.SHA256, blob.Size, blob.MimeType, blob.StoragePath, metadata); err != nil {
		return internal(err, "failed to insert blob %s", blob.Hash)
	}
	return nil
}

// UpsertRegistryBlob records a layer that arrived through the registry: the
// row is keyed by the primary hash but must also carry the sha256 the docker
// client addresses it by. Re-pushing known content backfills the sha256 on
// the existing row instead of duplicating it.
func (s *Store) UpsertRegistryBlob(ctx context.Context, hash, sha256Hex string, size int64, storagePath string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (hash, sha256, size, mime_type, storage_path)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (hash) DO UPDATE SET sha256 = EXCLUDED.sha256`,
		hash, sha256Hex, size, api.LayerMediaType, storagePath); err != nil {
		return internal(err, "failed to upsert registry blob %s", hash)
	}
	return nil
}

// BlobBySHA256 resolves a docker digest (without the "sha256:" prefix) to the
// blob row it addresses.
func (s *Store) BlobBySHA256(ctx context.Context, sha256Hex string) (*api.Blob, error) {
	var blob api.Blob
	err := s.db.GetContext(ctx, &blob, `
		SELECT hash, sha256, size, mime_type, storage_path, metadata
		FROM blobs WHERE sha256 = $1`, sha256Hex)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.NewError(api.KindNotFound, "blob sha256:%s not found", sha256Hex)
	}
	if err != nil {
		return nil, internal(err, "failed to look up blob sha256:%s", sha256Hex)
	}
	return &blob, nil
}

// Blob returns the row for a primary hash.
func (s *Store) Blob(ctx context.Context, hash string) (*api.Blob, error) {
	var blob api.Blob
	err := s.db.GetContext(ctx, &blob, `
		SELECT hash, sha256, size, mime_type, storage_path, metadata
		FROM blobs WHERE hash = $1`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.NewError(api.KindNotFound, "blob %s not found", hash)
	}
	if err != nil {
		return nil, internal(err, "failed to look up blob %s", hash)
	}
	return &blob, nil
}

// SetBlobMetadata attaches structured metadata (safetensors headers, image
// config summaries) to an existing blob.
func (s *Store) SetBlobMetadata(ctx context.Context, hash string, metadata json.RawMessage) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE blobs SET metadata = $1 WHERE hash = $2`, []byte(metadata), hash); err != nil {
		return internal(err, "failed to set metadata on blob %s", hash)
	}
	return nil
}
