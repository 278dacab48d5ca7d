// Package blobstore adapts an S3-compatible object store into the opaque
// byte-KV the rest of the system sees. Keys are lowercase BLAKE3 hex; the
// store has no listing semantics and never deletes.
package blobstore

import (
	"context"

	"github.com/plectr/plectr/pkg/api"
)

// Store is the byte-KV over content-hash keys. Put is idempotent: writing the
// same key twice is allowed and the second write may be a no-op.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// ErrNotFound tags a Get miss so the HTTP edge maps it to 404.
func notFound(key string) error {
	return api.NewError(api.KindNotFound, "blob %s not found", key)
}
