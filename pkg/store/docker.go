package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/plectr/plectr/pkg/api"
	"github.com/plectr/plectr/pkg/auth"
)

// AnchorRepoName returns the Plectr repository a registry name is anchored
// to: the segment before the first slash, or the whole name.
func AnchorRepoName(registryName string) string {
	if i := strings.IndexByte(registryName, '/'); i >= 0 {
		return registryName[:i]
	}
	return registryName
}

// DockerRepoID resolves a registry name, creating the row on first use. When
// the anchoring Plectr repository does not exist either, it is created
// private with pusher as admin, so `docker push` works without a prior web
// visit.
func (s *Store) DockerRepoID(ctx context.Context, registryName string, pusher *auth.Identity) (uuid.UUID, error) {
	var repoID uuid.UUID
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &repoID, `SELECT id FROM docker_repositories WHERE name = $1`, registryName)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return internal(err, "failed to look up docker repository %q", registryName)
		}

		anchor := AnchorRepoName(registryName)
		var anchorID uuid.UUID
		err = tx.GetContext(ctx, &anchorID, `SELECT id FROM repositories WHERE name = $1`, anchor)
		if errors.Is(err, sql.ErrNoRows) {
			if pusher == nil {
				return api.NewError(api.KindNotFound, "repository %q not found", anchor)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO users (id, username, email) VALUES ($1, $2, $3)
				 ON CONFLICT (id) DO UPDATE SET last_seen_at = NOW()`,
				pusher.ID, pusher.Username, pusher.Email); err != nil {
				return internal(err, "failed to upsert user")
			}
			row := tx.QueryRowxContext(ctx,
				`INSERT INTO repositories (name, is_public) VALUES ($1, FALSE) RETURNING id`, anchor)
			if err := row.Scan(&anchorID); err != nil {
				return internal(err, "failed to create repository %q", anchor)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO repository_members (repo_id, user_id, role) VALUES ($1, $2, 'admin')`,
				anchorID, pusher.ID); err != nil {
				return internal(err, "failed to grant admin membership")
			}
		} else if err != nil {
			return internal(err, "failed to look up repository %q", anchor)
		}

		row := tx.QueryRowxContext(ctx,
			`INSERT INTO docker_repositories (name) VALUES ($1)
			 ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name RETURNING id`, registryName)
		if err := row.Scan(&repoID); err != nil {
			return internal(err, "failed to create docker repository %q", registryName)
		}
		return nil
	})
	return repoID, err
}

// PutManifest stores manifest bytes under their digest and, when tag is
// non-empty, points the tag at them. Pushes addressed by digest carry no
// tag. Raw bytes are kept verbatim so GET responses reproduce the digest.
func (s *Store) PutManifest(ctx context.Context, dockerRepoID uuid.UUID, digest, tag string, raw []byte) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO docker_manifests (digest, repo_id, content, raw)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (digest) DO UPDATE SET content = EXCLUDED.content, raw = EXCLUDED.raw`,
			digest, dockerRepoID, raw, raw); err != nil {
			return internal(err, "failed to store manifest %s", digest)
		}
		if tag == "" {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO docker_tags (repo_id, tag, manifest_digest)
			VALUES ($1, $2, $3)
			ON CONFLICT (repo_id, tag) DO UPDATE SET manifest_digest = EXCLUDED.manifest_digest, updated_at = NOW()`,
			dockerRepoID, tag, digest); err != nil {
			return internal(err, "failed to tag manifest %s as %q", digest, tag)
		}
		return nil
	})
}

// ManifestByReference resolves a tag or digest reference to the stored raw
// manifest bytes.
func (s *Store) ManifestByReference(ctx context.Context, dockerRepoID uuid.UUID, reference string) (digest string, raw []byte, err error) {
	var row struct {
		Digest string `db:"digest"`
		Raw    []byte `db:"raw"`
	}
	if strings.HasPrefix(reference, "sha256:") {
		err = s.db.GetContext(ctx, &row, `
			SELECT digest, raw FROM docker_manifests WHERE repo_id = $1 AND digest = $2`,
			dockerRepoID, reference)
	} else {
		err = s.db.GetContext(ctx, &row, `
			SELECT m.digest, m.raw
			FROM docker_tags t JOIN docker_manifests m ON t.manifest_digest = m.digest
			WHERE t.repo_id = $1 AND t.tag = $2`, dockerRepoID, reference)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, api.NewError(api.KindNotFound, "manifest %q not found", reference)
	}
	if err != nil {
		return "", nil, internal(err, "failed to resolve manifest %q", reference)
	}
	return row.Digest, row.Raw, nil
}

// ManifestRaw loads manifest bytes by digest alone; digests are globally
// unique across registry repositories.
func (s *Store) ManifestRaw(ctx context.Context, digest string) ([]byte, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw, `SELECT raw FROM docker_manifests WHERE digest = $1`, digest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.NewError(api.KindNotFound, "manifest %s not found", digest)
	}
	if err != nil {
		return nil, internal(err, "failed to load manifest %s", digest)
	}
	return raw, nil
}

// CreateUpload opens a resumable upload session for a registry name.
func (s *Store) CreateUpload(ctx context.Context, registryName string) (uuid.UUID, error) {
	id := uuid.New()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO docker_uploads (uuid, repo_name) VALUES ($1, $2)`, id, registryName); err != nil {
		return uuid.Nil, internal(err, "failed to create upload session")
	}
	return id, nil
}

// DeleteUpload closes an upload session. Unknown sessions are not an error;
// completion is idempotent.
func (s *Store) DeleteUpload(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM docker_uploads WHERE uuid = $1`, id); err != nil {
		return internal(err, "failed to delete upload session %s", id)
	}
	return nil
}

// TaggedImage is one tag of a registry repository with its manifest digest.
type TaggedImage struct {
	Name      string    `db:"name" json:"name"`
	Tag       string    `db:"tag" json:"tag"`
	Digest    string    `db:"manifest_digest" json:"digest"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ListImages returns every tagged image anchored to the Plectr repository
// name, newest tags first.
func (s *Store) ListImages(ctx context.Context, repoName string) ([]TaggedImage, error) {
	var images []TaggedImage
	err := s.db.SelectContext(ctx, &images, `
		SELECT dr.name, t.tag, t.manifest_digest, t.updated_at
		FROM docker_repositories dr
		JOIN docker_tags t ON dr.id = t.repo_id
		WHERE dr.name = $1 OR dr.name LIKE $1 || '/%'
		ORDER BY t.updated_at DESC`, repoName)
	if err != nil {
		return nil, internal(err, "failed to list images for %q", repoName)
	}
	return images, nil
}
