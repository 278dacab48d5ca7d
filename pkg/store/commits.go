package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/plectr/plectr/pkg/api"
)

// FileEntry is one (path, blob) pair of a commit request.
type FileEntry struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
}

// CreateCommitRequest carries everything needed to append a commit.
type CreateCommitRequest struct {
	RepoName    string
	Message     string
	AuthorName  string
	AuthorEmail string
	// ParentID is the head the client based its tree on; empty or unknown
	// ids are treated as "no parent declared".
	ParentID string
	Files    []FileEntry
}

// CreateCommitResult reports the inserted commit.
type CreateCommitResult struct {
	CommitID    uuid.UUID
	RepoID      uuid.UUID
	IsDivergent bool
}

// CreateCommit appends a commit transactionally. Divergence is computed
// against a head snapshot taken inside the same transaction: a commit whose
// declared parent is not the current head forks off a non-tip and is marked
// divergent; the first commit of an empty repository never is.
func (s *Store) CreateCommit(ctx context.Context, req CreateCommitRequest) (CreateCommitResult, error) {
	var result CreateCommitResult
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var repoID uuid.UUID
		err := tx.GetContext(ctx, &repoID, `SELECT id FROM repositories WHERE name = $1`, req.RepoName)
		if errors.Is(err, sql.ErrNoRows) {
			return api.NewError(api.KindNotFound, "repository %q not found", req.RepoName)
		}
		if err != nil {
			return internal(err, "failed to look up repository")
		}

		var head uuid.UUID
		hasHead := true
		err = tx.GetContext(ctx, &head, `SELECT id FROM commits WHERE repo_id = $1 ORDER BY created_at DESC LIMIT 1`, repoID)
		if errors.Is(err, sql.ErrNoRows) {
			hasHead = false
		} else if err != nil {
			return internal(err, "failed to read head")
		}

		var parent uuid.NullUUID
		if parsed, err := uuid.Parse(req.ParentID); err == nil {
			var one int
			err := tx.GetContext(ctx, &one, `SELECT 1 FROM commits WHERE id = $1`, parsed)
			if err == nil {
				parent = uuid.NullUUID{UUID: parsed, Valid: true}
			} else if !errors.Is(err, sql.ErrNoRows) {
				return internal(err, "failed to validate parent commit")
			}
		}

		isDivergent := hasHead && (!parent.Valid || parent.UUID != head)

		var commitID uuid.UUID
		row := tx.QueryRowxContext(ctx, `
			INSERT INTO commits (repo_id, message, author_name, author_email, tree_hash, parent_id, is_divergent)
			VALUES ($1, $2, $3, $4, 'root', $5, $6) RETURNING id`,
			repoID, req.Message, req.AuthorName, req.AuthorEmail, parent, isDivergent)
		if err := row.Scan(&commitID); err != nil {
			return internal(err, "failed to insert commit")
		}
		for _, file := range req.Files {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO commit_files (commit_id, file_path, blob_hash) VALUES ($1, $2, $3)`,
				commitID, file.Path, file.Hash); err != nil {
				return internal(err, "failed to insert commit file %q", file.Path)
			}
		}
		result = CreateCommitResult{CommitID: commitID, RepoID: repoID, IsDivergent: isDivergent}
		return nil
	})
	return result, err
}

// HeadCommit is the most recent non-divergent commit of a repo.
type HeadCommit struct {
	ID        uuid.UUID `db:"id"`
	Message   string    `db:"message"`
	CreatedAt time.Time `db:"created_at"`
}

// Head returns the repository head, or nil when the repository is empty.
func (s *Store) Head(ctx context.Context, repoID uuid.UUID) (*HeadCommit, error) {
	var head HeadCommit
	err := s.db.GetContext(ctx, &head, `
		SELECT c.id, c.message, c.created_at
		FROM commits c
		WHERE c.repo_id = $1 AND c.is_divergent = FALSE
		ORDER BY c.created_at DESC LIMIT 1`, repoID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, internal(err, "failed to read head")
	}
	return &head, nil
}

// CommitSummary is one row of the commit log.
type CommitSummary struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Message     string    `db:"message" json:"message"`
	AuthorName  string    `db:"author_name" json:"author"`
	AuthorEmail string    `db:"author_email" json:"email"`
	IsDivergent bool      `db:"is_divergent" json:"is_divergent"`
	CreatedAt   time.Time `db:"created_at" json:"date"`
	FileCount   int64     `db:"file_count" json:"-"`
}

// ListCommits returns the repo's commit log, newest first.
func (s *Store) ListCommits(ctx context.Context, repoName string) ([]CommitSummary, error) {
	var commits []CommitSummary
	err := s.db.SelectContext(ctx, &commits, `
		SELECT c.id, c.message, c.author_name, c.author_email, c.is_divergent, c.created_at,
			(SELECT COUNT(*) FROM commit_files cf WHERE cf.commit_id = c.id) AS file_count
		FROM commits c
		JOIN repositories r ON c.repo_id = r.id
		WHERE r.name = $1
		ORDER BY c.created_at DESC`, repoName)
	if err != nil {
		return nil, internal(err, "failed to list commits")
	}
	return commits, nil
}

// TreeEntry is one file of a commit's tree joined with its blob row.
type TreeEntry struct {
	Path     string         `db:"file_path"`
	Hash     string         `db:"hash"`
	Size     int64          `db:"size"`
	MimeType sql.NullString `db:"mime_type"`
}

// Tree lists a commit's files, ordered by path. Each path appears exactly
// once (enforced by the commit_files primary key).
func (s *Store) Tree(ctx context.Context, commitID uuid.UUID) ([]TreeEntry, error) {
	var entries []TreeEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT cf.file_path, b.hash, b.size, b.mime_type
		FROM commit_files cf JOIN blobs b ON cf.blob_hash = b.hash
		WHERE cf.commit_id = $1 ORDER BY cf.file_path ASC`, commitID)
	if err != nil {
		return nil, internal(err, "failed to list commit files")
	}
	return entries, nil
}

// FileBlob resolves (commit, path) to the blob's hash and declared type.
func (s *Store) FileBlob(ctx context.Context, commitID uuid.UUID, path string) (hash string, mimeType string, err error) {
	var row struct {
		Hash     string         `db:"hash"`
		MimeType sql.NullString `db:"mime_type"`
	}
	err = s.db.GetContext(ctx, &row, `
		SELECT b.hash, b.mime_type
		FROM commit_files cf JOIN blobs b ON cf.blob_hash = b.hash
		WHERE cf.commit_id = $1 AND cf.file_path = $2`, commitID, path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", api.NewError(api.KindNotFound, "file %q not found in commit", path)
	}
	if err != nil {
		return "", "", internal(err, "failed to resolve file %q", path)
	}
	mime := row.MimeType.String
	if mime == "" {
		mime = "application/octet-stream"
	}
	return row.Hash, mime, nil
}

// FileMetadata returns size, mime and stored structured metadata for a file.
func (s *Store) FileMetadata(ctx context.Context, commitID uuid.UUID, path string) (*api.Blob, error) {
	var blob api.Blob
	err := s.db.GetContext(ctx, &blob, `
		SELECT b.hash, b.sha256, b.size, b.mime_type, b.storage_path, b.metadata
		FROM commit_files cf JOIN blobs b ON cf.blob_hash = b.hash
		WHERE cf.commit_id = $1 AND cf.file_path = $2`, commitID, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.NewError(api.KindNotFound, "file %q not found in commit", path)
	}
	if err != nil {
		return nil, internal(err, "failed to read file metadata")
	}
	return &blob, nil
}

// MergedTree builds the merge result: the remote tree, plus local-only
// paths, with the caller's per-path decisions applied last (last write wins).
func MergedTree(remote, local []api.CommitFile, decisions map[string]string) map[string]string {
	tree := make(map[string]string, len(remote)+len(local))
	for _, f := range remote {
		tree[f.Path] = f.BlobHash
	}
	for _, f := range local {
		if _, taken := tree[f.Path]; !taken {
			tree[f.Path] = f.BlobHash
		}
	}
	for path, hash := range decisions {
		tree[path] = hash
	}
	return tree
}

// MergeAuthor signs the synthetic commit a merge produces.
const (
	MergeAuthorName  = "Plectr Merge System"
	MergeAuthorEmail = "merge@plectr.io"
)

// Merge reconciles a divergent local commit with the remote commit the user
// accepted. It inserts a non-divergent commit parented at the remote whose
// tree is MergedTree(remote, local, decisions), and clears the local commit's
// divergence flag, all in one transaction.
func (s *Store) Merge(ctx context.Context, repoName string, localID, remoteID uuid.UUID, decisions map[string]string) (uuid.UUID, error) {
	var mergeID uuid.UUID
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var repoID uuid.UUID
		err := tx.GetContext(ctx, &repoID, `SELECT id FROM repositories WHERE name = $1`, repoName)
		if errors.Is(err, sql.ErrNoRows) {
			return api.NewError(api.KindNotFound, "repository %q not found", repoName)
		}
		if err != nil {
			return internal(err, "failed to look up repository")
		}

		loadTree := func(commitID uuid.UUID) ([]api.CommitFile, error) {
			var files []api.CommitFile
			if err := tx.SelectContext(ctx, &files,
				`SELECT commit_id, file_path, blob_hash FROM commit_files WHERE commit_id = $1`, commitID); err != nil {
				return nil, internal(err, "failed to load tree of %s", commitID)
			}
			return files, nil
		}
		remoteFiles, err := loadTree(remoteID)
		if err != nil {
			return err
		}
		localFiles, err := loadTree(localID)
		if err != nil {
			return err
		}

		message := fmt.Sprintf("Merge resonance from local divergence (%s)", localID.String()[:8])
		row := tx.QueryRowxContext(ctx, `
			INSERT INTO commits (repo_id, message, author_name, author_email, tree_hash, parent_id, is_divergent)
			VALUES ($1, $2, $3, $4, 'merged', $5, FALSE) RETURNING id`,
			repoID, message, MergeAuthorName, MergeAuthorEmail, remoteID)
		if err := row.Scan(&mergeID); err != nil {
			return internal(err, "failed to insert merge commit")
		}

		for path, hash := range MergedTree(remoteFiles, localFiles, decisions) {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO commit_files (commit_id, file_path, blob_hash) VALUES ($1, $2, $3)`,
				mergeID, path, hash); err != nil {
				return internal(err, "failed to insert merged file %q", path)
			}
		}

		if _, err := tx.ExecContext(ctx, `UPDATE commits SET is_divergent = FALSE WHERE id = $1`, localID); err != nil {
			return internal(err, "failed to clear divergence flag")
		}
		return nil
	})
	return mergeID, err
}

// LatestCommit returns the newest commit of a repo regardless of divergence;
// the mirror worker replicates this one.
func (s *Store) LatestCommit(ctx context.Context, repoID uuid.UUID) (*api.Commit, error) {
	var commit api.Commit
	err := s.db.GetContext(ctx, &commit, `
		SELECT id, repo_id, message, author_name, author_email, tree_hash, parent_id, is_divergent, created_at
		FROM commits WHERE repo_id = $1 ORDER BY created_at DESC LIMIT 1`, repoID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.NewError(api.KindNotFound, "repository %s has no commits", repoID)
	}
	if err != nil {
		return nil, internal(err, "failed to read latest commit")
	}
	return &commit, nil
}
