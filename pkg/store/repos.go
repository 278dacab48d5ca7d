package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/plectr/plectr/pkg/api"
	"github.com/plectr/plectr/pkg/auth"
)

// RepoSummary is one row of the repository listing, annotated with the
// presentation-only primary-language label.
type RepoSummary struct {
	ID          uuid.UUID      `db:"id" json:"id"`
	Name        string         `db:"name" json:"name"`
	Description sql.NullString `db:"description" json:"-"`
	IsPublic    bool           `db:"is_public" json:"is_public"`
	LastUpdated time.Time      `db:"last_updated" json:"last_updated"`
	Extension   sql.NullString `db:"primary_extension" json:"-"`
	Language    string         `json:"language"`
}

// LanguageForExtension maps the modal file extension of a repository to its
// display label. Unknown or missing extensions read as "Empty".
func LanguageForExtension(ext string) string {
	switch ext {
	case "rs":
		return "Rust"
	case "go":
		return "Go"
	case "py":
		return "Python"
	case "ts", "tsx":
		return "TypeScript"
	case "js":
		return "JavaScript"
	case "csv", "parquet":
		return "Data"
	case "safetensors":
		return "AI Model"
	default:
		return "Empty"
	}
}

// CreateRepository inserts the repo and grants the creator admin membership.
// The caller's user row is upserted first so fresh identities work on their
// first write.
func (s *Store) CreateRepository(ctx context.Context, creator *auth.Identity, name string, description *string, isPublic bool) (uuid.UUID, error) {
	var repoID uuid.UUID
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO users (id, username, email) VALUES ($1, $2, $3)
			 ON CONFLICT (id) DO UPDATE SET last_seen_at = NOW()`,
			creator.ID, creator.Username, creator.Email); err != nil {
			return internal(err, "failed to upsert user")
		}
		row := tx.QueryRowxContext(ctx,
			`INSERT INTO repositories (name, description, is_public) VALUES ($1, $2, $3) RETURNING id`,
			name, description, isPublic)
		if err := row.Scan(&repoID); err != nil {
			if isUniqueViolation(err) {
				return api.NewError(api.KindConflict, "repository %q already exists", name)
			}
			return internal(err, "failed to insert repository")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO repository_members (repo_id, user_id, role) VALUES ($1, $2, 'admin')`,
			repoID, creator.ID); err != nil {
			return internal(err, "failed to grant admin membership")
		}
		return nil
	})
	return repoID, err
}

// ListVisible returns all public repositories plus those the caller is a
// member of, most recently updated first.
func (s *Store) ListVisible(ctx context.Context, userID *uuid.UUID) ([]RepoSummary, error) {
	var rows []RepoSummary
	err := s.db.SelectContext(ctx, &rows, `
		SELECT
			r.id, r.name, r.description, r.is_public,
			COALESCE(MAX(c.created_at), r.created_at) AS last_updated,
			(
				SELECT split_part(cf.file_path, '.', 2)
				FROM commit_files cf
				JOIN commits c2 ON cf.commit_id = c2.id
				WHERE c2.repo_id = r.id
				GROUP BY 1 ORDER BY COUNT(*) DESC LIMIT 1
			) AS primary_extension
		FROM repositories r
		LEFT JOIN commits c ON r.id = c.repo_id
		LEFT JOIN repository_members rm ON r.id = rm.repo_id AND rm.user_id = $1
		WHERE r.is_public = TRUE OR rm.user_id IS NOT NULL
		GROUP BY r.id, r.name, r.description, r.is_public, r.created_at
		ORDER BY last_updated DESC`, userID)
	if err != nil {
		return nil, internal(err, "failed to list repositories")
	}
	for i := range rows {
		rows[i].Language = LanguageForExtension(rows[i].Extension.String)
	}
	return rows, nil
}

// Access resolves the capability row for (userID, repo name). userID may be
// nil for anonymous callers.
func (s *Store) Access(ctx context.Context, repoName string, userID *uuid.UUID) (auth.Access, error) {
	var row struct {
		ID         uuid.UUID      `db:"id"`
		IsPublic   bool           `db:"is_public"`
		MemberRole sql.NullString `db:"member_role"`
		OrgRole    sql.NullString `db:"org_role"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT r.id, r.is_public, rm.role AS member_role, om.role AS org_role
		FROM repositories r
		LEFT JOIN repository_members rm ON r.id = rm.repo_id AND rm.user_id = $2
		LEFT JOIN organization_members om ON r.org_id = om.org_id AND om.user_id = $2
		WHERE r.name = $1`, repoName, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Access{}, api.NewError(api.KindNotFound, "repository %q not found", repoName)
	}
	if err != nil {
		return auth.Access{}, internal(err, "failed to resolve access for %q", repoName)
	}
	return auth.Access{
		RepoID:     row.ID,
		IsPublic:   row.IsPublic,
		MemberRole: row.MemberRole.String,
		OrgRole:    row.OrgRole.String,
	}, nil
}

// RepoName returns the name for a repo id.
func (s *Store) RepoName(ctx context.Context, repoID uuid.UUID) (string, error) {
	var name string
	err := s.db.GetContext(ctx, &name, `SELECT name FROM repositories WHERE id = $1`, repoID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", api.NewError(api.KindNotFound, "repository %s not found", repoID)
	}
	if err != nil {
		return "", internal(err, "failed to look up repository %s", repoID)
	}
	return name, nil
}

// RepoNameTaken reports whether a repository with that name exists.
func (s *Store) RepoNameTaken(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.GetContext(ctx, &one, `SELECT 1 FROM repositories WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, internal(err, "failed to check repository name")
	}
	return true, nil
}

// UpdateRepository patches description and/or visibility.
func (s *Store) UpdateRepository(ctx context.Context, name string, isPublic *bool, description *string) error {
	var id uuid.UUID
	err := s.db.GetContext(ctx, &id, `
		UPDATE repositories
		SET is_public = COALESCE($1, is_public), description = COALESCE($2, description)
		WHERE name = $3 RETURNING id`, isPublic, description, name)
	if errors.Is(err, sql.ErrNoRows) {
		return api.NewError(api.KindNotFound, "repository %q not found", name)
	}
	if err != nil {
		return internal(err, "failed to update repository %q", name)
	}
	return nil
}

// DeleteRepository removes the repo; commits and memberships cascade.
func (s *Store) DeleteRepository(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM repositories WHERE name = $1`, name)
	if err != nil {
		return internal(err, "failed to delete repository %q", name)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return api.NewError(api.KindNotFound, "repository %q not found", name)
	}
	return nil
}

// Member is one repository membership with display info.
type Member struct {
	Username string         `db:"username" json:"username"`
	Email    string         `db:"email" json:"email"`
	Role     string         `db:"role" json:"role"`
	Avatar   sql.NullString `db:"avatar_url" json:"-"`
}

// ListMembers returns the repo's members, admins first.
func (s *Store) ListMembers(ctx context.Context, repoID uuid.UUID) ([]Member, error) {
	var members []Member
	err := s.db.SelectContext(ctx, &members, `
		SELECT u.username, u.email, rm.role, u.avatar_url
		FROM repository_members rm
		JOIN users u ON rm.user_id = u.id
		WHERE rm.repo_id = $1
		ORDER BY rm.role DESC, u.username ASC`, repoID)
	if err != nil {
		return nil, internal(err, "failed to list members")
	}
	return members, nil
}

// AddMember grants role to the user registered under email; re-adding a
// member updates the role in place.
func (s *Store) AddMember(ctx context.Context, repoID uuid.UUID, email, role string) error {
	var userID uuid.UUID
	err := s.db.GetContext(ctx, &userID, `SELECT id FROM users WHERE email = $1`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return api.NewError(api.KindNotFound, "user %q not found (must log in once)", email)
	}
	if err != nil {
		return internal(err, "failed to look up user %q", email)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO repository_members (repo_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (repo_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		repoID, userID, role); err != nil {
		return internal(err, "failed to add member")
	}
	return nil
}
