// Package api holds the domain model shared by every Plectr Core subsystem:
// repositories and their commit graph, content-addressed blobs, the container
// registry entities, CI pipelines and runners, and mirror configurations.
package api

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role is a caller's capability on a repository, resolved from membership,
// organization ownership and visibility. Roles are ordered; comparisons use
// the numeric value.
type Role int

const (
	RoleNone Role = iota
	RoleRead
	RoleWrite
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleWrite:
		return "editor"
	case RoleRead:
		return "viewer"
	default:
		return "none"
	}
}

// Repository is a named, versioned file tree.
type Repository struct {
	ID          uuid.UUID      `db:"id"`
	Name        string         `db:"name"`
	Description sql.NullString `db:"description"`
	IsPublic    bool           `db:"is_public"`
	CreatedAt   time.Time      `db:"created_at"`
}

// Commit is an immutable snapshot of a repository tree with at most one
// parent. IsDivergent records that the declared parent was not the head at
// insert time; it is cleared only by a merge.
type Commit struct {
	ID          uuid.UUID     `db:"id"`
	RepoID      uuid.UUID     `db:"repo_id"`
	Message     string        `db:"message"`
	AuthorName  string        `db:"author_name"`
	AuthorEmail string        `db:"author_email"`
	TreeHash    string        `db:"tree_hash"`
	ParentID    uuid.NullUUID `db:"parent_id"`
	IsDivergent bool          `db:"is_divergent"`
	CreatedAt   time.Time     `db:"created_at"`
}

// CommitFile is one (path, blob) entry of a commit's tree. Paths are unique
// within a commit.
type CommitFile struct {
	CommitID uuid.UUID `db:"commit_id"`
	Path     string    `db:"file_path"`
	BlobHash string    `db:"blob_hash"`
}

// Blob is content-addressed bytes. Hash is the BLAKE3 hex of the content and
// doubles as the object-store key; SHA256 is populated lazily when the
// registry uploads the same bytes.
type Blob struct {
	Hash        string          `db:"hash"`
	SHA256      sql.NullString  `db:"sha256"`
	Size        int64           `db:"size"`
	MimeType    sql.NullString  `db:"mime_type"`
	StoragePath string          `db:"storage_path"`
	Metadata    json.RawMessage `db:"metadata"`
}

// User rows are created on first authenticated contact; identity is asserted
// by the upstream gateway.
type User struct {
	ID            uuid.UUID `db:"id"`
	Username      string    `db:"username"`
	Email         string    `db:"email"`
	IsSystemAdmin bool      `db:"is_system_admin"`
}

// Status is the lifecycle state shared by pipelines and jobs.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Pipeline aggregates the jobs triggered by one commit's plectr.yaml.
type Pipeline struct {
	ID         uuid.UUID    `db:"id"`
	RepoID     uuid.UUID    `db:"repo_id"`
	CommitID   uuid.UUID    `db:"commit_id"`
	Status     Status       `db:"status"`
	CreatedAt  time.Time    `db:"created_at"`
	FinishedAt sql.NullTime `db:"finished_at"`
}

// Job is one containerized unit of work dispatched to a runner.
type Job struct {
	ID         uuid.UUID       `db:"id"`
	PipelineID uuid.UUID       `db:"pipeline_id"`
	Name       string          `db:"name"`
	Stage      string          `db:"stage"`
	Image      string          `db:"image"`
	Script     json.RawMessage `db:"script"`
	Status     Status          `db:"status"`
	RunnerID   uuid.NullUUID   `db:"runner_id"`
	StartedAt  sql.NullTime    `db:"started_at"`
	FinishedAt sql.NullTime    `db:"finished_at"`
	ExitCode   sql.NullInt32   `db:"exit_code"`
	Logs       sql.NullString  `db:"logs"`
}

// JobArtifact is a file a runner uploaded for a finished job; the bytes live
// in the blob store.
type JobArtifact struct {
	ID        uuid.UUID      `db:"id"`
	JobID     uuid.UUID      `db:"job_id"`
	Name      string         `db:"name"`
	BlobHash  string         `db:"blob_hash"`
	Size      int64          `db:"size"`
	MimeType  sql.NullString `db:"mime_type"`
	CreatedAt time.Time      `db:"created_at"`
}

// Runner is the durable record of a CI worker. Liveness is derived from the
// heartbeat, not stored: online iff last_heartbeat_at is under 30s old.
type Runner struct {
	ID              uuid.UUID      `db:"id"`
	Name            string         `db:"name"`
	Token           string         `db:"token"`
	Platform        sql.NullString `db:"platform"`
	Hostname        sql.NullString `db:"hostname"`
	Version         sql.NullString `db:"version"`
	IsActive        bool           `db:"is_active"`
	LastHeartbeatAt sql.NullTime   `db:"last_heartbeat_at"`
}

// RunnerOnlineWindow bounds how stale a heartbeat may be for a runner to
// still count as online.
const RunnerOnlineWindow = 30 * time.Second

// MirrorConfig holds one repository's replication target. The access token is
// stored AES-GCM encrypted next to its nonce.
type MirrorConfig struct {
	RepoID         uuid.UUID      `db:"repo_id"`
	RemoteURL      string         `db:"remote_url"`
	EncryptedToken string         `db:"encrypted_token"`
	IV             string         `db:"iv"`
	IsEnabled      bool           `db:"is_enabled"`
	LastSyncAt     sql.NullTime   `db:"last_sync_at"`
	LastStatus     string         `db:"last_status"`
	LastError      sql.NullString `db:"last_error"`
}

// DockerRepository is a registry-side name; it may contain one slash
// (namespace/image) and is always anchored to the Plectr repository named by
// its leading segment.
type DockerRepository struct {
	ID   uuid.UUID `db:"id"`
	Name string    `db:"name"`
}

// DockerManifest is an immutable manifest keyed by its sha256 digest. Raw
// preserves the bytes exactly as pushed so later GETs round-trip the digest.
type DockerManifest struct {
	Digest  string          `db:"digest"`
	RepoID  uuid.UUID       `db:"repo_id"`
	Content json.RawMessage `db:"content"`
	Raw     []byte          `db:"raw"`
}

// DockerTag points a (repo, tag) pair at a manifest digest; re-push moves the
// pointer in place.
type DockerTag struct {
	RepoID         uuid.UUID `db:"repo_id"`
	Tag            string    `db:"tag"`
	ManifestDigest string    `db:"manifest_digest"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// DockerUpload is an ephemeral resumable-upload session.
type DockerUpload struct {
	UUID     uuid.UUID `db:"uuid"`
	RepoName string    `db:"repo_name"`
}

// LayerMediaType is recorded on blobs that arrive through registry uploads.
const LayerMediaType = "application/vnd.docker.image.rootfs.diff.tar.gzip"

// ManifestMediaType is the content type served for manifests.
const ManifestMediaType = "application/vnd.docker.distribution.manifest.v2+json"
