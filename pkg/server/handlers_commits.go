package server

import (
	"context"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/plectr/plectr/pkg/api"
	"github.com/plectr/plectr/pkg/diffutil"
	"github.com/plectr/plectr/pkg/store"
)

func (s *Server) createCommit(l *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	identity, err := callerIdentity(r)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	if _, _, err := s.requireRole(r, p.ByName("name"), identity, api.RoleWrite); err != nil {
		writeErr(l, w, err)
		return
	}
	var body struct {
		Message        string            `json:"message"`
		AuthorName     string            `json:"author_name"`
		AuthorEmail    string            `json:"author_email"`
		ParentCommitID string            `json:"parent_commit_id"`
		Files          []store.FileEntry `json:"files"`
	}
	if err := readJSON(r, &body); err != nil {
		writeErr(l, w, err)
		return
	}
	if body.Message == "" || len(body.Files) == 0 {
		writeErr(l, w, api.NewError(api.KindBadRequest, "message and files are required"))
		return
	}
	result, err := s.store.CreateCommit(r.Context(), store.CreateCommitRequest{
		RepoName:    p.ByName("name"),
		Message:     body.Message,
		AuthorName:  body.AuthorName,
		AuthorEmail: body.AuthorEmail,
		ParentID:    body.ParentCommitID,
		Files:       body.Files,
	})
	if err != nil {
		writeErr(l, w, err)
		return
	}
	l.WithField("commit", result.CommitID).WithField("divergent", result.IsDivergent).Info("Commit created.")

	// Pipeline trigger and mirror sync detach from the request; a slow or
	// broken fan-out must never delay the commit response.
	go func() {
		ctx := context.Background()
		if _, err := s.runners.TriggerPipeline(ctx, result.RepoID, result.CommitID); err != nil {
			l.WithError(err).Warn("Pipeline trigger failed.")
		}
	}()
	if s.mirrors != nil {
		go s.mirrors.SyncAfterCommit(context.Background(), result.RepoID)
	}

	writeJSON(l, w, http.StatusCreated, map[string]interface{}{
		"commit_id":    result.CommitID,
		"is_divergent": result.IsDivergent,
	})
}

func (s *Server) listCommits(l *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	identity := optionalIdentity(r)
	if _, _, err := s.requireRole(r, p.ByName("name"), identity, api.RoleRead); err != nil {
		writeErr(l, w, err)
		return
	}
	commits, err := s.store.ListCommits(r.Context(), p.ByName("name"))
	if err != nil {
		writeErr(l, w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(commits))
	for _, commit := range commits {
		out = append(out, map[string]interface{}{
			"id":           commit.ID,
			"message":      commit.Message,
			"author":       commit.AuthorName,
			"email":        commit.AuthorEmail,
			"is_divergent": commit.IsDivergent,
			"date":         commit.CreatedAt,
			"file_count":   commit.FileCount,
		})
	}
	writeJSON(l, w, http.StatusOK, out)
}

// fileClass buckets a path for tree rendering.
func fileClass(filePath string) string {
	switch strings.TrimPrefix(path.Ext(filePath), ".") {
	case "safetensors", "gguf", "onnx", "pt", "pth":
		return "ai"
	case "csv", "parquet", "json", "jsonl", "arrow":
		return "data"
	default:
		return "code"
	}
}

func (s *Server) tree(l *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	identity := optionalIdentity(r)
	if _, _, err := s.requireRole(r, p.ByName("name"), identity, api.RoleRead); err != nil {
		writeErr(l, w, err)
		return
	}
	commitID, err := uuid.Parse(p.ByName("commit"))
	if err != nil {
		writeErr(l, w, api.NewError(api.KindBadRequest, "malformed commit id"))
		return
	}
	entries, err := s.store.Tree(r.Context(), commitID)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		out = append(out, map[string]interface{}{
			"path": entry.Path,
			"hash": entry.Hash,
			"size": entry.Size,
			"type": fileClass(entry.Path),
		})
	}
	writeJSON(l, w, http.StatusOK, out)
}

func (s *Server) fileContent(l *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	identity := optionalIdentity(r)
	if _, _, err := s.requireRole(r, p.ByName("name"), identity, api.RoleRead); err != nil {
		writeErr(l, w, err)
		return
	}
	commitID, err := uuid.Parse(p.ByName("commit"))
	if err != nil {
		writeErr(l, w, api.NewError(api.KindBadRequest, "malformed commit id"))
		return
	}
	filePath := strings.TrimPrefix(p.ByName("path"), "/")
	hash, mimeType, err := s.store.FileBlob(r.Context(), commitID, filePath)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	data, err := s.blobs.Get(r.Context(), hash)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	w.Header().Set("Content-Type", mimeType)
	if _, err := w.Write(data); err != nil {
		l.WithError(err).Warn("Failed to write file response.")
	}
}

func (s *Server) fileMetadata(l *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	identity := optionalIdentity(r)
	if _, _, err := s.requireRole(r, p.ByName("name"), identity, api.RoleRead); err != nil {
		writeErr(l, w, err)
		return
	}
	commitID, err := uuid.Parse(p.ByName("commit"))
	if err != nil {
		writeErr(l, w, api.NewError(api.KindBadRequest, "malformed commit id"))
		return
	}
	filePath := strings.TrimPrefix(p.ByName("path"), "/")
	blob, err := s.store.FileMetadata(r.Context(), commitID, filePath)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	writeJSON(l, w, http.StatusOK, map[string]interface{}{
		"hash":      blob.Hash,
		"size":      blob.Size,
		"mime_type": blob.MimeType.String,
		"metadata":  blob.Metadata,
	})
}

func (s *Server) merge(l *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	identity, err := callerIdentity(r)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	if _, _, err := s.requireRole(r, p.ByName("name"), identity, api.RoleWrite); err != nil {
		writeErr(l, w, err)
		return
	}
	var body struct {
		DivergentCommitID string            `json:"divergent_commit_id"`
		RemoteCommitID    string            `json:"remote_commit_id"`
		Decisions         map[string]string `json:"decisions"`
	}
	if err := readJSON(r, &body); err != nil {
		writeErr(l, w, err)
		return
	}
	localID, err := uuid.Parse(body.DivergentCommitID)
	if err != nil {
		writeErr(l, w, api.NewError(api.KindBadRequest, "malformed divergent_commit_id"))
		return
	}
	remoteID, err := uuid.Parse(body.RemoteCommitID)
	if err != nil {
		writeErr(l, w, api.NewError(api.KindBadRequest, "malformed remote_commit_id"))
		return
	}
	mergeID, err := s.store.Merge(r.Context(), p.ByName("name"), localID, remoteID, body.Decisions)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	l.WithField("merge-commit", mergeID).Info("Divergence merged.")
	writeJSON(l, w, http.StatusCreated, map[string]string{"commit_id": mergeID.String()})
}

func (s *Server) compare(l *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	identity := optionalIdentity(r)
	if _, _, err := s.requireRole(r, p.ByName("name"), identity, api.RoleRead); err != nil {
		writeErr(l, w, err)
		return
	}
	var body struct {
		LocalHash  string `json:"local_hash"`
		RemoteHash string `json:"remote_hash"`
	}
	if err := readJSON(r, &body); err != nil {
		writeErr(l, w, err)
		return
	}
	local, err := s.blobs.Get(r.Context(), body.LocalHash)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	remote, err := s.blobs.Get(r.Context(), body.RemoteHash)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	writeJSON(l, w, http.StatusOK, diffutil.TextDiff(string(remote), string(local)))
}

func (s *Server) upload(l *logrus.Entry, w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if _, err := callerIdentity(r); err != nil {
		writeErr(l, w, err)
		return
	}
	reader, err := r.MultipartReader()
	if err != nil {
		writeErr(l, w, api.WrapError(api.KindBadRequest, err, "expected multipart body"))
		return
	}
	var blobs []map[string]interface{}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeErr(l, w, api.WrapError(api.KindBadRequest, err, "failed to read multipart body"))
			return
		}
		name := part.FileName()
		if name == "" {
			name = part.FormName()
		}
		result, err := s.ingester.Part(r.Context(), part, name)
		if err != nil {
			writeErr(l, w, err)
			return
		}
		blobs = append(blobs, map[string]interface{}{
			"path":      result.Path,
			"hash":      result.Hash,
			"size":      result.Size,
			"mime_type": part.Header.Get("Content-Type"),
			"existed":   result.Existed,
		})
	}
	writeJSON(l, w, http.StatusOK, map[string]interface{}{"blobs": blobs})
}
