package server

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/plectr/plectr/pkg/api"
)

func (s *Server) createRepo(l *logrus.Entry, w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	identity, err := callerIdentity(r)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	var body struct {
		Name        string  `json:"name"`
		Description *string `json:"description"`
		IsPublic    bool    `json:"is_public"`
	}
	if err := readJSON(r, &body); err != nil {
		writeErr(l, w, err)
		return
	}
	if body.Name == "" {
		writeErr(l, w, api.NewError(api.KindBadRequest, "name is required"))
		return
	}
	repoID, err := s.store.CreateRepository(r.Context(), identity, body.Name, body.Description, body.IsPublic)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	l.WithField("repo", body.Name).Info("Repository created.")
	writeJSON(l, w, http.StatusCreated, map[string]string{"repo_id": repoID.String()})
}

func (s *Server) listRepos(l *logrus.Entry, w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	identity := optionalIdentity(r)
	repos, err := s.store.ListVisible(r.Context(), identityID(identity))
	if err != nil {
		writeErr(l, w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(repos))
	for _, repo := range repos {
		out = append(out, map[string]interface{}{
			"id":           repo.ID,
			"name":         repo.Name,
			"description":  repo.Description.String,
			"is_public":    repo.IsPublic,
			"last_updated": repo.LastUpdated,
			"language":     repo.Language,
		})
	}
	writeJSON(l, w, http.StatusOK, out)
}

func (s *Server) head(l *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	identity := optionalIdentity(r)
	access, role, err := s.requireRole(r, p.ByName("name"), identity, api.RoleRead)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	head, err := s.store.Head(r.Context(), access.RepoID)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	if head == nil {
		writeJSON(l, w, http.StatusOK, map[string]interface{}{
			"status":       "empty",
			"repo_id":      access.RepoID,
			"access_level": role.String(),
		})
		return
	}
	writeJSON(l, w, http.StatusOK, map[string]interface{}{
		"status":       "active",
		"repo_id":      access.RepoID,
		"commit_id":    head.ID,
		"message":      head.Message,
		"date":         head.CreatedAt,
		"access_level": role.String(),
	})
}

func (s *Server) updateRepo(l *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	identity, err := callerIdentity(r)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	if _, _, err := s.requireRole(r, p.ByName("name"), identity, api.RoleAdmin); err != nil {
		writeErr(l, w, err)
		return
	}
	var body struct {
		IsPublic    *bool   `json:"is_public"`
		Description *string `json:"description"`
	}
	if err := readJSON(r, &body); err != nil {
		writeErr(l, w, err)
		return
	}
	if err := s.store.UpdateRepository(r.Context(), p.ByName("name"), body.IsPublic, body.Description); err != nil {
		writeErr(l, w, err)
		return
	}
	writeJSON(l, w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) deleteRepo(l *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	identity, err := callerIdentity(r)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	if _, _, err := s.requireRole(r, p.ByName("name"), identity, api.RoleAdmin); err != nil {
		writeErr(l, w, err)
		return
	}
	if err := s.store.DeleteRepository(r.Context(), p.ByName("name")); err != nil {
		writeErr(l, w, err)
		return
	}
	l.WithField("repo", p.ByName("name")).Info("Repository deleted.")
	writeJSON(l, w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) listMembers(l *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	identity := optionalIdentity(r)
	access, _, err := s.requireRole(r, p.ByName("name"), identity, api.RoleRead)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	members, err := s.store.ListMembers(r.Context(), access.RepoID)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	writeJSON(l, w, http.StatusOK, members)
}

func (s *Server) addMember(l *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	identity, err := callerIdentity(r)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	access, _, err := s.requireRole(r, p.ByName("name"), identity, api.RoleAdmin)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	var body struct {
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if err := readJSON(r, &body); err != nil {
		writeErr(l, w, err)
		return
	}
	switch body.Role {
	case "viewer", "editor", "admin":
	default:
		writeErr(l, w, api.NewError(api.KindBadRequest, "role must be viewer, editor or admin"))
		return
	}
	if err := s.store.AddMember(r.Context(), access.RepoID, body.Email, body.Role); err != nil {
		writeErr(l, w, err)
		return
	}
	writeJSON(l, w, http.StatusCreated, map[string]string{"status": "added"})
}

func (s *Server) mirrorStatus(l *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	identity, err := callerIdentity(r)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	access, _, err := s.requireRole(r, p.ByName("name"), identity, api.RoleAdmin)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	status, err := s.store.MirrorStatusFor(r.Context(), access.RepoID)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	if status == nil {
		writeJSON(l, w, http.StatusOK, map[string]bool{"configured": false})
		return
	}
	writeJSON(l, w, http.StatusOK, map[string]interface{}{
		"configured":   true,
		"remote_url":   status.RemoteURL,
		"is_enabled":   status.IsEnabled,
		"last_sync_at": status.LastSyncAt.Time,
		"last_status":  status.LastStatus,
		"last_error":   status.LastError.String,
	})
}

func (s *Server) configureMirror(l *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	identity, err := callerIdentity(r)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	access, _, err := s.requireRole(r, p.ByName("name"), identity, api.RoleAdmin)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	if s.box == nil {
		writeErr(l, w, api.NewError(api.KindBadRequest, "mirroring is disabled: no encryption key configured"))
		return
	}
	var body struct {
		RemoteURL string `json:"remote_url"`
		Token     string `json:"token"`
	}
	if err := readJSON(r, &body); err != nil {
		writeErr(l, w, err)
		return
	}
	if body.RemoteURL == "" || body.Token == "" {
		writeErr(l, w, api.NewError(api.KindBadRequest, "remote_url and token are required"))
		return
	}
	ciphertext, nonce, err := s.box.Encrypt(body.Token)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	if err := s.store.UpsertMirror(r.Context(), access.RepoID, body.RemoteURL, ciphertext, nonce); err != nil {
		writeErr(l, w, err)
		return
	}
	l.WithField("repo", p.ByName("name")).Info("Mirror configured.")
	writeJSON(l, w, http.StatusOK, map[string]string{"status": "configured"})
}
