package server

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/plectr/plectr/pkg/api"
	"github.com/plectr/plectr/pkg/auth"
)

func writeJSON(l *logrus.Entry, w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		l.WithError(err).Error("Failed to encode response body.")
	}
}

func writeErr(l *logrus.Entry, w http.ResponseWriter, err error) {
	status := api.HTTPStatus(err)
	if status >= 500 {
		l.WithError(err).Error("Request failed.")
	}
	writeJSON(l, w, status, map[string]string{"error": err.Error()})
}

func readJSON(r *http.Request, into interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return api.WrapError(api.KindBadRequest, err, "malformed request body")
	}
	return nil
}

// callerIdentity requires a valid bearer token.
func callerIdentity(r *http.Request) (*auth.Identity, error) {
	return auth.FromAuthorizationHeader(r.Header.Get("Authorization"))
}

// optionalIdentity tolerates anonymous callers.
func optionalIdentity(r *http.Request) *auth.Identity {
	return auth.Optional(r.Header.Get("Authorization"))
}

func identityID(identity *auth.Identity) *uuid.UUID {
	if identity == nil {
		return nil
	}
	return &identity.ID
}

// requireRole resolves the caller's role on a repo and enforces a floor.
// Private repositories stay invisible to outsiders: a caller with no role at
// all sees NotFound, not Forbidden.
func (s *Server) requireRole(r *http.Request, repoName string, identity *auth.Identity, want api.Role) (auth.Access, api.Role, error) {
	access, err := s.store.Access(r.Context(), repoName, identityID(identity))
	if err != nil {
		return auth.Access{}, api.RoleNone, err
	}
	role := auth.ResolveRole(access)
	if role == api.RoleNone {
		return auth.Access{}, api.RoleNone, api.NewError(api.KindNotFound, "repository %q not found", repoName)
	}
	if role < want {
		return auth.Access{}, api.RoleNone, api.NewError(api.KindForbidden, "insufficient access to %q", repoName)
	}
	return access, role, nil
}
