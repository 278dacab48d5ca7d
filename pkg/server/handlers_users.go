package server

import (
	"fmt"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
)

func (s *Server) banner(_ *logrus.Entry, w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "Plectr Core is running.")
}

// me upserts the caller's user row and returns their profile. The upsert is
// what makes a fresh identity addressable by email for memberships.
func (s *Server) me(l *logrus.Entry, w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	identity, err := callerIdentity(r)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	if err := s.store.UpsertUser(r.Context(), identity); err != nil {
		writeErr(l, w, err)
		return
	}
	profile, err := s.store.ProfileByID(r.Context(), identity.ID)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	writeJSON(l, w, http.StatusOK, profile)
}

func (s *Server) updateMe(l *logrus.Entry, w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	identity, err := callerIdentity(r)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	var body struct {
		Username  *string `json:"username"`
		AvatarURL *string `json:"avatar_url"`
	}
	if err := readJSON(r, &body); err != nil {
		writeErr(l, w, err)
		return
	}
	if err := s.store.UpdateProfile(r.Context(), identity.ID, body.Username, body.AvatarURL); err != nil {
		writeErr(l, w, err)
		return
	}
	profile, err := s.store.ProfileByID(r.Context(), identity.ID)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	writeJSON(l, w, http.StatusOK, profile)
}

func (s *Server) checkRepoName(l *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	taken, err := s.store.RepoNameTaken(r.Context(), p.ByName("name"))
	if err != nil {
		writeErr(l, w, err)
		return
	}
	writeJSON(l, w, http.StatusOK, map[string]bool{"available": !taken})
}

func (s *Server) checkUsername(l *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	identity, err := callerIdentity(r)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	taken, err := s.store.UsernameTaken(r.Context(), p.ByName("name"), identity.ID)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	writeJSON(l, w, http.StatusOK, map[string]bool{"available": !taken})
}
