package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/plectr/plectr/pkg/api"
	"github.com/plectr/plectr/pkg/registry"
)

func (s *Server) listPipelines(l *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	identity := optionalIdentity(r)
	if _, _, err := s.requireRole(r, p.ByName("name"), identity, api.RoleRead); err != nil {
		writeErr(l, w, err)
		return
	}
	pipelines, err := s.store.ListPipelines(r.Context(), p.ByName("name"))
	if err != nil {
		writeErr(l, w, err)
		return
	}
	if len(pipelines) > 20 {
		pipelines = pipelines[:20]
	}
	writeJSON(l, w, http.StatusOK, pipelines)
}

func (s *Server) pipelineDetail(l *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	identity := optionalIdentity(r)
	if _, _, err := s.requireRole(r, p.ByName("name"), identity, api.RoleRead); err != nil {
		writeErr(l, w, err)
		return
	}
	pipelineID, err := uuid.Parse(p.ByName("id"))
	if err != nil {
		writeErr(l, w, api.NewError(api.KindBadRequest, "malformed pipeline id"))
		return
	}
	jobs, err := s.store.ListJobs(r.Context(), pipelineID)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(jobs))
	for _, job := range jobs {
		entry := map[string]interface{}{
			"id":     job.ID,
			"name":   job.Name,
			"stage":  job.Stage,
			"image":  job.Image,
			"status": job.Status,
			"logs":   job.Logs.String,
		}
		if job.ExitCode.Valid {
			entry["exit_code"] = job.ExitCode.Int32
		}
		if job.StartedAt.Valid && job.FinishedAt.Valid {
			entry["duration_seconds"] = job.FinishedAt.Time.Sub(job.StartedAt.Time).Seconds()
		}
		out = append(out, entry)
	}
	writeJSON(l, w, http.StatusOK, map[string]interface{}{"id": pipelineID, "jobs": out})
}

// uploadArtifact accepts a multipart artifact from a runner holding a system
// token for the job.
func (s *Server) uploadArtifact(l *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if _, err := callerIdentity(r); err != nil {
		writeErr(l, w, err)
		return
	}
	jobID, err := uuid.Parse(p.ByName("id"))
	if err != nil {
		writeErr(l, w, api.NewError(api.KindBadRequest, "malformed job id"))
		return
	}
	if _, err := s.store.Job(r.Context(), jobID); err != nil {
		writeErr(l, w, err)
		return
	}
	reader, err := r.MultipartReader()
	if err != nil {
		writeErr(l, w, api.WrapError(api.KindBadRequest, err, "expected multipart body"))
		return
	}
	var uploaded []map[string]interface{}
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
			continue
		}
		result, err := s.ingester.Part(r.Context(), part, name)
		if err != nil {
			writeErr(l, w, err)
			return
		}
		artifactID, err := s.store.AddJobArtifact(r.Context(), jobID, name, result.Hash, result.Size, part.Header.Get("Content-Type"))
		if err != nil {
			writeErr(l, w, err)
			return
		}
		uploaded = append(uploaded, map[string]interface{}{"id": artifactID, "name": name, "size": result.Size})
	}
	writeJSON(l, w, http.StatusCreated, map[string]interface{}{"artifacts": uploaded})
}

func (s *Server) listReleases(l *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	identity := optionalIdentity(r)
	if _, _, err := s.requireRole(r, p.ByName("name"), identity, api.RoleRead); err != nil {
		writeErr(l, w, err)
		return
	}
	releases, err := s.store.ListReleases(r.Context(), p.ByName("name"))
	if err != nil {
		writeErr(l, w, err)
		return
	}
	writeJSON(l, w, http.StatusOK, releases)
}

func (s *Server) downloadRelease(l *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	identity := optionalIdentity(r)
	if _, _, err := s.requireRole(r, p.ByName("name"), identity, api.RoleRead); err != nil {
		writeErr(l, w, err)
		return
	}
	artifactID, err := uuid.Parse(p.ByName("id"))
	if err != nil {
		writeErr(l, w, api.NewError(api.KindBadRequest, "malformed artifact id"))
		return
	}
	artifact, err := s.store.ReleaseArtifact(r.Context(), p.ByName("name"), artifactID)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	data, err := s.blobs.Get(r.Context(), artifact.BlobHash)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	mimeType := artifact.MimeType.String
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+artifact.Name+`"`)
	w.Header().Set("Content-Length", strconv.FormatInt(artifact.Size, 10))
	if _, err := w.Write(data); err != nil {
		l.WithError(err).Warn("Failed to write artifact response.")
	}
}

// requireSystemAdmin gates the instance-wide admin surface.
func (s *Server) requireSystemAdmin(r *http.Request) error {
	identity, err := callerIdentity(r)
	if err != nil {
		return err
	}
	isAdmin, err := s.store.IsSystemAdmin(r.Context(), identity.ID)
	if err != nil {
		return err
	}
	if !isAdmin {
		return api.NewError(api.KindForbidden, "system administrator access required")
	}
	return nil
}

func (s *Server) adminListRunners(l *logrus.Entry, w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.requireSystemAdmin(r); err != nil {
		writeErr(l, w, err)
		return
	}
	runners, err := s.store.ListRunners(r.Context())
	if err != nil {
		writeErr(l, w, err)
		return
	}
	writeJSON(l, w, http.StatusOK, runners)
}

func (s *Server) adminCreateRunner(l *logrus.Entry, w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.requireSystemAdmin(r); err != nil {
		writeErr(l, w, err)
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := readJSON(r, &body); err != nil {
		writeErr(l, w, err)
		return
	}
	if body.Name == "" {
		writeErr(l, w, api.NewError(api.KindBadRequest, "name is required"))
		return
	}
	id, token, err := s.store.CreateRunner(r.Context(), body.Name)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	l.WithField("runner", body.Name).Info("Runner registered.")
	writeJSON(l, w, http.StatusCreated, map[string]string{"id": id.String(), "token": token})
}

func (s *Server) adminDeleteRunner(l *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if err := s.requireSystemAdmin(r); err != nil {
		writeErr(l, w, err)
		return
	}
	id, err := uuid.Parse(p.ByName("id"))
	if err != nil {
		writeErr(l, w, api.NewError(api.KindBadRequest, "malformed runner id"))
		return
	}
	if err := s.store.DeleteRunner(r.Context(), id); err != nil {
		writeErr(l, w, err)
		return
	}
	writeJSON(l, w, http.StatusOK, map[string]string{"status": "deleted"})
}

// manifestLayers is the slice of a manifest the image listing needs.
type manifestLayers struct {
	Layers []struct {
		Size int64 `json:"size"`
	} `json:"layers"`
}

func (s *Server) listImages(l *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	identity := optionalIdentity(r)
	if _, _, err := s.requireRole(r, p.ByName("name"), identity, api.RoleRead); err != nil {
		writeErr(l, w, err)
		return
	}
	images, err := s.store.ListImages(r.Context(), p.ByName("name"))
	if err != nil {
		writeErr(l, w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(images))
	for _, image := range images {
		entry := map[string]interface{}{
			"name":       image.Name,
			"tag":        image.Tag,
			"digest":     image.Digest,
			"updated_at": image.UpdatedAt,
		}
		if raw, err := s.store.ManifestRaw(r.Context(), image.Digest); err == nil {
			var manifest manifestLayers
			if err := json.Unmarshal(raw, &manifest); err == nil {
				var total int64
				for _, layer := range manifest.Layers {
					total += layer.Size
				}
				entry["layer_count"] = len(manifest.Layers)
				entry["size"] = total
			}
		}
		out = append(out, entry)
	}
	writeJSON(l, w, http.StatusOK, out)
}

// imageConfig serves the image's config blob (entrypoint, env, labels) by
// following the manifest's config digest into the blob store.
func (s *Server) imageConfig(l *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	identity := optionalIdentity(r)
	if _, _, err := s.requireRole(r, p.ByName("name"), identity, api.RoleRead); err != nil {
		writeErr(l, w, err)
		return
	}
	raw, err := s.store.ManifestRaw(r.Context(), p.ByName("digest"))
	if err != nil {
		writeErr(l, w, err)
		return
	}
	configDigest, err := registry.ConfigDigest(raw)
	if err != nil {
		writeErr(l, w, api.WrapError(api.KindBadRequest, err, "manifest has no usable config"))
		return
	}
	blob, err := s.store.BlobBySHA256(r.Context(), trimSHA256(configDigest))
	if err != nil {
		writeErr(l, w, err)
		return
	}
	data, err := s.blobs.Get(r.Context(), blob.StoragePath)
	if err != nil {
		writeErr(l, w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(data); err != nil {
		l.WithError(err).Warn("Failed to write config response.")
	}
}

func trimSHA256(digest string) string {
	const prefix = "sha256:"
	if len(digest) > len(prefix) && digest[:len(prefix)] == prefix {
		return digest[len(prefix):]
	}
	return digest
}
