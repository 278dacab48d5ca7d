// Package registry serves the Docker/OCI distribution v2 API on top of the
// content-addressed blob store. Layers pushed here are ordinary blobs: the
// primary key stays BLAKE3 and the sha256 the docker client addresses is a
// secondary column, so a layer and a repository file with identical bytes
// share one stored object.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/plectr/plectr/pkg/api"
	"github.com/plectr/plectr/pkg/auth"
	"github.com/plectr/plectr/pkg/blobstore"
	"github.com/plectr/plectr/pkg/ingest"
	"github.com/plectr/plectr/pkg/store"
)

// apiVersionHeader is sent on every response so clients recognize a v2
// registry.
const apiVersionHeader = "registry/2.0"

// Registry handles the /v2/ surface.
type Registry struct {
	store *store.Store
	blobs blobstore.Store
}

func New(s *store.Store, blobs blobstore.Store) *Registry {
	return &Registry{store: s, blobs: blobs}
}

// identity resolves the caller, if any. Docker clients send HTTP basic auth
// with the gateway token as the password; web clients send a bearer token.
// A missing or unparsable credential resolves to an anonymous caller; per
// route, authorize decides whether anonymous is enough.
func identity(r *http.Request) *auth.Identity {
	if _, password, ok := r.BasicAuth(); ok {
		caller, err := auth.ParseToken(password)
		if err != nil {
			return nil
		}
		return caller
	}
	return auth.Optional(r.Header.Get("Authorization"))
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="Registry Realm"`)
	w.Header().Set("Docker-Distribution-Api-Version", apiVersionHeader)
	http.Error(w, "authentication required", http.StatusUnauthorized)
}

func writeError(w http.ResponseWriter, err error) {
	if api.KindOf(err) == api.KindUnauthorized {
		writeUnauthorized(w)
		return
	}
	http.Error(w, err.Error(), api.HTTPStatus(err))
}

// ServeHTTP dispatches every /v2/ request.
func (reg *Registry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Docker-Distribution-Api-Version", apiVersionHeader)
	route := ParseRoute(r.URL.Path)
	caller := identity(r)

	switch {
	case route.Kind == RouteBase && r.Method == http.MethodGet:
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "{}")
	case route.Kind == RouteBlob && (r.Method == http.MethodHead || r.Method == http.MethodGet):
		reg.serveBlob(w, r, caller, route)
	case route.Kind == RouteUploadStart && r.Method == http.MethodPost:
		reg.startUpload(w, r, caller, route)
	case route.Kind == RouteUpload && (r.Method == http.MethodPut || r.Method == http.MethodPatch):
		reg.completeUpload(w, r, caller, route)
	case route.Kind == RouteManifest && r.Method == http.MethodPut:
		reg.putManifest(w, r, caller, route)
	case route.Kind == RouteManifest && (r.Method == http.MethodGet || r.Method == http.MethodHead):
		reg.serveManifest(w, r, caller, route)
	default:
		http.NotFound(w, r)
	}
}

// authorize resolves the caller's role on the anchoring repository. Public
// repositories grant anonymous reads. Pushes to a repository that does not
// exist yet create it private with the pusher as admin, so the want check
// passes afterwards. An anonymous caller with insufficient access gets the
// basic challenge, an authenticated one a plain denial.
func (reg *Registry) authorize(r *http.Request, caller *auth.Identity, registryName string, want api.Role) error {
	var userID *uuid.UUID
	if caller != nil {
		userID = &caller.ID
	}
	access, err := reg.store.Access(r.Context(), store.AnchorRepoName(registryName), userID)
	if err != nil {
		if api.KindOf(err) == api.KindNotFound {
			if caller == nil {
				return api.NewError(api.KindUnauthorized, "authentication required")
			}
			if want >= api.RoleWrite {
				if _, err := reg.store.DockerRepoID(r.Context(), registryName, caller); err != nil {
					return err
				}
				return nil
			}
		}
		return err
	}
	if auth.ResolveRole(access) < want {
		if caller == nil {
			return api.NewError(api.KindUnauthorized, "authentication required")
		}
		return api.NewError(api.KindForbidden, "insufficient access to %q", registryName)
	}
	return nil
}

func (reg *Registry) serveBlob(w http.ResponseWriter, r *http.Request, caller *auth.Identity, route Route) {
	if err := reg.authorize(r, caller, route.Name, api.RoleRead); err != nil {
		writeError(w, err)
		return
	}
	digest := strings.TrimPrefix(route.Reference, "sha256:")
	blob, err := reg.store.BlobBySHA256(r.Context(), digest)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Docker-Content-Digest", "sha256:"+digest)
	w.Header().Set("Content-Length", strconv.FormatInt(blob.Size, 10))
	w.Header().Set("Content-Type", "application/octet-stream")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	data, err := reg.blobs.Get(r.Context(), blob.StoragePath)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		logrus.WithError(err).Warn("Failed to write blob response.")
	}
}

func (reg *Registry) startUpload(w http.ResponseWriter, r *http.Request, caller *auth.Identity, route Route) {
	if err := reg.authorize(r, caller, route.Name, api.RoleWrite); err != nil {
		writeError(w, err)
		return
	}
	uploadID, err := reg.store.CreateUpload(r.Context(), route.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", route.Name, uploadID))
	w.Header().Set("Docker-Upload-UUID", uploadID.String())
	w.Header().Set("Range", "0-0")
	w.WriteHeader(http.StatusAccepted)
}

// completeUpload ingests a monolithic layer body. PATCH and PUT both carry
// the whole layer here; clients that PATCH the body follow up with a
// zero-length PUT carrying the digest, which finds the blob already present.
func (reg *Registry) completeUpload(w http.ResponseWriter, r *http.Request, caller *auth.Identity, route Route) {
	if err := reg.authorize(r, caller, route.Name, api.RoleWrite); err != nil {
		writeError(w, err)
		return
	}
	uploadID, err := uuid.Parse(route.Reference)
	if err != nil {
		writeError(w, api.NewError(api.KindBadRequest, "malformed upload id %q", route.Reference))
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, api.WrapError(api.KindBadRequest, err, "failed to read layer body"))
		return
	}

	declared := strings.TrimPrefix(r.URL.Query().Get("digest"), "sha256:")
	sum := sha256.Sum256(body)
	actual := hex.EncodeToString(sum[:])

	if len(body) == 0 && declared != "" {
		// Zero-length finalizer after a PATCH that carried the bytes.
		if _, err := reg.store.BlobBySHA256(r.Context(), declared); err == nil {
			reg.finishUpload(w, r, route, uploadID, declared)
			return
		}
	}
	if declared != "" && declared != actual {
		writeError(w, api.NewError(api.KindBadRequest, "digest mismatch: declared sha256:%s, got sha256:%s", declared, actual))
		return
	}

	primary := ingest.HashBytes(body)
	if err := reg.blobs.Put(r.Context(), primary, body); err != nil {
		writeError(w, err)
		return
	}
	if err := reg.store.UpsertRegistryBlob(r.Context(), primary, actual, int64(len(body)), primary); err != nil {
		writeError(w, err)
		return
	}

	if r.Method == http.MethodPatch && declared == "" {
		// Mid-session chunk; the digest arrives with the closing PUT.
		w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", route.Name, uploadID))
		w.Header().Set("Docker-Upload-UUID", uploadID.String())
		w.Header().Set("Range", fmt.Sprintf("0-%d", len(body)))
		w.WriteHeader(http.StatusAccepted)
		return
	}
	reg.finishUpload(w, r, route, uploadID, actual)
}

func (reg *Registry) finishUpload(w http.ResponseWriter, r *http.Request, route Route, uploadID uuid.UUID, sha256Hex string) {
	if err := reg.store.DeleteUpload(r.Context(), uploadID); err != nil {
		logrus.WithError(err).Warn("Failed to close upload session.")
	}
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/sha256:%s", route.Name, sha256Hex))
	w.Header().Set("Docker-Content-Digest", "sha256:"+sha256Hex)
	w.WriteHeader(http.StatusCreated)
}

func (reg *Registry) putManifest(w http.ResponseWriter, r *http.Request, caller *auth.Identity, route Route) {
	if err := reg.authorize(r, caller, route.Name, api.RoleWrite); err != nil {
		writeError(w, err)
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, api.WrapError(api.KindBadRequest, err, "failed to read manifest body"))
		return
	}
	if !json.Valid(raw) {
		writeError(w, api.NewError(api.KindBadRequest, "manifest is not valid JSON"))
		return
	}
	sum := sha256.Sum256(raw)
	digest := "sha256:" + hex.EncodeToString(sum[:])

	dockerRepoID, err := reg.store.DockerRepoID(r.Context(), route.Name, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	tag := route.Reference
	if strings.HasPrefix(tag, "sha256:") {
		// Addressed by digest; no tag moves.
		if tag != digest {
			writeError(w, api.NewError(api.KindBadRequest, "manifest digest mismatch: addressed %s, body digests to %s", tag, digest))
			return
		}
		tag = ""
	}
	if err := reg.store.PutManifest(r.Context(), dockerRepoID, digest, tag, raw); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/manifests/%s", route.Name, digest))
	w.Header().Set("Docker-Content-Digest", digest)
	w.WriteHeader(http.StatusCreated)
}

func (reg *Registry) serveManifest(w http.ResponseWriter, r *http.Request, caller *auth.Identity, route Route) {
	if err := reg.authorize(r, caller, route.Name, api.RoleRead); err != nil {
		writeError(w, err)
		return
	}
	dockerRepoID, err := reg.store.DockerRepoID(r.Context(), route.Name, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	digest, raw, err := reg.store.ManifestByReference(r.Context(), dockerRepoID, route.Reference)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", api.ManifestMediaType)
	w.Header().Set("Docker-Content-Digest", digest)
	w.Header().Set("Content-Length", strconv.Itoa(len(raw)))
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(raw); err != nil {
		logrus.WithError(err).Warn("Failed to write manifest response.")
	}
}

// ConfigDigest extracts the image config digest from a stored manifest.
func ConfigDigest(raw []byte) (string, error) {
	var manifest struct {
		Config struct {
			Digest string `json:"digest"`
		} `json:"config"`
	}
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return "", fmt.Errorf("failed to decode manifest: %w", err)
	}
	if manifest.Config.Digest == "" {
		return "", fmt.Errorf("manifest has no config digest")
	}
	return manifest.Config.Digest, nil
}
