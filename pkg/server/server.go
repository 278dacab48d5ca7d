// Package server binds the HTTP surface: repository and commit-graph
// operations, uploads, diffs, mirror configuration, the CI API and admin
// endpoints. The OCI registry and the runner websocket are mounted beside
// the router, not inside it, because their path shapes do not fit static
// route patterns.
package server

import (
	"net/http"

	"github.com/go-chi/cors"

	"github.com/plectr/plectr/pkg/blobstore"
	"github.com/plectr/plectr/pkg/cryptoutil"
	"github.com/plectr/plectr/pkg/ingest"
	"github.com/plectr/plectr/pkg/mirror"
	"github.com/plectr/plectr/pkg/registry"
	"github.com/plectr/plectr/pkg/runner"
	"github.com/plectr/plectr/pkg/store"
)

// Server wires every subsystem to its routes.
type Server struct {
	store    *store.Store
	blobs    blobstore.Store
	ingester *ingest.Ingester
	registry *registry.Registry
	runners  *runner.Service
	mirrors  *mirror.Worker
	box      *cryptoutil.Box
}

func New(s *store.Store, blobs blobstore.Store, runners *runner.Service, mirrors *mirror.Worker, box *cryptoutil.Box) *Server {
	return &Server{
		store:    s,
		blobs:    blobs,
		ingester: ingest.New(blobs, s),
		registry: registry.New(s, blobs),
		runners:  runners,
		mirrors:  mirrors,
		box:      box,
	}
}

// Handler assembles the full HTTP surface behind a permissive CORS layer.
func (s *Server) Handler() http.Handler {
	router := newInstrumentedRouter()

	router.GET("/", loggingWrapper(s.banner))

	router.GET("/api/me", loggingWrapper(s.me))
	router.PATCH("/api/me", loggingWrapper(s.updateMe))
	router.GET("/api/check/repo/:name", loggingWrapper(s.checkRepoName))
	router.GET("/api/check/user/:name", loggingWrapper(s.checkUsername))

	router.POST("/repos", loggingWrapper(s.createRepo))
	router.GET("/repos", loggingWrapper(s.listRepos))
	router.GET("/repos/:name/head", loggingWrapper(s.head))
	router.PATCH("/repos/:name", loggingWrapper(s.updateRepo))
	router.DELETE("/repos/:name", loggingWrapper(s.deleteRepo))
	router.GET("/repos/:name/members", loggingWrapper(s.listMembers))
	router.POST("/repos/:name/members", loggingWrapper(s.addMember))

	router.POST("/repos/:name/commits", loggingWrapper(s.createCommit))
	router.GET("/repos/:name/commits", loggingWrapper(s.listCommits))
	router.GET("/repos/:name/commits/:commit/tree", loggingWrapper(s.tree))
	router.GET("/repos/:name/commits/:commit/files/*path", loggingWrapper(s.fileContent))
	router.GET("/repos/:name/commits/:commit/metadata/*path", loggingWrapper(s.fileMetadata))
	router.POST("/repos/:name/merge", loggingWrapper(s.merge))
	router.POST("/repos/:name/compare", loggingWrapper(s.compare))
	router.POST("/upload", loggingWrapper(s.upload))

	router.GET("/repos/:name/mirror", loggingWrapper(s.mirrorStatus))
	router.POST("/repos/:name/mirror", loggingWrapper(s.configureMirror))

	router.GET("/repos/:name/pipelines", loggingWrapper(s.listPipelines))
	router.GET("/repos/:name/pipelines/:id", loggingWrapper(s.pipelineDetail))
	router.GET("/repos/:name/releases", loggingWrapper(s.listReleases))
	router.GET("/repos/:name/releases/:id/download", loggingWrapper(s.downloadRelease))
	router.POST("/api/runner/jobs/:id/artifacts", loggingWrapper(s.uploadArtifact))

	router.GET("/api/admin/runners", loggingWrapper(s.adminListRunners))
	router.POST("/api/admin/runners", loggingWrapper(s.adminCreateRunner))
	router.DELETE("/api/admin/runners/:id", loggingWrapper(s.adminDeleteRunner))

	router.GET("/repos/:name/images", loggingWrapper(s.listImages))
	router.GET("/repos/:name/images/:digest/config", loggingWrapper(s.imageConfig))

	mux := http.NewServeMux()
	mux.Handle("/v2/", s.registry)
	mux.HandleFunc("/api/runner/ws", s.runners.HandleSocket)
	mux.Handle("/", router)

	return cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Docker-Content-Digest"},
		ExposedHeaders: []string{"Docker-Content-Digest", "Docker-Upload-UUID", "Location"},
	})(mux)
}
