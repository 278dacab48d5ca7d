package runner

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/plectr/plectr/pkg/api"
	"github.com/plectr/plectr/pkg/auth"
	"github.com/plectr/plectr/pkg/blobstore"
	"github.com/plectr/plectr/pkg/store"
)

// Service owns runner sessions and pipeline dispatch.
type Service struct {
	store       *store.Store
	blobs       blobstore.Store
	fabric      *Fabric
	tokenSecret []byte
	apiURL      string
	upgrader    websocket.Upgrader
}

// NewService wires dispatch; apiURL is the address runners call back on for
// source fetches and artifact uploads.
func NewService(s *store.Store, blobs blobstore.Store, fabric *Fabric, tokenSecret []byte, apiURL string) *Service {
	return &Service{
		store:       s,
		blobs:       blobs,
		fabric:      fabric,
		tokenSecret: tokenSecret,
		apiURL:      apiURL,
		upgrader: websocket.Upgrader{
			// Runners authenticate with their token; origin checks only
			// apply to browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleSocket upgrades a runner connection. The runner authenticates with
// its registration token and announces platform metadata through query
// parameters.
func (svc *Service) HandleSocket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	token := query.Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	runner, err := svc.store.AuthenticateRunner(r.Context(), token,
		query.Get("platform"), query.Get("hostname"), query.Get("version"))
	if err != nil {
		http.Error(w, err.Error(), api.HTTPStatus(err))
		return
	}

	conn, err := svc.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("Failed to upgrade runner connection.")
		return
	}
	log := logrus.WithField("runner", runner.Name).WithField("runner-id", runner.ID)
	log.Info("Runner connected.")

	outbound := svc.fabric.register(runner.ID)
	go func() {
		for frame := range outbound {
			if err := conn.WriteJSON(frame); err != nil {
				log.WithError(err).Warn("Failed to write frame to runner.")
				return
			}
		}
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		frame, err := DecodeFrame(data)
		if err != nil {
			log.WithError(err).Warn("Ignoring malformed runner frame.")
			continue
		}
		svc.handleFrame(r.Context(), log, runner.ID, frame)
	}

	svc.fabric.unregister(runner.ID, outbound)
	if err := svc.store.SetRunnerActive(context.Background(), runner.ID, false); err != nil {
		log.WithError(err).Warn("Failed to deactivate runner after disconnect.")
	}
	log.Info("Runner disconnected.")
}

func (svc *Service) handleFrame(ctx context.Context, log *logrus.Entry, runnerID uuid.UUID, frame interface{}) {
	switch typed := frame.(type) {
	case Envelope:
		if err := svc.store.TouchRunner(ctx, runnerID); err != nil {
			log.WithError(err).Warn("Failed to record heartbeat.")
		}
	case JobStarted:
		if err := svc.store.MarkJobStarted(ctx, typed.JobID, runnerID); err != nil {
			log.WithError(err).WithField("job", typed.JobID).Error("Failed to mark job started.")
		}
	case JobLog:
		if err := svc.store.AppendJobLog(ctx, typed.JobID, typed.Content); err != nil {
			log.WithError(err).WithField("job", typed.JobID).Error("Failed to append job log.")
		}
	case JobCompleted:
		pipelineID, err := svc.store.FinishJob(ctx, typed.JobID, typed.Status, typed.ExitCode)
		if err != nil {
			log.WithError(err).WithField("job", typed.JobID).Error("Failed to finish job.")
			return
		}
		if err := svc.recomputePipeline(ctx, pipelineID); err != nil {
			log.WithError(err).WithField("pipeline", pipelineID).Error("Failed to recompute pipeline status.")
		}
	}
}

// recomputePipeline settles the pipeline once no job is live.
func (svc *Service) recomputePipeline(ctx context.Context, pipelineID uuid.UUID) error {
	statuses, err := svc.store.JobStatuses(ctx, pipelineID)
	if err != nil {
		return err
	}
	aggregate := store.AggregateStatus(statuses)
	if aggregate == api.StatusRunning {
		return nil
	}
	return svc.store.FinishPipeline(ctx, pipelineID, aggregate)
}

// TriggerPipeline starts CI for a commit when its tree carries a pipeline
// file. Commits without one trigger nothing; a pipeline file that fails to
// parse is reported to the caller so the commit response can surface it.
func (svc *Service) TriggerPipeline(ctx context.Context, repoID, commitID uuid.UUID) (*uuid.UUID, error) {
	hash, _, err := svc.store.FileBlob(ctx, commitID, PipelineFileName)
	if err != nil {
		if api.KindOf(err) == api.KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	data, err := svc.blobs.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	specs, err := ParsePipelineFile(data)
	if err != nil {
		return nil, api.WrapError(api.KindBadRequest, err, "invalid %s", PipelineFileName)
	}
	repoName, err := svc.store.RepoName(ctx, repoID)
	if err != nil {
		return nil, err
	}

	pipelineID, err := svc.store.CreatePipeline(ctx, repoID, commitID)
	if err != nil {
		return nil, err
	}
	token, err := auth.MintSystemToken(svc.tokenSecret)
	if err != nil {
		return nil, err
	}
	log := logrus.WithField("pipeline", pipelineID)

	// A runner is claimed before the job row exists, so every job row is
	// bound to its runner from birth. Specs with no runner available leave
	// no row behind and the pipeline stays running.
	for _, spec := range specs {
		runnerID, ok := svc.fabric.Pick()
		if !ok {
			log.WithField("job", spec.Name).Warn("No connected runner, job not scheduled.")
			continue
		}
		jobID, err := svc.store.InsertJob(ctx, pipelineID, runnerID, spec)
		if err != nil {
			return nil, err
		}
		request := JobRequest{
			Type: TypeJobRequest,
			Payload: JobPayload{
				JobID:     jobID,
				Image:     spec.Image,
				Script:    spec.Script,
				Artifacts: spec.Artifacts,
				Env:       []string{"CI=true"},
				Context: JobContext{
					RepoName:  repoName,
					CommitID:  commitID.String(),
					APIURL:    svc.apiURL,
					AuthToken: token,
				},
			},
		}
		if !svc.fabric.Send(runnerID, request) {
			log.WithField("job", spec.Name).Warn("Runner went away before dispatch.")
		}
	}
	return &pipelineID, nil
}
