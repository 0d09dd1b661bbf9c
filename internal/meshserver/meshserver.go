// Package meshserver exposes every node's HTTP mesh API: the always-on
// routes every node answers (status, peers, remote stop/start, chunk
// assignment) and the leader-only routes that gate on the registry's
// current leader flag, replying 503 not_leader with a redirect hint
// otherwise. Grounded on the original implementation's HttpServer
// (setupRoutes/requireLeader) and the teacher's internal/server.go
// handler shape, built on the chi router the rest of the example pack
// uses for its own HTTP surface.
package meshserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cbkow/mid-render/internal/dispatch"
	"github.com/cbkow/mid-render/internal/failuretracker"
	"github.com/cbkow/mid-render/internal/logging"
	"github.com/cbkow/mid-render/internal/registry"
	"github.com/cbkow/mid-render/internal/render"
	"github.com/cbkow/mid-render/internal/store"
	"github.com/cbkow/mid-render/pkg/types"
)

// storeFunc resolves the currently open store, or nil if this node is
// not leader right now. A function rather than a plain pointer because
// the store is opened and closed on the supervisor's dispatch-tick
// goroutine as leadership changes, while mesh handlers read it
// concurrently from every request goroutine.
type storeFunc func() *store.Store

// Server is the per-node HTTP mesh API. Every MidRender process runs
// one, whether or not it currently holds leadership.
type Server struct {
	registry *registry.Registry
	render   *render.Coordinator
	engine   *dispatch.Engine
	store    storeFunc
	tracker  *failuretracker.Tracker
	log      logging.Logger

	metricsEnabled bool
}

// Config configures a new Server. Store resolves the leader's local
// job database; it returns nil on a node that has not won an election,
// since the store is only ever open on the current leader. Job-detail
// and job-control routes check IsLeader via requireLeader and so only
// run on a node where Store is expected to be non-nil.
type Config struct {
	Registry       *registry.Registry
	Render         *render.Coordinator
	Engine         *dispatch.Engine
	Store          storeFunc
	Tracker        *failuretracker.Tracker
	Logger         logging.Logger
	MetricsEnabled bool
}

// New builds a Server. Call Handler to get the http.Handler to serve.
func New(cfg Config) *Server {
	return &Server{
		registry:       cfg.Registry,
		render:         cfg.Render,
		engine:         cfg.Engine,
		store:          cfg.Store,
		tracker:        cfg.Tracker,
		log:            cfg.Logger,
		metricsEnabled: cfg.MetricsEnabled,
	}
}

// Handler returns the chi router with every mesh route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/status", s.handleStatus)
	r.Get("/peers", s.handlePeers)
	r.Post("/node/stop", s.handleNodeStop)
	r.Post("/node/start", s.handleNodeStart)
	r.Post("/dispatch/assign", s.handleDispatchAssign)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.requireLeader(s.handleSubmitJob))
		r.Get("/", s.requireLeader(s.handleListJobs))
		r.Get("/{id}", s.requireLeader(s.handleJobDetail))
		r.Delete("/{id}", s.requireLeader(s.handleDeleteJob))
		r.Post("/{id}/pause", s.requireLeader(s.handleJobAction(types.JobPaused)))
		r.Post("/{id}/resume", s.requireLeader(s.handleJobAction(types.JobActive)))
		r.Post("/{id}/cancel", s.requireLeader(s.handleCancelJob))
		r.Post("/{id}/archive", s.requireLeader(s.handleJobAction(types.JobArchived)))
		r.Post("/{id}/retry-failed", s.requireLeader(s.handleRetryFailed))
		r.Post("/{id}/resubmit", s.requireLeader(s.handleResubmit))
	})

	r.Route("/dispatch", func(r chi.Router) {
		r.Post("/complete", s.requireLeader(s.handleDispatchComplete))
		r.Post("/failed", s.requireLeader(s.handleDispatchFailed))
		r.Post("/frame-complete", s.requireLeader(s.handleFrameComplete))
	})

	r.Post("/nodes/{id}/unsuspend", s.requireLeader(s.handleUnsuspend))

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// storeOrUnavailable resolves the current store, writing a 503 and
// returning ok=false if this node holds no open store right now. Every
// handler that touches the store directly calls this first instead of
// assuming a requireLeader wrapper already guarantees one is open.
func (s *Server) storeOrUnavailable(w http.ResponseWriter) (*store.Store, bool) {
	st := s.store()
	if st == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store_not_open"})
		return nil, false
	}
	return st, true
}

// requireLeader wraps handler so it only runs on the current leader;
// any other node replies 503 with a hint pointing at the real leader,
// mirroring the original implementation's HttpServer::requireLeader.
func (s *Server) requireLeader(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.registry.Self().IsLeader {
			handler(w, r)
			return
		}
		body := map[string]any{"error": "not_leader"}
		if endpoint, _, ok := s.registry.LeaderEndpoint(); ok && endpoint != "" {
			body["leader_endpoint"] = endpoint
		}
		writeJSON(w, http.StatusServiceUnavailable, body)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Self())
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

func (s *Server) handleNodeStop(w http.ResponseWriter, r *http.Request) {
	s.registry.SetNodeState(types.NodeStopped)
	s.render.SetStopped(true)
	s.log.Info("mesh", "remotely stopped by peer")
	writeJSON(w, http.StatusOK, statusOK)
}

func (s *Server) handleNodeStart(w http.ResponseWriter, r *http.Request) {
	s.registry.SetNodeState(types.NodeActive)
	s.render.SetStopped(false)
	s.log.Info("mesh", "remotely started by peer")
	writeJSON(w, http.StatusOK, statusOK)
}

type assignRequest struct {
	Manifest   types.JobManifest `json:"manifest"`
	FrameStart int               `json:"frame_start"`
	FrameEnd   int               `json:"frame_end"`
}

func (s *Server) handleDispatchAssign(w http.ResponseWriter, r *http.Request) {
	if s.render.State() != render.Idle {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "busy"})
		return
	}
	if s.render.IsStopped() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "stopped"})
		return
	}

	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	chunk := types.Chunk{
		JobID:  req.Manifest.JobID,
		Frames: types.FrameRange{Start: req.FrameStart, End: req.FrameEnd},
		State:  types.ChunkAssigned,
	}
	if err := s.render.QueueDispatch(req.Manifest, chunk); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, statusOK)
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req types.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.engine.Submit(req.Manifest, req.Priority); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, statusOK)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	st, ok := s.storeOrUnavailable(w)
	if !ok {
		return
	}
	jobs, err := st.GetAllJobsWithProgress()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

type jobDetail struct {
	types.JobSummary
	Chunks []types.Chunk `json:"chunks"`
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	st, ok := s.storeOrUnavailable(w)
	if !ok {
		return
	}
	id := types.JobID(chi.URLParam(r, "id"))
	job, err := st.GetJob(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	chunks, err := st.GetChunksForJob(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, jobDetail{JobSummary: job, Chunks: chunks})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	st, ok := s.storeOrUnavailable(w)
	if !ok {
		return
	}
	id := types.JobID(chi.URLParam(r, "id"))
	s.abortAndPurgeLocal(id)
	if err := st.DeleteJob(id); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.log.Info("mesh", "deleted job", "job_id", id)
	writeJSON(w, http.StatusOK, statusOK)
}

// handleJobAction returns a handler that sets job id's state to
// target, covering pause/resume/archive which have no other side
// effect.
func (s *Server) handleJobAction(target types.JobState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := s.storeOrUnavailable(w)
		if !ok {
			return
		}
		id := types.JobID(chi.URLParam(r, "id"))
		if err := st.UpdateJobState(id, target); err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
			return
		}
		writeJSON(w, http.StatusOK, statusOK)
	}
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	st, ok := s.storeOrUnavailable(w)
	if !ok {
		return
	}
	id := types.JobID(chi.URLParam(r, "id"))
	if err := st.UpdateJobState(id, types.JobCancelled); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	s.abortAndPurgeLocal(id)
	s.log.Info("mesh", "cancelled job", "job_id", id)
	writeJSON(w, http.StatusOK, statusOK)
}

// abortAndPurgeLocal aborts this node's active render if it belongs to
// id and removes any of id's still-queued dispatches, mirroring the
// original implementation's cancelJob/deleteJob local cleanup.
func (s *Server) abortAndPurgeLocal(id types.JobID) {
	if job, _, active := s.render.Current(); active && job == id {
		s.render.AbortCurrentRender("job cancelled")
	}
	s.render.PurgeJob(id)
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	st, ok := s.storeOrUnavailable(w)
	if !ok {
		return
	}
	id := types.JobID(chi.URLParam(r, "id"))
	if err := st.RetryFailedChunks(id); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.log.Info("mesh", "retrying failed chunks", "job_id", id)
	writeJSON(w, http.StatusOK, statusOK)
}

// handleResubmit clones the job's manifest under a fresh "-vN" job id
// with zeroed chunk state, per the original implementation's
// resubmitJob suffix-search.
func (s *Server) handleResubmit(w http.ResponseWriter, r *http.Request) {
	st, ok := s.storeOrUnavailable(w)
	if !ok {
		return
	}
	id := types.JobID(chi.URLParam(r, "id"))
	job, err := st.GetJob(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}

	manifest := job.Manifest
	manifest.JobID = nextResubmitID(st, stripVersionSuffix(id))
	manifest.SubmittedAt = time.Now().UnixMilli()

	if err := s.engine.Submit(manifest, job.Priority); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.log.Info("mesh", "resubmitted job", "job_id", id, "new_job_id", manifest.JobID)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "job_id": manifest.JobID})
}

type completeRequest struct {
	NodeID     types.NodeID `json:"node_id"`
	JobID      types.JobID  `json:"job_id"`
	FrameStart int          `json:"frame_start"`
	FrameEnd   int          `json:"frame_end"`
	ElapsedMs  int64        `json:"elapsed_ms"`
	ExitCode   int          `json:"exit_code"`
}

func (s *Server) handleDispatchComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.engine.QueueCompletion(types.CompletionReport{
		NodeID:    req.NodeID,
		JobID:     req.JobID,
		Frames:    types.FrameRange{Start: req.FrameStart, End: req.FrameEnd},
		ElapsedMs: req.ElapsedMs,
		ExitCode:  req.ExitCode,
	})
	writeJSON(w, http.StatusOK, statusOK)
}

type failedRequest struct {
	NodeID     types.NodeID `json:"node_id"`
	JobID      types.JobID  `json:"job_id"`
	FrameStart int          `json:"frame_start"`
	FrameEnd   int          `json:"frame_end"`
	Error      string       `json:"error"`
}

func (s *Server) handleDispatchFailed(w http.ResponseWriter, r *http.Request) {
	var req failedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.engine.QueueFailure(types.FailureReport{
		NodeID: req.NodeID,
		JobID:  req.JobID,
		Frames: types.FrameRange{Start: req.FrameStart, End: req.FrameEnd},
		Error:  req.Error,
	})
	writeJSON(w, http.StatusOK, statusOK)
}

type frameCompleteRequest struct {
	NodeID types.NodeID `json:"node_id"`
	JobID  types.JobID  `json:"job_id"`
	Frames []int        `json:"frames"`
}

func (s *Server) handleFrameComplete(w http.ResponseWriter, r *http.Request) {
	var req frameCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	for _, frame := range req.Frames {
		s.engine.QueueFrameCompletion(types.FrameReport{NodeID: req.NodeID, JobID: req.JobID, Frame: frame})
	}
	writeJSON(w, http.StatusOK, statusOK)
}

func (s *Server) handleUnsuspend(w http.ResponseWriter, r *http.Request) {
	id := types.NodeID(chi.URLParam(r, "id"))
	s.tracker.ClearNode(id)
	s.log.Info("mesh", "unsuspended node", "node_id", id)
	writeJSON(w, http.StatusOK, statusOK)
}

var statusOK = map[string]string{"status": "ok"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
