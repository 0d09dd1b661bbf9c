// Package dispatch implements the leader-only chunk dispatch engine:
// an authoritative, persistent queue that splits jobs into frame
// chunks and assigns them to eligible live workers, with retry,
// blacklist, dead-worker reassignment, and timed snapshots. Grounded
// on the teacher's internal/controller.go tick structure and the
// original implementation's DispatchManager.
package dispatch

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cbkow/mid-render/internal/clock"
	"github.com/cbkow/mid-render/internal/failuretracker"
	"github.com/cbkow/mid-render/internal/logging"
	"github.com/cbkow/mid-render/internal/registry"
	"github.com/cbkow/mid-render/internal/store"
	"github.com/cbkow/mid-render/pkg/types"
)

// RemoteDispatcher sends a chunk assignment to a remote node over the
// HTTP mesh. Implemented by internal/meshclient.
type RemoteDispatcher interface {
	DispatchAssign(endpoint string, manifest types.JobManifest, frames types.FrameRange) error
}

// LocalDispatcher hands a chunk assignment to this node's own render
// coordinator. Implemented by internal/render.
type LocalDispatcher interface {
	QueueDispatch(manifest types.JobManifest, chunk types.Chunk) error
}

// DispatchMetrics records the engine's throughput counters. Implemented
// by internal/metrics.Collector; optional, nil-checked at each call
// site so the engine works unmetered in tests.
type DispatchMetrics interface {
	RecordDispatch()
	RecordCompleted()
	RecordFailed()
	RecordReassigned()
}

// Submission is a queued request to create a new job.
type Submission struct {
	Manifest types.JobManifest
	Priority int
	Result   chan error // optional: closed after processing if non-nil
}

// Engine owns the persistent dispatch queues and runs the six-step
// tick. All queue-mutating methods are safe to call from HTTP handlers
// concurrently with Tick running on the supervisor goroutine.
type Engine struct {
	store    *store.Store
	registry *registry.Registry
	tracker  *failuretracker.Tracker
	clk      clock.Clock
	log      logging.Logger
	local    types.NodeID

	remote  RemoteDispatcher
	render  LocalDispatcher
	metrics DispatchMetrics

	mu          sync.Mutex
	submissions []Submission
	completions []types.CompletionReport
	failures    []types.FailureReport
	frameBatch  map[types.JobID][]types.FrameReport

	snapshotPath     string
	snapshotEveryTic int
	tickCount        int
}

// Config configures a new Engine. Store may be nil: a freshly built
// node has not yet won an election, and SetStore is called once it
// does (see SetStore).
type Config struct {
	Store            *store.Store
	Registry         *registry.Registry
	Tracker          *failuretracker.Tracker
	Clock            clock.Clock
	Logger           logging.Logger
	LocalNodeID      types.NodeID
	Remote           RemoteDispatcher
	Render           LocalDispatcher
	Metrics          DispatchMetrics
	SnapshotPath     string
	SnapshotEveryTic int // number of ticks between snapshots, e.g. 15 at a 2s tick ~= 30s
}

// New builds an Engine from cfg.
func New(cfg Config) *Engine {
	if cfg.SnapshotEveryTic <= 0 {
		cfg.SnapshotEveryTic = 15
	}
	return &Engine{
		store:            cfg.Store,
		registry:         cfg.Registry,
		tracker:          cfg.Tracker,
		clk:              cfg.Clock,
		log:              cfg.Logger,
		local:            cfg.LocalNodeID,
		remote:           cfg.Remote,
		render:           cfg.Render,
		metrics:          cfg.Metrics,
		frameBatch:       make(map[types.JobID][]types.FrameReport),
		snapshotPath:     cfg.SnapshotPath,
		snapshotEveryTic: cfg.SnapshotEveryTic,
	}
}

// SetStore installs or clears the engine's store. Called exclusively
// from the same goroutine that calls Tick, on leadership transitions
// (becoming leader: a freshly opened/restored store; losing
// leadership: nil), so e.store needs no lock of its own.
func (e *Engine) SetStore(s *store.Store) {
	e.store = s
}

// HasStore reports whether the engine currently holds an open store,
// i.e. whether the local node is the leader.
func (e *Engine) HasStore() bool {
	return e.store != nil
}

// QueueSubmission enqueues a new-job request for the next tick.
func (e *Engine) QueueSubmission(s Submission) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submissions = append(e.submissions, s)
}

// QueueCompletion enqueues a chunk completion report.
func (e *Engine) QueueCompletion(r types.CompletionReport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completions = append(e.completions, r)
}

// QueueFailure enqueues a chunk failure report.
func (e *Engine) QueueFailure(r types.FailureReport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = append(e.failures, r)
}

// QueueFrameCompletion enqueues a per-frame progress report.
func (e *Engine) QueueFrameCompletion(r types.FrameReport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frameBatch[r.JobID] = append(e.frameBatch[r.JobID], r)
}

// drainQueues atomically takes and clears every pending queue,
// bounding the tick's work to exactly what had arrived by the time it
// started (§4.4 step 1-2 precondition).
func (e *Engine) drainQueues() ([]Submission, []types.CompletionReport, []types.FailureReport, map[types.JobID][]types.FrameReport) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs, completions, failures, frames := e.submissions, e.completions, e.failures, e.frameBatch
	e.submissions = nil
	e.completions = nil
	e.failures = nil
	e.frameBatch = make(map[types.JobID][]types.FrameReport)
	return subs, completions, failures, frames
}

// Tick runs the six ordered dispatch steps once. Each step is bounded
// in work and safe to retry next tick if the process crashes mid-tick.
func (e *Engine) Tick() {
	if e.store == nil {
		// Not the leader: no store to dispatch against. The caller is
		// expected to gate calls to Tick on leadership already; this is
		// a defensive second line so a stale call never panics.
		return
	}

	e.tickCount++
	subs, completions, failures, frameBatches := e.drainQueues()

	e.drainSubmissions(subs)
	e.drainReports(completions, failures, frameBatches)
	e.reassignDeadWorkers()
	e.checkJobCompletions()
	e.assignWork()

	if e.tickCount%e.snapshotEveryTic == 0 && e.snapshotPath != "" {
		go e.takeSnapshot(e.store)
	}
}

// drainSubmissions is step 1.
func (e *Engine) drainSubmissions(subs []Submission) {
	for _, s := range subs {
		err := e.processSubmission(s)
		if s.Result != nil {
			s.Result <- err
			close(s.Result)
		}
	}
}

func (e *Engine) processSubmission(s Submission) error {
	if err := s.Manifest.Validate(); err != nil {
		e.log.Warn("dispatch", "rejecting invalid submission", "job_id", s.Manifest.JobID, "error", err)
		return fmt.Errorf("invalid manifest: %w", err)
	}

	now := e.clk.NowMs()
	if err := e.store.InsertJob(s.Manifest, s.Priority, now); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if err := e.store.InsertChunks(s.Manifest.JobID, s.Manifest.SplitChunks()); err != nil {
		// Roll back the job row so a half-inserted job never lingers.
		if delErr := e.store.DeleteJob(s.Manifest.JobID); delErr != nil {
			e.log.Error("dispatch", "failed to roll back job after chunk insert failure", "job_id", s.Manifest.JobID, "error", delErr)
		}
		return fmt.Errorf("insert chunks: %w", err)
	}
	return nil
}

// drainReports is step 2.
func (e *Engine) drainReports(completions []types.CompletionReport, failures []types.FailureReport, frameBatches map[types.JobID][]types.FrameReport) {
	now := e.clk.NowMs()

	for _, c := range completions {
		if err := e.store.CompleteChunk(c.JobID, c.Frames.Start, c.Frames.End, now); err != nil {
			e.log.Error("dispatch", "complete_chunk failed", "job_id", c.JobID, "error", err)
			continue
		}
		if e.metrics != nil {
			e.metrics.RecordCompleted()
		}
	}

	for _, f := range failures {
		summary, err := e.store.GetJob(f.JobID)
		if err != nil {
			e.log.Warn("dispatch", "failure report for unknown job", "job_id", f.JobID)
			continue
		}
		if err := e.store.FailChunk(f.JobID, f.Frames.Start, f.Frames.End, summary.Manifest.MaxRetries, f.NodeID); err != nil {
			e.log.Error("dispatch", "fail_chunk failed", "job_id", f.JobID, "error", err)
			continue
		}
		e.tracker.RecordFailure(f.NodeID, now)
		if e.metrics != nil {
			e.metrics.RecordFailed()
		}
	}

	for jobID, frames := range frameBatches {
		nums := make([]int, len(frames))
		for i, fr := range frames {
			nums[i] = fr.Frame
		}
		if err := e.store.AddCompletedFrames(jobID, nums); err != nil {
			e.log.Error("dispatch", "add_completed_frames_batch failed", "job_id", jobID, "error", err)
		}
	}
}

// reassignDeadWorkers is step 3.
func (e *Engine) reassignDeadWorkers() {
	for _, p := range e.registry.Snapshot() {
		if p.IsAlive {
			continue
		}
		n, err := e.store.ReassignDeadWorkerChunks(p.NodeID)
		if err != nil {
			e.log.Error("dispatch", "reassign_dead_worker_chunks failed", "node_id", p.NodeID, "error", err)
			continue
		}
		if n > 0 {
			e.log.Info("dispatch", "reassigned dead worker chunks", "node_id", p.NodeID, "count", n)
			if e.metrics != nil {
				for i := int64(0); i < n; i++ {
					e.metrics.RecordReassigned()
				}
			}
		}
	}
}

// checkJobCompletions is step 4.
func (e *Engine) checkJobCompletions() {
	jobs, err := e.store.GetAllJobsWithProgress()
	if err != nil {
		e.log.Error("dispatch", "get_all_jobs_with_progress failed", "error", err)
		return
	}
	for _, j := range jobs {
		if j.State != types.JobActive {
			continue
		}
		complete, err := e.store.IsJobComplete(j.JobID)
		if err != nil {
			e.log.Error("dispatch", "is_job_complete failed", "job_id", j.JobID, "error", err)
			continue
		}
		if complete {
			if err := e.store.UpdateJobState(j.JobID, types.JobCompleted); err != nil {
				e.log.Error("dispatch", "update_job_state failed", "job_id", j.JobID, "error", err)
			}
		}
	}
}

// assignWork is step 5.
func (e *Engine) assignWork() {
	workers := e.eligibleWorkers()
	now := e.clk.NowMs()

	for _, w := range workers {
		chunk, manifest, ok, err := e.store.FindNextPendingChunkForNode(w.Tags, w.NodeID)
		if err != nil {
			e.log.Error("dispatch", "find_next_pending_chunk_for_node failed", "node_id", w.NodeID, "error", err)
			continue
		}
		if !ok {
			continue
		}

		changed, err := e.store.AssignChunk(chunk.ID, w.NodeID, now)
		if err != nil {
			e.log.Error("dispatch", "assign_chunk failed", "chunk_id", chunk.ID, "error", err)
			continue
		}
		if !changed {
			continue // another tick iteration or race already claimed it
		}

		if w.NodeID == e.local {
			if err := e.render.QueueDispatch(manifest, chunk); err != nil {
				e.log.Error("dispatch", "local queue_dispatch failed, reverting", "chunk_id", chunk.ID, "error", err)
				e.revert(chunk.ID)
				continue
			}
			if e.metrics != nil {
				e.metrics.RecordDispatch()
			}
			continue
		}

		if err := e.remote.DispatchAssign(w.Endpoint, manifest, chunk.Frames); err != nil {
			e.log.Warn("dispatch", "remote dispatch failed, reverting", "node_id", w.NodeID, "chunk_id", chunk.ID, "error", err)
			e.revert(chunk.ID)
			continue
		}
		if e.metrics != nil {
			e.metrics.RecordDispatch()
		}
	}
}

// revert puts a chunk back to pending without touching retry_count or
// failed_on, per §4.4's "effectively infinite max-retries" carve-out
// for transport/busy/stopped failures during dispatch.
func (e *Engine) revert(chunkID int64) {
	if err := e.store.RevertChunkToPending(chunkID); err != nil {
		e.log.Error("dispatch", "failed to revert chunk to pending", "chunk_id", chunkID, "error", err)
	}
}

// eligibleWorkers returns alive, active, idle, non-suspended peers
// (including self), ordered by priority then node ID for a stable
// iteration order within the tick.
func (e *Engine) eligibleWorkers() []types.PeerInfo {
	var out []types.PeerInfo
	for _, p := range e.registry.Snapshot() {
		if !p.IsAlive || !p.Eligible() {
			continue
		}
		if e.tracker.IsSuspended(p.NodeID) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// takeSnapshot is step 6, run on a background goroutine so the tick
// never waits on shared-filesystem I/O. s is the store captured at the
// moment Tick scheduled the snapshot, not a live read of e.store,
// since e.store may be cleared by a concurrent loss of leadership.
func (e *Engine) takeSnapshot(s *store.Store) {
	if err := s.SnapshotTo(e.snapshotPath); err != nil {
		e.log.Error("dispatch", "snapshot failed", "path", e.snapshotPath, "error", err)
		return
	}
	e.log.Info("dispatch", "snapshot written", "path", e.snapshotPath)
}

// Submit validates and enqueues a new job, blocking until the next
// tick has processed it, for synchronous HTTP handlers that need to
// return a definite accept/reject.
func (e *Engine) Submit(m types.JobManifest, priority int) error {
	result := make(chan error, 1)
	e.QueueSubmission(Submission{Manifest: m, Priority: priority, Result: result})
	return <-result
}
