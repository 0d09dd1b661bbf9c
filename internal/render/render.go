// Package render drives the per-node render state machine: it accepts
// a bounded queue of (manifest, chunk) dispatches, hands them one at a
// time to the side-car agent over internal/agentipc, and turns the
// agent's messages into upward completion/failure/progress events.
// Generalizes the teacher's Worker/Pool goroutine-per-task pattern to
// exactly one active render per node, grounded on the original
// implementation's RenderCoordinator.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cbkow/mid-render/internal/agentipc"
	"github.com/cbkow/mid-render/internal/clock"
	"github.com/cbkow/mid-render/internal/logging"
	"github.com/cbkow/mid-render/pkg/types"
)

// State is the render coordinator's position in its state machine.
type State string

const (
	Idle       State = "idle"
	Dispatched State = "dispatched"
	Rendering  State = "rendering"
	Completing State = "completing"
	Aborting   State = "aborting"
)

const (
	defaultAckTimeout   = 30 * time.Second
	defaultQueueCapacity = 8
)

// AgentDriver is the subset of *agentipc.Supervisor the coordinator
// needs, kept as an interface so tests can substitute a fake agent.
type AgentDriver interface {
	SendStartTask(task json.RawMessage) error
	SendAbort(reason string) error
	SendPing() error
	PingDue() bool
	Messages() <-chan agentipc.AgentMessage
	IsRunning() bool
}

// StateSink lets the coordinator publish its render state to the peer
// registry without importing it directly.
type StateSink interface {
	SetRenderState(state types.RenderState, job types.JobID, chunk int64)
}

// ReportSink is where the coordinator sends completion, failure, and
// per-frame events. Implemented by internal/reportqueue.
type ReportSink interface {
	ReportCompletion(types.CompletionReport)
	ReportFailure(types.FailureReport)
	ReportFrame(types.FrameReport)
}

type pendingDispatch struct {
	manifest types.JobManifest
	chunk    types.Chunk
}

type activeRender struct {
	manifest      types.JobManifest
	chunk         types.Chunk
	ackReceived   bool
	dispatchedAt  int64
	startedAt     int64
	stdoutBuf     []string
	stdoutLogName string
	completedSet  map[int]struct{}

	// originalOutputDir is set only when staging substituted the task's
	// output_dir with stagingOutputDir; on success the coordinator
	// copies stagingOutputDir's contents back to originalOutputDir
	// before reporting completion.
	originalOutputDir string
	stagingOutputDir  string
}

// Coordinator is the per-node render state machine.
type Coordinator struct {
	farmRoot string
	nodeID   types.NodeID
	nodeOS   string

	agent   AgentDriver
	sink    StateSink
	reports ReportSink
	clk     clock.Clock
	log     logging.Logger

	ackTimeout    time.Duration
	queueCapacity int

	// stagingDir, when non-empty, is the local scratch root §4.5's
	// optional staging substitutes a chunk's output directory with;
	// stagingEnabled gates whether that substitution happens at all.
	stagingEnabled bool
	stagingDir     string

	mu       sync.Mutex
	state    State
	stopped  bool
	queue    []pendingDispatch
	current  *activeRender
}

// Config configures a new Coordinator.
type Config struct {
	FarmRoot       string
	NodeID         types.NodeID
	NodeOS         string
	Agent          AgentDriver
	Sink           StateSink
	Reports        ReportSink
	Clock          clock.Clock
	Logger         logging.Logger
	AckTimeout     time.Duration
	QueueCapacity  int
	StagingEnabled bool
	StagingDir     string
}

// New builds an idle Coordinator from cfg.
func New(cfg Config) *Coordinator {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	return &Coordinator{
		farmRoot:       cfg.FarmRoot,
		nodeID:         cfg.NodeID,
		nodeOS:         cfg.NodeOS,
		agent:          cfg.Agent,
		sink:           cfg.Sink,
		reports:        cfg.Reports,
		clk:            cfg.Clock,
		log:            cfg.Logger,
		ackTimeout:     cfg.AckTimeout,
		queueCapacity:  cfg.QueueCapacity,
		stagingEnabled: cfg.StagingEnabled,
		stagingDir:     cfg.StagingDir,
		state:          Idle,
	}
}

// QueueDispatch implements dispatch.LocalDispatcher: it is called by
// the dispatch engine's assign step. Per §4.5's pipeline rule, a
// dispatch is accepted only when idle and the node is not stopped.
func (c *Coordinator) QueueDispatch(manifest types.JobManifest, chunk types.Chunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return fmt.Errorf("node stopped")
	}
	if c.state != Idle {
		return fmt.Errorf("coordinator busy")
	}
	if len(c.queue) >= c.queueCapacity {
		return fmt.Errorf("dispatch queue full")
	}
	c.queue = append(c.queue, pendingDispatch{manifest: manifest, chunk: chunk})
	return nil
}

// PurgeJob removes every queued-but-not-dispatched chunk of job,
// producing no failure report for them per §4.5's cancel semantics.
func (c *Coordinator) PurgeJob(job types.JobID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.queue[:0]
	for _, p := range c.queue {
		if p.manifest.JobID != job {
			kept = append(kept, p)
		}
	}
	c.queue = kept
}

// SetStopped flips the node's dispatch-acceptance gate; stopping also
// aborts any active render.
func (c *Coordinator) SetStopped(stopped bool) {
	c.mu.Lock()
	c.stopped = stopped
	active := c.current != nil
	c.mu.Unlock()
	if stopped && active {
		c.AbortCurrentRender("node stopped")
	}
}

// IsStopped reports the node's stop gate.
func (c *Coordinator) IsStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// State returns the coordinator's current state machine position.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns the job/chunk currently rendering, if any.
func (c *Coordinator) Current() (types.JobID, int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return "", 0, false
	}
	return c.current.manifest.JobID, c.current.chunk.ID, true
}

// AbortCurrentRender sends abort to the agent and transitions to
// Aborting. It is a no-op if nothing is active.
func (c *Coordinator) AbortCurrentRender(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return
	}
	c.state = Aborting
	if err := c.agent.SendAbort(reason); err != nil {
		c.log.Warn("render", "failed to send abort to agent", "node_id", c.nodeID, "error", err)
	}
}

// Pump drains inbound agent messages and advances the state machine.
// It is called from the supervisor's render-coordinator tick.
func (c *Coordinator) Pump() {
	c.drainAgentMessages()
	c.checkAckTimeout()
	c.checkRenderTimeout()
	c.maybeDispatchNext()
	c.maybePing()
}

func (c *Coordinator) maybePing() {
	if c.agent != nil && c.agent.IsRunning() && c.agent.PingDue() {
		if err := c.agent.SendPing(); err != nil {
			c.log.Warn("render", "ping failed", "node_id", c.nodeID, "error", err)
		}
	}
}

func (c *Coordinator) maybeDispatchNext() {
	c.mu.Lock()
	if c.state != Idle || c.stopped || len(c.queue) == 0 {
		c.mu.Unlock()
		return
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	c.mu.Unlock()

	c.dispatch(next.manifest, next.chunk)
}

func (c *Coordinator) dispatch(manifest types.JobManifest, chunk types.Chunk) {
	now := c.clk.NowMs()
	taskJSON, paths, err := c.buildTaskJSON(manifest, chunk, now)
	if err != nil {
		c.reports.ReportFailure(types.FailureReport{NodeID: c.nodeID, JobID: manifest.JobID, ChunkID: chunk.ID, Frames: chunk.Frames, Error: err.Error()})
		return
	}

	c.mu.Lock()
	c.state = Dispatched
	c.current = &activeRender{
		manifest:          manifest,
		chunk:             chunk,
		dispatchedAt:      now,
		stdoutLogName:     paths.logPath,
		completedSet:      make(map[int]struct{}),
		originalOutputDir: paths.originalOutputDir,
		stagingOutputDir:  paths.stagingOutputDir,
	}
	c.mu.Unlock()
	c.sink.SetRenderState(types.RenderRendering, manifest.JobID, chunk.ID)

	if err := c.agent.SendStartTask(taskJSON); err != nil {
		c.failChunk(fmt.Sprintf("agent send failed: %v", err))
	}
}

// dispatchPaths holds the side-channel filesystem paths buildTaskJSON
// resolves for one chunk, kept out of the task JSON returned to the
// agent where callers need them separately (the stdout log path, and,
// when staging is enabled, the real output directory to copy back to).
type dispatchPaths struct {
	logPath           string
	originalOutputDir string
	stagingOutputDir  string
}

// buildTaskJSON substitutes {chunk_start}, {chunk_end}, {frame} tokens
// in every template flag value and sets the shared-filesystem stdout
// log destination, per §4.5 step 2. When staging is enabled it also
// substitutes output_dir with a per-chunk staging subdirectory, per
// §4.5 step 3.
func (c *Coordinator) buildTaskJSON(manifest types.JobManifest, chunk types.Chunk, nowMs int64) (json.RawMessage, dispatchPaths, error) {
	var raw map[string]any
	if len(manifest.Template) > 0 {
		if err := json.Unmarshal(manifest.Template, &raw); err != nil {
			return nil, dispatchPaths{}, fmt.Errorf("unmarshal template: %w", err)
		}
	} else {
		raw = map[string]any{}
	}

	substituted := substituteTree(raw, chunk.Frames)
	substituted["job_id"] = string(manifest.JobID)
	substituted["chunk_id"] = chunk.ID
	substituted["frame_start"] = chunk.Frames.Start
	substituted["frame_end"] = chunk.Frames.End

	outputDir := substituteTokens(manifest.OutputDir, chunk.Frames)
	var paths dispatchPaths
	if c.stagingEnabled && c.stagingDir != "" {
		stagingOutputDir := filepath.Join(c.stagingDir, string(manifest.JobID), chunk.Frames.String())
		if err := os.MkdirAll(stagingOutputDir, 0755); err != nil {
			return nil, dispatchPaths{}, fmt.Errorf("create staging dir: %w", err)
		}
		paths.originalOutputDir = outputDir
		paths.stagingOutputDir = stagingOutputDir
		outputDir = stagingOutputDir
	}
	substituted["output_dir"] = outputDir

	logName := fmt.Sprintf("%s_%d.log", chunk.Frames.String(), nowMs)
	logPath := filepath.Join(c.farmRoot, "jobs", string(manifest.JobID), "stdout", string(c.nodeID), logName)
	substituted["stdout_log_path"] = logPath
	paths.logPath = logPath

	data, err := json.Marshal(substituted)
	if err != nil {
		return nil, dispatchPaths{}, fmt.Errorf("marshal task json: %w", err)
	}
	return data, paths, nil
}

func substituteTree(v any, frames types.FrameRange) map[string]any {
	out := make(map[string]any)
	m, ok := v.(map[string]any)
	if !ok {
		return out
	}
	for k, val := range m {
		switch t := val.(type) {
		case string:
			out[k] = substituteTokens(t, frames)
		case map[string]any:
			out[k] = substituteTree(t, frames)
		case []any:
			items := make([]any, len(t))
			for i, e := range t {
				items[i] = substituteTree(map[string]any{"v": e}, frames)["v"]
			}
			out[k] = items
		default:
			out[k] = t
		}
	}
	return out
}

func substituteTokens(s string, frames types.FrameRange) string {
	s = strings.ReplaceAll(s, "{chunk_start}", strconv.Itoa(frames.Start))
	s = strings.ReplaceAll(s, "{chunk_end}", strconv.Itoa(frames.End))
	s = strings.ReplaceAll(s, "{frame}", strconv.Itoa(frames.Start))
	return s
}

func (c *Coordinator) drainAgentMessages() {
	if c.agent == nil {
		return
	}
	for {
		select {
		case msg := <-c.agent.Messages():
			c.handleAgentMessage(msg)
		default:
			return
		}
	}
}

func (c *Coordinator) handleAgentMessage(msg agentipc.AgentMessage) {
	switch msg.Type {
	case agentipc.MsgAck:
		c.onAck()
	case agentipc.MsgFrameCompleted:
		c.onFrameCompleted(msg.Frame)
	case agentipc.MsgStdoutLine:
		c.onStdoutLine(msg.Text)
	case agentipc.MsgChunkCompleted:
		c.onChunkCompleted(msg.ExitCode, msg.ElapsedMs)
	case agentipc.MsgChunkFailed:
		c.failChunk(msg.Error)
	case "disconnected":
		c.onAgentDisconnected()
	case agentipc.MsgState, agentipc.MsgProgress, agentipc.MsgPong:
		// Informational only; surfaced to the UI layer elsewhere.
	}
}

func (c *Coordinator) onAck() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.state != Dispatched {
		return
	}
	c.current.ackReceived = true
	c.current.startedAt = c.clk.NowMs()
	c.state = Rendering
}

func (c *Coordinator) onFrameCompleted(frame int) {
	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		return
	}
	c.current.completedSet[frame] = struct{}{}
	jobID := c.current.manifest.JobID
	chunkID := c.current.chunk.ID
	c.mu.Unlock()

	c.reports.ReportFrame(types.FrameReport{NodeID: c.nodeID, JobID: jobID, ChunkID: chunkID, Frame: frame})
}

func (c *Coordinator) onStdoutLine(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return
	}
	c.current.stdoutBuf = append(c.current.stdoutBuf, line)
	if len(c.current.stdoutBuf) >= 200 {
		c.flushStdoutLocked()
	}
}

// flushStdoutLocked appends buffered stdout lines to the shared log
// file in bounded batches, per §4.5 step 6. Caller holds c.mu.
func (c *Coordinator) flushStdoutLocked() {
	if c.current == nil || len(c.current.stdoutBuf) == 0 {
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.current.stdoutLogName), 0755); err != nil {
		c.log.Error("render", "create stdout log dir failed", "error", err)
		c.current.stdoutBuf = nil
		return
	}
	f, err := os.OpenFile(c.current.stdoutLogName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		c.log.Error("render", "open stdout log failed", "error", err)
		c.current.stdoutBuf = nil
		return
	}
	defer f.Close()
	for _, line := range c.current.stdoutBuf {
		fmt.Fprintln(f, line)
	}
	c.current.stdoutBuf = nil
}

func (c *Coordinator) onChunkCompleted(exitCode int, elapsedMs int64) {
	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		return
	}
	c.flushStdoutLocked()
	manifest, chunk := c.current.manifest, c.current.chunk
	originalOutputDir, stagingOutputDir := c.current.originalOutputDir, c.current.stagingOutputDir
	c.mu.Unlock()

	if exitCode != 0 {
		c.failChunk(fmt.Sprintf("agent exited with code %d", exitCode))
		return
	}

	if originalOutputDir != "" {
		if err := copyDirContents(stagingOutputDir, originalOutputDir); err != nil {
			c.failChunk(fmt.Sprintf("copy staged output back failed: %v", err))
			return
		}
	}

	c.mu.Lock()
	c.state = Completing
	c.mu.Unlock()

	c.reports.ReportCompletion(types.CompletionReport{NodeID: c.nodeID, JobID: manifest.JobID, ChunkID: chunk.ID, Frames: chunk.Frames, ElapsedMs: elapsedMs, ExitCode: exitCode})
	c.finishCurrent()
}

// copyDirContents recursively copies every file under src into dst,
// used to move a staged chunk's rendered output back to the job's
// real output directory once the chunk reports success.
func copyDirContents(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

func (c *Coordinator) failChunk(reason string) {
	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		return
	}
	c.flushStdoutLocked()
	manifest, chunk := c.current.manifest, c.current.chunk
	c.mu.Unlock()

	c.reports.ReportFailure(types.FailureReport{NodeID: c.nodeID, JobID: manifest.JobID, ChunkID: chunk.ID, Frames: chunk.Frames, Error: reason})
	c.finishCurrent()
}

func (c *Coordinator) finishCurrent() {
	c.mu.Lock()
	c.current = nil
	c.state = Idle
	c.mu.Unlock()
	c.sink.SetRenderState(types.RenderIdle, "", 0)
}

func (c *Coordinator) onAgentDisconnected() {
	c.mu.Lock()
	active := c.current != nil
	c.mu.Unlock()
	if active {
		c.failChunk("agent disconnected")
	}
}

func (c *Coordinator) checkAckTimeout() {
	c.mu.Lock()
	if c.current == nil || c.state != Dispatched {
		c.mu.Unlock()
		return
	}
	elapsed := c.clk.NowMs() - c.current.dispatchedAt
	timedOut := elapsed > c.ackTimeout.Milliseconds()
	c.mu.Unlock()
	if timedOut {
		c.failChunk("agent did not acknowledge")
	}
}

func (c *Coordinator) checkRenderTimeout() {
	c.mu.Lock()
	if c.current == nil || c.state != Rendering || c.current.manifest.TimeoutSec <= 0 {
		c.mu.Unlock()
		return
	}
	elapsedSec := (c.clk.NowMs() - c.current.startedAt) / 1000
	timedOut := elapsedSec > int64(c.current.manifest.TimeoutSec)
	c.mu.Unlock()
	if timedOut {
		c.mu.Lock()
		c.state = Aborting
		c.mu.Unlock()
		if err := c.agent.SendAbort("timeout"); err != nil {
			c.log.Warn("render", "failed to send timeout abort", "node_id", c.nodeID, "error", err)
		}
		c.failChunk("timeout")
	}
}
