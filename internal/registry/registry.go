// Package registry holds the authoritative, read-mostly view of every
// peer MidRender knows about: itself plus every node discovered via
// the shared-filesystem endpoint files or UDP multicast. Grounded on
// the original implementation's PeerManager.
package registry

import (
	"sync"

	"github.com/cbkow/mid-render/internal/clock"
	"github.com/cbkow/mid-render/pkg/types"
)

const (
	// freshUDPWindowMs is how recent a UDP contact must be to skip HTTP
	// polling for that peer.
	freshUDPWindowMs int64 = 9000
	// staleUDPWindowMs is how old a UDP contact must get before the
	// registry falls back to HTTP polling again.
	staleUDPWindowMs int64 = 15000
	// maxFailedPolls is the consecutive HTTP poll failure count that
	// flips a peer to not-alive.
	maxFailedPolls = 3
)

// Registry is the mutex-guarded peer map. Readers take a Snapshot;
// writers go through the Process*/Set* methods.
type Registry struct {
	mu    sync.RWMutex
	self  types.NodeID
	peers map[types.NodeID]*types.PeerInfo
	clk   clock.Clock
}

// New builds a Registry for the local node self.
func New(self types.NodeID, local types.PeerInfo, clk clock.Clock) *Registry {
	local.NodeID = self
	local.IsLocal = true
	local.IsAlive = true
	r := &Registry{
		self:  self,
		peers: make(map[types.NodeID]*types.PeerInfo),
		clk:   clk,
	}
	r.peers[self] = &local
	return r
}

// Snapshot returns a copy of every known peer, including self.
func (r *Registry) Snapshot() []types.PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}

// Self returns the local node's current record.
func (r *Registry) Self() types.PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return *r.peers[r.self]
}

// Get returns the peer record for id, if known.
func (r *Registry) Get(id types.NodeID) (types.PeerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return types.PeerInfo{}, false
	}
	return *p, true
}

// SetRenderState updates the local node's render state plus active
// job/chunk.
func (r *Registry) SetRenderState(state types.RenderState, job types.JobID, chunk int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	self := r.peers[r.self]
	self.RenderState = state
	self.ActiveJob = job
	self.ActiveChunk = chunk
}

// SetNodeState updates the local node's node state (active/stopped).
func (r *Registry) SetNodeState(state types.NodeState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[r.self].NodeState = state
}

// SetLocalPriority updates the local node's dispatch priority.
func (r *Registry) SetLocalPriority(priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[r.self].Priority = priority
}

// SetPeerNodeState optimistically updates a remote peer's node state
// ahead of its next heartbeat/poll, used by the mesh's remote stop/
// start buttons so the UI doesn't wait a full liveness cycle.
func (r *Registry) SetPeerNodeState(id types.NodeID, state types.NodeState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		p.NodeState = state
	}
}

// SetLeader marks exactly id as leader among all known peers.
func (r *Registry) SetLeader(id types.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for nid, p := range r.peers {
		p.IsLeader = nid == id
	}
}

// IsLeader reports whether the local node is currently marked leader.
func (r *Registry) IsLeader() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[r.self].IsLeader
}

// LeaderEndpoint returns the current leader's mesh endpoint and whether
// the leader is this node. ok is false if no peer is marked leader yet.
func (r *Registry) LeaderEndpoint() (endpoint string, isSelf bool, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for nid, p := range r.peers {
		if p.IsLeader {
			return p.Endpoint, nid == r.self, true
		}
	}
	return "", false, false
}

// upsert finds-or-creates the peer record for id.
func (r *Registry) upsert(id types.NodeID) *types.PeerInfo {
	p, ok := r.peers[id]
	if !ok {
		p = &types.PeerInfo{NodeID: id}
		r.peers[id] = p
	}
	return p
}

// ProcessUDPHeartbeat upserts a peer record from an inbound heartbeat
// frame's fast-path fields.
func (r *Registry) ProcessUDPHeartbeat(id types.NodeID, ip string, port int, nodeState types.NodeState, renderState types.RenderState, job types.JobID, chunk int64, priority int) {
	if id == r.self {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.upsert(id)
	now := r.clk.NowMs()
	p.Endpoint = ip
	p.NodeState = nodeState
	p.RenderState = renderState
	p.ActiveJob = job
	p.ActiveChunk = chunk
	p.Priority = priority
	p.IsAlive = true
	p.HasUDPContact = true
	p.LastUDPContactMs = now
	p.LastSeenMs = now
	p.Origin = types.OriginUDP
	_ = port
}

// ProcessUDPGoodbye marks a peer not-alive on receipt of a goodbye frame.
func (r *Registry) ProcessUDPGoodbye(id types.NodeID) {
	if id == r.self {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		p.IsAlive = false
	}
}

// UpsertFromEndpointFile inserts or refreshes a minimal peer record
// discovered by scanning the shared-filesystem endpoint directory.
// It never marks a peer alive by itself (endpoint files are the slow
// discovery path; liveness is still decided by the poll loop).
func (r *Registry) UpsertFromEndpointFile(ep types.PeerEndpoint) {
	if ep.NodeID == r.self {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.upsert(ep.NodeID)
	if p.Endpoint == "" {
		p.Endpoint = ep.IP
	}
	if p.Origin == "" {
		p.Origin = types.OriginEndpointFile
	}
}

// PollResult is what the liveness loop learns about one peer's /status
// endpoint each cycle.
type PollResult struct {
	NodeID   types.NodeID
	Success  bool
	Hardware types.HardwareInfo
	Full     *types.PeerInfo // non-nil on success: the peer's self-reported record
}

// ApplyPollResults advances the liveness state machine for every peer
// that was due for an HTTP poll this cycle.
func (r *Registry) ApplyPollResults(results []PollResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clk.NowMs()
	for _, res := range results {
		p, ok := r.peers[res.NodeID]
		if !ok {
			continue
		}
		if res.Success {
			p.FailedPolls = 0
			p.IsAlive = true
			p.LastSeenMs = now
			p.Hardware = res.Hardware
			if res.Full != nil {
				preserveRuntime := *p
				*p = *res.Full
				p.NodeID = res.NodeID
				p.IsLocal = false
				p.FailedPolls = preserveRuntime.FailedPolls
				p.IsAlive = true
				p.IsLeader = preserveRuntime.IsLeader
				p.LastSeenMs = now
				p.HasUDPContact = preserveRuntime.HasUDPContact
				p.LastUDPContactMs = preserveRuntime.LastUDPContactMs
				p.Origin = types.OriginHTTP
			}
		} else {
			p.FailedPolls++
			if p.FailedPolls >= maxFailedPolls {
				p.IsAlive = false
			}
		}
	}
}

// DueForHTTPPoll returns the peer IDs that need an HTTP /status poll
// this cycle: every known peer except self whose UDP contact is
// missing or stale.
func (r *Registry) DueForHTTPPoll() []types.NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clk.NowMs()
	var due []types.NodeID
	for id, p := range r.peers {
		if id == r.self {
			continue
		}
		if p.HasUDPContact && now-p.LastUDPContactMs > staleUDPWindowMs {
			p.HasUDPContact = false
		}
		if p.HasUDPContact && now-p.LastUDPContactMs <= freshUDPWindowMs {
			continue
		}
		due = append(due, id)
	}
	return due
}

// GarbageCollect removes peers that are both not-alive and absent from
// the shared-filesystem endpoint directory, per the registry's stale-
// entry eviction rule. liveEndpointDirs is the current set of node IDs
// with an endpoint.json on disk.
func (r *Registry) GarbageCollect(liveEndpointDirs map[types.NodeID]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, p := range r.peers {
		if id == r.self || p.IsAlive {
			continue
		}
		if _, hasFile := liveEndpointDirs[id]; hasFile {
			continue
		}
		delete(r.peers, id)
	}
}

// AlivePeers returns every peer (including self) currently alive.
func (r *Registry) AlivePeers() []types.PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.PeerInfo
	for _, p := range r.peers {
		if p.IsAlive {
			out = append(out, *p)
		}
	}
	return out
}
