package registry

import (
	"testing"
	"time"

	"github.com/cbkow/mid-render/internal/clock"
	"github.com/cbkow/mid-render/pkg/types"
)

func newTestRegistry() (*Registry, *clock.Fake) {
	fc := clock.NewFake(time.Unix(1_700_000_000, 0))
	r := New("self", types.PeerInfo{NodeState: types.NodeActive, RenderState: types.RenderIdle}, fc)
	return r, fc
}

func TestSelfIsLocalAndAlive(t *testing.T) {
	r, _ := newTestRegistry()
	self := r.Self()
	if !self.IsLocal || !self.IsAlive {
		t.Errorf("expected local self to be marked local and alive, got %+v", self)
	}
}

func TestProcessUDPHeartbeatUpserts(t *testing.T) {
	r, fc := newTestRegistry()
	r.ProcessUDPHeartbeat("peerA", "10.0.0.2", 8420, types.NodeActive, types.RenderIdle, "", 0, 100)

	p, ok := r.Get("peerA")
	if !ok {
		t.Fatal("expected peerA to be registered")
	}
	if !p.IsAlive || !p.HasUDPContact {
		t.Errorf("expected peerA alive with udp contact, got %+v", p)
	}
	if p.LastUDPContactMs != fc.NowMs() {
		t.Errorf("got last udp contact %d, want %d", p.LastUDPContactMs, fc.NowMs())
	}
}

func TestProcessUDPGoodbyeMarksNotAlive(t *testing.T) {
	r, _ := newTestRegistry()
	r.ProcessUDPHeartbeat("peerA", "10.0.0.2", 8420, types.NodeActive, types.RenderIdle, "", 0, 100)
	r.ProcessUDPGoodbye("peerA")

	p, _ := r.Get("peerA")
	if p.IsAlive {
		t.Error("expected peerA not alive after goodbye")
	}
}

func TestDueForHTTPPollSkipsFreshUDP(t *testing.T) {
	r, _ := newTestRegistry()
	r.ProcessUDPHeartbeat("peerA", "10.0.0.2", 8420, types.NodeActive, types.RenderIdle, "", 0, 100)

	due := r.DueForHTTPPoll()
	for _, id := range due {
		if id == "peerA" {
			t.Error("peerA has fresh udp contact, should not be due for poll")
		}
	}
}

func TestDueForHTTPPollAfterStaleUDP(t *testing.T) {
	r, fc := newTestRegistry()
	r.ProcessUDPHeartbeat("peerA", "10.0.0.2", 8420, types.NodeActive, types.RenderIdle, "", 0, 100)

	fc.Advance(20 * time.Second)
	due := r.DueForHTTPPoll()
	found := false
	for _, id := range due {
		if id == "peerA" {
			found = true
		}
	}
	if !found {
		t.Error("expected peerA due for poll after udp contact went stale")
	}
}

func TestApplyPollResultsFailureFlipsAlive(t *testing.T) {
	r, _ := newTestRegistry()
	r.ProcessUDPHeartbeat("peerA", "10.0.0.2", 8420, types.NodeActive, types.RenderIdle, "", 0, 100)
	r.ProcessUDPGoodbye("peerA") // not alive, but still registered

	for i := 0; i < maxFailedPolls; i++ {
		r.ApplyPollResults([]PollResult{{NodeID: "peerA", Success: false}})
	}
	p, _ := r.Get("peerA")
	if p.IsAlive {
		t.Error("expected peerA not alive after max consecutive failed polls")
	}
	if p.FailedPolls != maxFailedPolls {
		t.Errorf("got %d failed polls, want %d", p.FailedPolls, maxFailedPolls)
	}
}

func TestGarbageCollectRemovesDeadWithNoEndpointFile(t *testing.T) {
	r, _ := newTestRegistry()
	r.ProcessUDPHeartbeat("peerA", "10.0.0.2", 8420, types.NodeActive, types.RenderIdle, "", 0, 100)
	r.ProcessUDPGoodbye("peerA")

	r.GarbageCollect(map[types.NodeID]struct{}{})
	if _, ok := r.Get("peerA"); ok {
		t.Error("expected peerA evicted: not alive and no endpoint file")
	}
}

func TestGarbageCollectKeepsDeadWithEndpointFile(t *testing.T) {
	r, _ := newTestRegistry()
	r.ProcessUDPHeartbeat("peerA", "10.0.0.2", 8420, types.NodeActive, types.RenderIdle, "", 0, 100)
	r.ProcessUDPGoodbye("peerA")

	r.GarbageCollect(map[types.NodeID]struct{}{"peerA": {}})
	if _, ok := r.Get("peerA"); !ok {
		t.Error("expected peerA retained: endpoint file still present")
	}
}

func TestSetLeaderExclusive(t *testing.T) {
	r, _ := newTestRegistry()
	r.ProcessUDPHeartbeat("peerA", "10.0.0.2", 8420, types.NodeActive, types.RenderIdle, "", 0, 100)

	r.SetLeader("peerA")
	snap := r.Snapshot()
	leaders := 0
	for _, p := range snap {
		if p.IsLeader {
			leaders++
			if p.NodeID != "peerA" {
				t.Errorf("unexpected leader %q", p.NodeID)
			}
		}
	}
	if leaders != 1 {
		t.Errorf("got %d leaders, want exactly 1", leaders)
	}
}
