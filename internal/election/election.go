// Package election computes the farm's leader as a pure function of
// the current peer view: no voting, no log replication. Every live
// node runs the same function over the same inputs and converges on
// the same winner independently. This intentionally replaces the
// teacher's Raft vote-counting core (internal/raft in the teacher
// tree) rather than adapting it — a deterministic rank function has
// no vote-counting, term, or log-replication state to keep.
package election

import (
	"sort"

	"github.com/cbkow/mid-render/pkg/types"
)

const (
	tagLeader   = "leader"
	tagNoLeader = "noleader"
)

// rankKey is the ordering key for a candidate under the peer set's
// election rules:
//  1. nodes tagged "leader" sort first
//  2. nodes tagged "noleader" sort last
//  3. ties break lexicographically by node ID
type rankKey struct {
	preferred bool
	deferred  bool
	id        types.NodeID
}

func rankOf(p types.PeerInfo) rankKey {
	return rankKey{
		preferred: hasTag(p.Tags, tagLeader),
		deferred:  hasTag(p.Tags, tagNoLeader),
		id:        p.NodeID,
	}
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// less implements the three-step comparison: preferred-first,
// deferred-last, then lexicographic node ID.
func (a rankKey) less(b rankKey) bool {
	if a.preferred != b.preferred {
		return a.preferred // true (preferred) sorts before false
	}
	if a.deferred != b.deferred {
		return !a.deferred // false (not deferred) sorts before true
	}
	return a.id < b.id
}

// Elect returns the winning node ID among candidates, which must
// include every currently-alive peer plus self. A stopped node is
// still eligible — election only coordinates, it does not require the
// winner to render.
func Elect(candidates []types.PeerInfo) types.NodeID {
	if len(candidates) == 0 {
		return ""
	}
	sorted := make([]types.PeerInfo, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		return rankOf(sorted[i]).less(rankOf(sorted[j]))
	})
	return sorted[0].NodeID
}

// Transition describes what changed after recomputing the leader.
type Transition int

const (
	NoChange Transition = iota
	BecameLeader
	LostLeadership
)

// Recompute elects a winner from candidates and compares it to self,
// returning the winner and what changed relative to wasLeader.
func Recompute(self types.NodeID, candidates []types.PeerInfo, wasLeader bool) (winner types.NodeID, transition Transition) {
	winner = Elect(candidates)
	isLeader := winner == self
	switch {
	case isLeader && !wasLeader:
		return winner, BecameLeader
	case !isLeader && wasLeader:
		return winner, LostLeadership
	default:
		return winner, NoChange
	}
}
