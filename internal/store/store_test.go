package store

import (
	"path/filepath"
	"testing"

	"github.com/cbkow/mid-render/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func submitJob(t *testing.T, s *Store, id types.JobID, start, end, chunkSize int) types.JobManifest {
	t.Helper()
	m := types.JobManifest{
		JobID:      id,
		Frames:     types.FrameRange{Start: start, End: end},
		ChunkSize:  chunkSize,
		MaxRetries: 2,
	}
	if err := s.InsertJob(m, 0, 1000); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	if err := s.InsertChunks(id, m.SplitChunks()); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}
	return m
}

func TestInsertJobAndChunksPartition(t *testing.T) {
	s := newTestStore(t)
	submitJob(t, s, "shot_010", 1, 11, 5)

	chunks, err := s.GetChunksForJob("shot_010")
	if err != nil {
		t.Fatalf("GetChunksForJob: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	want := []types.FrameRange{{Start: 1, End: 5}, {Start: 6, End: 10}, {Start: 11, End: 11}}
	for i, c := range chunks {
		if c.Frames != want[i] {
			t.Errorf("chunk %d = %+v, want %+v", i, c.Frames, want[i])
		}
		if c.State != types.ChunkPending {
			t.Errorf("chunk %d state = %v, want pending", i, c.State)
		}
	}
}

func TestAssignThenCompleteChunk(t *testing.T) {
	s := newTestStore(t)
	submitJob(t, s, "shot_010", 1, 10, 5)

	chunk, manifest, ok, err := s.FindNextPendingChunkForNode(nil, "nodeA")
	if err != nil || !ok {
		t.Fatalf("FindNextPendingChunkForNode: ok=%v err=%v", ok, err)
	}
	if manifest.JobID != "shot_010" {
		t.Fatalf("got manifest job %q, want shot_010", manifest.JobID)
	}

	changed, err := s.AssignChunk(chunk.ID, "nodeA", 2000)
	if err != nil || !changed {
		t.Fatalf("AssignChunk: changed=%v err=%v", changed, err)
	}

	// Idempotent completion (Property P2).
	if err := s.CompleteChunk("shot_010", chunk.Frames.Start, chunk.Frames.End, 3000); err != nil {
		t.Fatalf("CompleteChunk: %v", err)
	}
	if err := s.CompleteChunk("shot_010", chunk.Frames.Start, chunk.Frames.End, 4000); err != nil {
		t.Fatalf("second CompleteChunk: %v", err)
	}

	chunks, _ := s.GetChunksForJob("shot_010")
	if chunks[0].State != types.ChunkCompleted {
		t.Errorf("got state %v, want completed", chunks[0].State)
	}
	if chunks[0].CompletedAtMs != 3000 {
		t.Errorf("second complete call overwrote completed_at: got %d, want 3000", chunks[0].CompletedAtMs)
	}
}

func TestFailChunkRetryBound(t *testing.T) {
	s := newTestStore(t)
	submitJob(t, s, "shot_010", 1, 5, 5) // one chunk, max_retries=2

	// A node that failed the chunk is blacklisted for it, so the second
	// attempt runs on a different node.
	for i, node := range []types.NodeID{"nodeA", "nodeB"} {
		chunk, _, ok, err := s.FindNextPendingChunkForNode(nil, node)
		if err != nil || !ok {
			t.Fatalf("attempt %d: FindNextPendingChunkForNode ok=%v err=%v", i, ok, err)
		}
		if _, err := s.AssignChunk(chunk.ID, node, int64(i)); err != nil {
			t.Fatalf("AssignChunk: %v", err)
		}
		if err := s.FailChunk("shot_010", 1, 5, 2, node); err != nil {
			t.Fatalf("FailChunk: %v", err)
		}
	}

	chunks, _ := s.GetChunksForJob("shot_010")
	if chunks[0].State != types.ChunkFailed {
		t.Errorf("got state %v, want failed after 2 retries at max_retries=2", chunks[0].State)
	}
	if chunks[0].RetryCount != 2 {
		t.Errorf("got retry_count %d, want 2", chunks[0].RetryCount)
	}
	if !chunks[0].BlacklistContains("nodeA") {
		t.Error("expected nodeA in blacklist")
	}
}

func TestFailChunkBelowMaxReturnsToPending(t *testing.T) {
	s := newTestStore(t)
	submitJob(t, s, "shot_010", 1, 5, 5) // max_retries=2

	chunk, _, ok, err := s.FindNextPendingChunkForNode(nil, "nodeA")
	if err != nil || !ok {
		t.Fatalf("FindNextPendingChunkForNode: ok=%v err=%v", ok, err)
	}
	if _, err := s.AssignChunk(chunk.ID, "nodeA", 0); err != nil {
		t.Fatalf("AssignChunk: %v", err)
	}
	if err := s.FailChunk("shot_010", 1, 5, 2, "nodeA"); err != nil {
		t.Fatalf("FailChunk: %v", err)
	}

	chunks, _ := s.GetChunksForJob("shot_010")
	if chunks[0].State != types.ChunkPending {
		t.Errorf("got state %v, want pending (retry 1 < max 2)", chunks[0].State)
	}
	if chunks[0].AssignedTo != "" {
		t.Error("expected assigned_to cleared on fail-to-pending")
	}
}

func TestFindNextPendingChunkSkipsBlacklistedNode(t *testing.T) {
	s := newTestStore(t)
	submitJob(t, s, "shot_010", 1, 5, 5)

	chunk, _, _, _ := s.FindNextPendingChunkForNode(nil, "nodeA")
	s.AssignChunk(chunk.ID, "nodeA", 0)
	s.FailChunk("shot_010", 1, 5, 5, "nodeA") // back to pending, nodeA blacklisted

	_, _, ok, err := s.FindNextPendingChunkForNode(nil, "nodeA")
	if err != nil {
		t.Fatalf("FindNextPendingChunkForNode: %v", err)
	}
	if ok {
		t.Error("expected nodeA not to be offered its own blacklisted chunk")
	}

	_, _, ok, err = s.FindNextPendingChunkForNode(nil, "nodeB")
	if err != nil || !ok {
		t.Fatalf("expected nodeB to be offered the chunk: ok=%v err=%v", ok, err)
	}
}

func TestFindNextPendingChunkRespectsTags(t *testing.T) {
	s := newTestStore(t)
	m := types.JobManifest{
		JobID:        "shot_gpu",
		Frames:       types.FrameRange{Start: 1, End: 5},
		ChunkSize:    5,
		MaxRetries:   2,
		TagsRequired: []string{"gpu"},
	}
	if err := s.InsertJob(m, 0, 1000); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	if err := s.InsertChunks(m.JobID, m.SplitChunks()); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}

	_, _, ok, err := s.FindNextPendingChunkForNode([]string{"cpu"}, "nodeA")
	if err != nil {
		t.Fatalf("FindNextPendingChunkForNode: %v", err)
	}
	if ok {
		t.Error("node without gpu tag should not be offered this chunk")
	}

	_, _, ok, err = s.FindNextPendingChunkForNode([]string{"gpu", "linux"}, "nodeA")
	if err != nil || !ok {
		t.Fatalf("node with gpu tag should be offered this chunk: ok=%v err=%v", ok, err)
	}
}

func TestReassignDeadWorkerChunksDoesNotTouchRetryOrBlacklist(t *testing.T) {
	s := newTestStore(t)
	submitJob(t, s, "shot_010", 1, 5, 5)

	chunk, _, _, _ := s.FindNextPendingChunkForNode(nil, "nodeA")
	s.AssignChunk(chunk.ID, "nodeA", 0)

	n, err := s.ReassignDeadWorkerChunks("nodeA")
	if err != nil {
		t.Fatalf("ReassignDeadWorkerChunks: %v", err)
	}
	if n != 1 {
		t.Fatalf("got %d reassigned, want 1", n)
	}

	chunks, _ := s.GetChunksForJob("shot_010")
	if chunks[0].State != types.ChunkPending {
		t.Errorf("got state %v, want pending", chunks[0].State)
	}
	if chunks[0].RetryCount != 0 {
		t.Errorf("got retry_count %d, want 0 (transport failure is not a render failure)", chunks[0].RetryCount)
	}
	if chunks[0].BlacklistContains("nodeA") {
		t.Error("node should not be blacklisted after a dead-worker reassignment")
	}
}

func TestIsJobComplete(t *testing.T) {
	s := newTestStore(t)
	submitJob(t, s, "shot_010", 1, 10, 5) // 2 chunks

	complete, err := s.IsJobComplete("shot_010")
	if err != nil {
		t.Fatalf("IsJobComplete: %v", err)
	}
	if complete {
		t.Error("job should not be complete with pending chunks")
	}

	chunks, _ := s.GetChunksForJob("shot_010")
	for _, c := range chunks {
		s.AssignChunk(c.ID, "nodeA", 0)
		s.CompleteChunk("shot_010", c.Frames.Start, c.Frames.End, 1)
	}

	complete, err = s.IsJobComplete("shot_010")
	if err != nil {
		t.Fatalf("IsJobComplete: %v", err)
	}
	if !complete {
		t.Error("job should be complete once every chunk is completed")
	}
}

func TestIsJobCompleteAllFailedStaysIncomplete(t *testing.T) {
	s := newTestStore(t)
	submitJob(t, s, "shot_010", 1, 5, 5) // 1 chunk, max_retries=2

	chunk, _, _, _ := s.FindNextPendingChunkForNode(nil, "nodeA")
	s.AssignChunk(chunk.ID, "nodeA", 0)
	s.FailChunk("shot_010", 1, 5, 1, "nodeA") // max_retries=1 -> terminal failed immediately

	complete, err := s.IsJobComplete("shot_010")
	if err != nil {
		t.Fatalf("IsJobComplete: %v", err)
	}
	if complete {
		t.Error("a job whose only chunk failed should not be reported complete (needs >=1 completed)")
	}
}

func TestAddCompletedFrames(t *testing.T) {
	s := newTestStore(t)
	submitJob(t, s, "shot_010", 1, 10, 5)

	if err := s.AddCompletedFrames("shot_010", []int{3, 1, 3, 5}); err != nil {
		t.Fatalf("AddCompletedFrames: %v", err)
	}

	chunks, _ := s.GetChunksForJob("shot_010")
	if got := chunks[0].CompletedFrames; len(got) != 3 {
		t.Errorf("got %v, want 3 unique sorted frames", got)
	}
}

func TestSnapshotAndRestore(t *testing.T) {
	s := newTestStore(t)
	submitJob(t, s, "shot_010", 1, 10, 5)

	snapPath := filepath.Join(t.TempDir(), "snapshot.db")
	if err := s.SnapshotTo(snapPath); err != nil {
		t.Fatalf("SnapshotTo: %v", err)
	}

	restored, err := RestoreFrom(snapPath, filepath.Join(t.TempDir(), "restored.db"))
	if err != nil {
		t.Fatalf("RestoreFrom: %v", err)
	}
	defer restored.Close()

	chunks, err := restored.GetChunksForJob("shot_010")
	if err != nil {
		t.Fatalf("GetChunksForJob after restore: %v", err)
	}
	if len(chunks) != 2 {
		t.Errorf("got %d chunks after restore, want 2", len(chunks))
	}
}

func TestDeleteJobCascadesChunks(t *testing.T) {
	s := newTestStore(t)
	submitJob(t, s, "shot_010", 1, 10, 5)

	if err := s.DeleteJob("shot_010"); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	chunks, err := s.GetChunksForJob("shot_010")
	if err != nil {
		t.Fatalf("GetChunksForJob: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("got %d chunks after delete, want 0", len(chunks))
	}
}
