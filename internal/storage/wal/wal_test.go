package wal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/cbkow/mid-render/pkg/types"
)

func TestAppendAndReplayRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.wal")
	w, err := Open(path, true) // sync every append so Replay sees it without a Close
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	type payload struct {
		ChunkID int64 `json:"chunk_id"`
	}
	if err := w.Append(EventCompletion, "job1", payload{ChunkID: 7}, true); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Append(EventFailure, "job1", payload{ChunkID: 8}, true); err != nil {
		t.Fatalf("Append: %v", err)
	}

	var replayed []Event
	if err := w.Replay(func(e Event) error {
		replayed = append(replayed, e)
		return nil
	}); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	if len(replayed) != 2 {
		t.Fatalf("replayed %d events, want 2", len(replayed))
	}
	if replayed[0].Type != EventCompletion || replayed[0].JobID != "job1" {
		t.Errorf("replayed[0] = %+v", replayed[0])
	}
	var p payload
	if err := json.Unmarshal(replayed[1].Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.ChunkID != 8 {
		t.Errorf("replayed[1] payload chunk_id = %d, want 8", p.ChunkID)
	}
}

func TestReplayDetectsChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.wal")
	w, err := Open(path, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Append(EventFrame, "job1", types.FrameReport{JobID: "job1", Frame: 5}, true); err != nil {
		t.Fatalf("Append: %v", err)
	}
	w.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var e Event
	if err := json.Unmarshal(raw[:len(raw)-1], &e); err != nil { // strip trailing newline
		t.Fatalf("unmarshal: %v", err)
	}
	e.Checksum ^= 0xFF // corrupt it
	tampered, _ := json.Marshal(e)
	tampered = append(tampered, '\n')
	if err := os.WriteFile(path, tampered, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	w2, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w2.Close()
	err = w2.Replay(func(Event) error { return nil })
	if err != ErrChecksumMismatch {
		t.Errorf("Replay error = %v, want ErrChecksumMismatch", err)
	}
}

func TestRotateResetsSeqAndClearsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.wal")
	w, err := Open(path, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	if err := w.Append(EventCompletion, "job1", types.CompletionReport{JobID: "job1"}, true); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if w.GetLastSeq() != 1 {
		t.Fatalf("seq = %d, want 1", w.GetLastSeq())
	}

	if err := w.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if w.GetLastSeq() != 0 {
		t.Errorf("seq after rotate = %d, want 0", w.GetLastSeq())
	}

	stat, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if stat.Size() != 0 {
		t.Errorf("file size after rotate = %d, want 0", stat.Size())
	}

	if err := w.Append(EventCompletion, "job2", types.CompletionReport{JobID: "job2"}, true); err != nil {
		t.Fatalf("Append after rotate: %v", err)
	}
	if w.GetLastSeq() != 1 {
		t.Errorf("seq after post-rotate append = %d, want 1", w.GetLastSeq())
	}
}

func TestOpenResumesSeqFromExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.wal")
	w, err := Open(path, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := w.Append(EventFrame, "job1", types.FrameReport{JobID: "job1", Frame: i}, true); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	w.Close()

	w2, err := Open(path, true)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()
	if w2.GetLastSeq() != 3 {
		t.Errorf("seq after reopen = %d, want 3", w2.GetLastSeq())
	}
}
