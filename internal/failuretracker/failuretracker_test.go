package failuretracker

import "testing"

func TestSuspendsAfterThreshold(t *testing.T) {
	tr := New()
	base := int64(1_000_000)

	for i := 0; i < SuspendThreshold-1; i++ {
		tr.RecordFailure("nodeA", base+int64(i)*1000)
		if tr.IsSuspended("nodeA") {
			t.Fatalf("suspended too early at failure %d", i+1)
		}
	}
	tr.RecordFailure("nodeA", base+int64(SuspendThreshold)*1000)
	if !tr.IsSuspended("nodeA") {
		t.Fatal("expected node suspended after threshold failures")
	}
}

func TestWindowResets(t *testing.T) {
	tr := New()
	base := int64(1_000_000)

	tr.RecordFailure("nodeA", base)
	tr.RecordFailure("nodeA", base+1000)
	tr.RecordFailure("nodeA", base+2000)

	// Jump far outside the window; count should reset to 1.
	tr.RecordFailure("nodeA", base+SuspendWindowMs+10_000)

	rec, ok := tr.GetRecord("nodeA")
	if !ok {
		t.Fatal("expected record to exist")
	}
	if rec.FailureCount != 1 {
		t.Errorf("got failure count %d, want 1 after window reset", rec.FailureCount)
	}
	if rec.Suspended {
		t.Error("should not be suspended after window reset")
	}
}

func TestClearNode(t *testing.T) {
	tr := New()
	for i := 0; i < SuspendThreshold; i++ {
		tr.RecordFailure("nodeA", int64(i)*1000)
	}
	if !tr.IsSuspended("nodeA") {
		t.Fatal("expected suspended before clear")
	}
	tr.ClearNode("nodeA")
	if tr.IsSuspended("nodeA") {
		t.Error("expected not suspended after ClearNode")
	}
	if _, ok := tr.GetRecord("nodeA"); ok {
		t.Error("expected record removed after ClearNode")
	}
}

func TestGetSuspended(t *testing.T) {
	tr := New()
	for i := 0; i < SuspendThreshold; i++ {
		tr.RecordFailure("nodeA", int64(i)*1000)
	}
	tr.RecordFailure("nodeB", 0)

	suspended := tr.GetSuspended()
	if _, ok := suspended["nodeA"]; !ok {
		t.Error("expected nodeA in suspended set")
	}
	if _, ok := suspended["nodeB"]; ok {
		t.Error("did not expect nodeB in suspended set")
	}
}

func TestIsSuspendedUnknownNode(t *testing.T) {
	tr := New()
	if tr.IsSuspended("ghost") {
		t.Error("unknown node should not be suspended")
	}
}
