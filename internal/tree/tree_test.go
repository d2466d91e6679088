package tree

import "testing"

func commit(t *Tree, thoughts, action string, prop Property) *Node {
	n, err := t.CreateTempNode(thoughts, action, prop)
	if err != nil {
		panic(err)
	}
	t.SetReflection(true, "", "")
	t.CommitAdmissible()
	return n
}

// S1: commit three admissible nodes A->B->C.
func TestLinearCommits(t *testing.T) {
	tr := New(3)
	a := commit(tr, "t1", "a1", PropertyNone)
	b := commit(tr, "t2", "a2", PropertyNone)
	c := commit(tr, "t3", "a3", PropertyNone)

	path := tr.GetPathFromRootToCurrent()
	if len(path) != 3 || path[0] != a || path[1] != b || path[2] != c {
		t.Fatalf("unexpected path: %+v", path)
	}

	chain := tr.GetReasoningChain()
	if len(chain) != 3 || chain[0] != a || chain[1] != b || chain[2] != c {
		t.Fatalf("unexpected reasoning chain: %+v", chain)
	}

	if rejected := tr.GetRejectedActions(); len(rejected) != 0 {
		t.Fatalf("expected no rejected actions, got %+v", rejected)
	}
}

// S2: max_invalid = 2. Commit A, then two commit_invalid under A.
func TestInvalidOverflow(t *testing.T) {
	tr := New(2)
	a := commit(tr, "t1", "a1", PropertyNone)

	if _, err := tr.CreateTempNode("bad1", "x1", PropertyNone); err != nil {
		t.Fatalf("CreateTempNode: %v", err)
	}
	tr.SetReflection(false, "no good", "")
	if overflow := tr.CommitInvalid(); overflow {
		t.Fatalf("first invalid should not overflow")
	}

	if _, err := tr.CreateTempNode("bad2", "x2", PropertyNone); err != nil {
		t.Fatalf("CreateTempNode: %v", err)
	}
	tr.SetReflection(false, "still no good", "")
	if overflow := tr.CommitInvalid(); !overflow {
		t.Fatalf("second invalid should report overflow at max_invalid")
	}

	if len(a.InvalidOps) != 2 {
		t.Fatalf("expected 2 invalid ops under A, got %d", len(a.InvalidOps))
	}
	if tr.Current() != a {
		t.Fatalf("current should remain at A after invalid commits")
	}
}

// S3: commit A (EXPLORATORY), B (EXPLOITATIVE), C (EXPLOITATIVE); backtrack to A; commit D.
func TestBacktrack(t *testing.T) {
	tr := New(3)
	a := commit(tr, "t1", "a1", PropertyExploratory)
	b := commit(tr, "t2", "a2", PropertyExploitative)
	commit(tr, "t3", "a3", PropertyExploitative)

	target := tr.FindBacktrackTarget()
	if target != a {
		t.Fatalf("expected backtrack target A, got %+v", target)
	}

	tr.BacktrackTo(target, "dead")
	if !b.DeadPath {
		t.Fatalf("expected B.dead_path == true")
	}
	if len(a.DeadPathSummaries) != 1 || a.DeadPathSummaries[0] != "dead" {
		t.Fatalf("expected A.dead_path_summaries == [\"dead\"], got %+v", a.DeadPathSummaries)
	}
	if tr.Current() != a {
		t.Fatalf("expected current == A after backtrack")
	}

	d := commit(tr, "t4", "a4", PropertyExploitative)
	chain := tr.GetReasoningChain()
	if len(chain) != 2 || chain[0] != a || chain[1] != d {
		t.Fatalf("expected reasoning chain [A, D], got %+v", chain)
	}
}

func TestCreateTempNodeRejectsWhilePending(t *testing.T) {
	tr := New(3)
	if _, err := tr.CreateTempNode("t", "a", PropertyNone); err != nil {
		t.Fatalf("CreateTempNode: %v", err)
	}
	if _, err := tr.CreateTempNode("t2", "a2", PropertyNone); err != ErrPendingExists {
		t.Fatalf("expected ErrPendingExists, got %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	tr := New(2)
	commit(tr, "t1", "a1", PropertyExploratory)
	commit(tr, "t2", "a2", PropertyExploitative)

	if _, err := tr.CreateTempNode("bad", "x", PropertyNone); err != nil {
		t.Fatalf("CreateTempNode: %v", err)
	}
	tr.SetReflection(false, "nope", "")
	tr.CommitInvalid()

	data, err := MarshalSnapshot(tr.Snapshot())
	if err != nil {
		t.Fatalf("MarshalSnapshot: %v", err)
	}

	restored, err := Restore(data)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}

	origPath := tr.GetPathFromRootToCurrent()
	restoredPath := restored.GetPathFromRootToCurrent()
	if len(origPath) != len(restoredPath) {
		t.Fatalf("path length mismatch: %d vs %d", len(origPath), len(restoredPath))
	}
	for i := range origPath {
		if origPath[i].Action != restoredPath[i].Action {
			t.Fatalf("path[%d] action mismatch: %q vs %q", i, origPath[i].Action, restoredPath[i].Action)
		}
	}
	if len(restored.Current().InvalidOps) != 1 {
		t.Fatalf("expected 1 invalid op on restored current, got %d", len(restored.Current().InvalidOps))
	}
}
