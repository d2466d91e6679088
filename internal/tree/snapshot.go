package tree

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/vsavkov/patchtree/internal/codectx"
)

// nodeRecord is the flattened, pointer-free representation of a Node used
// for on-disk snapshots. ParentID == "" marks the root sentinel's children
// (the sentinel itself is never serialized: it carries no semantic state
// and is recreated fresh by New).
type nodeRecord struct {
	ID       string `msgpack:"id"`
	ParentID string `msgpack:"parent_id"`

	Thoughts string   `msgpack:"thoughts"`
	Action   string   `msgpack:"action"`
	Property Property `msgpack:"property"`

	Observations []ActionObservation `msgpack:"observations"`

	Summary string `msgpack:"summary"`
	Lessons string `msgpack:"lessons"`
	Valid   *bool  `msgpack:"valid"`

	DeadPath          bool     `msgpack:"dead_path"`
	DeadPathSummaries []string `msgpack:"dead_path_summaries"`

	CodeChunks []codectx.CodeChunk `msgpack:"code_chunks"`
	ToolStatus map[string]any      `msgpack:"tool_status"`

	CodeChange string `msgpack:"code_change"`

	InvalidOpIDs []string `msgpack:"invalid_op_ids"`
}

// Snapshot is the msgpack-serializable state of a Tree, grounded on the
// layered run-state snapshot pattern in the teacher's runstate package
// (SPEC_FULL.md DOMAIN STACK): every accepted and rejected node flattened
// to records plus the current node's ID, resumable without replaying the
// session's model calls.
type Snapshot struct {
	MaxInvalid int          `msgpack:"max_invalid"`
	CurrentID  string       `msgpack:"current_id"`
	Nodes      []nodeRecord `msgpack:"nodes"`
}

// Snapshot flattens t into a serializable form. The pending temp node, if
// any, is intentionally omitted: a temp node is mid-reflection state that a
// resumed run must re-derive by re-executing its last action, not replay.
func (t *Tree) Snapshot() Snapshot {
	s := Snapshot{MaxInvalid: t.MaxInvalid, CurrentID: t.current.ID}
	seen := map[*Node]bool{t.root: true}
	var walk func(parent *Node)
	walk = func(parent *Node) {
		for _, child := range parent.Children {
			if seen[child] {
				continue
			}
			seen[child] = true
			s.Nodes = append(s.Nodes, toRecord(child, parent))
			for _, inv := range child.InvalidOps {
				if seen[inv] {
					continue
				}
				seen[inv] = true
				s.Nodes = append(s.Nodes, toRecord(inv, child))
			}
			walk(child)
		}
	}
	for _, inv := range t.root.InvalidOps {
		if !seen[inv] {
			seen[inv] = true
			s.Nodes = append(s.Nodes, toRecord(inv, t.root))
		}
	}
	walk(t.root)
	return s
}

func toRecord(n, parent *Node) nodeRecord {
	parentID := parent.ID
	rec := nodeRecord{
		ID:                n.ID,
		ParentID:          parentID,
		Thoughts:          n.Thoughts,
		Action:            n.Action,
		Property:          n.Property,
		Observations:      n.Observations,
		Summary:           n.Summary,
		Lessons:           n.Lessons,
		Valid:             n.Valid,
		DeadPath:          n.DeadPath,
		DeadPathSummaries: n.DeadPathSummaries,
		CodeChunks:        n.CodeChunks,
		ToolStatus:        n.ToolStatus,
		CodeChange:        n.CodeChange,
	}
	for _, inv := range n.InvalidOps {
		rec.InvalidOpIDs = append(rec.InvalidOpIDs, inv.ID)
	}
	return rec
}

// MarshalSnapshot encodes a Snapshot to msgpack bytes.
func MarshalSnapshot(s Snapshot) ([]byte, error) {
	return msgpack.Marshal(s)
}

// Restore rebuilds a Tree from msgpack-encoded snapshot bytes.
func Restore(data []byte) (*Tree, error) {
	var s Snapshot
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("tree: decode snapshot: %w", err)
	}

	t := New(s.MaxInvalid)
	byID := map[string]*Node{t.root.ID: t.root}

	// Reconstruct every node (accepted and rejected) and link it to its
	// parent; InvalidOps are linked in a second pass once all nodes exist.
	// Snapshot writes each parent before its children, so one pass normally
	// suffices; records whose parent is not yet known are retried until a
	// pass makes no progress.
	pending := append([]nodeRecord{}, s.Nodes...)
	for progressed := true; len(pending) > 0 && progressed; {
		progressed = false
		var next []nodeRecord
		for _, rec := range pending {
			parent, ok := byID[rec.ParentID]
			if !ok {
				next = append(next, rec)
				continue
			}
			n := fromRecord(rec)
			n.Parent = parent
			byID[n.ID] = n
			progressed = true
		}
		pending = next
	}
	for _, rec := range s.Nodes {
		n := byID[rec.ID]
		if n == nil {
			continue
		}
		parent := byID[rec.ParentID]
		if parent == nil {
			continue
		}
		for _, invID := range rec.InvalidOpIDs {
			if inv := byID[invID]; inv != nil {
				n.InvalidOps = append(n.InvalidOps, inv)
			}
		}
	}
	// Rebuild Children from Parent back-references (Parent is authoritative;
	// Children is derived, matching the tree's own invariant in spec.md §3.1).
	for _, n := range byID {
		if n == t.root || n.Parent == nil {
			continue
		}
		isInvalidOp := false
		for _, inv := range n.Parent.InvalidOps {
			if inv == n {
				isInvalidOp = true
				break
			}
		}
		if !isInvalidOp {
			n.Parent.Children = append(n.Parent.Children, n)
		}
	}

	if cur, ok := byID[s.CurrentID]; ok {
		t.current = cur
	}
	return t, nil
}

func fromRecord(rec nodeRecord) *Node {
	return &Node{
		ID:                rec.ID,
		Thoughts:          rec.Thoughts,
		Action:            rec.Action,
		Property:          rec.Property,
		Observations:      rec.Observations,
		Summary:           rec.Summary,
		Lessons:           rec.Lessons,
		Valid:             rec.Valid,
		DeadPath:          rec.DeadPath,
		DeadPathSummaries: rec.DeadPathSummaries,
		CodeChunks:        rec.CodeChunks,
		ToolStatus:        rec.ToolStatus,
		CodeChange:        rec.CodeChange,
	}
}
