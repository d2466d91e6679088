package tree

import "errors"

// ErrPendingExists is a programmer error (spec.md §7): CreateTempNode was
// called while a temp node was already pending reflection.
var ErrPendingExists = errors.New("tree: a temp node is already pending")

// Tree is the persistent decision tree described in spec.md §4.1. It holds
// no reference to a sandbox or model client; it is pure data plus the
// admissibility/backtrack algorithms that operate on it.
type Tree struct {
	root    *Node
	current *Node
	temp    *Node

	// MaxInvalid bounds the number of rejected attempts a node may
	// accumulate before CommitInvalid reports overflow (spec.md §4.1).
	MaxInvalid int
}

// New returns a tree anchored at a fresh root sentinel, with current == root.
func New(maxInvalid int) *Tree {
	root := &Node{} // sentinel: zero-value, Parent == nil, ID == ""
	return &Tree{root: root, current: root, MaxInvalid: maxInvalid}
}

// Root returns the synthetic root sentinel.
func (t *Tree) Root() *Node { return t.root }

// Current returns the tree's current node (the tip of the accepted path).
func (t *Tree) Current() *Node { return t.current }

// HasRealCurrent reports whether Current is not the root sentinel.
func (t *Tree) HasRealCurrent() bool { return t.current != t.root }

// HasPendingNode reports whether a temp node awaits reflection.
func (t *Tree) HasPendingNode() bool { return t.temp != nil }

// TempNode returns the pending temp node, or nil if none exists.
func (t *Tree) TempNode() *Node { return t.temp }

// ActiveNode returns the temp node if one is pending, else the current node
// if it is not the sentinel, else nil. This is the node new CodeChunks and
// ToolStatus entries attach to (spec.md §3.5).
func (t *Tree) ActiveNode() *Node {
	if t.temp != nil {
		return t.temp
	}
	if t.HasRealCurrent() {
		return t.current
	}
	return nil
}

// CreateTempNode starts a new pending decision. It fails with
// ErrPendingExists if one is already pending (spec.md §4.1, §7).
func (t *Tree) CreateTempNode(thoughts, action string, property Property) (*Node, error) {
	if t.temp != nil {
		return nil, ErrPendingExists
	}
	t.temp = newNode(thoughts, action, property)
	return t.temp, nil
}

// SetObservation records the sandbox's response to the pending decision's
// action(s). No-op if no temp node exists.
func (t *Tree) SetObservation(observations []ActionObservation) {
	if t.temp == nil {
		return
	}
	t.temp.Observations = observations
}

// SetReflection records the model's post-hoc verdict on the pending
// decision. No-op if no temp node exists.
func (t *Tree) SetReflection(valid bool, lessons, summary string) {
	if t.temp == nil {
		return
	}
	v := valid
	t.temp.Valid = &v
	t.temp.Lessons = lessons
	t.temp.Summary = summary
}

// CommitAdmissible links the temp node as a child of current and advances
// current to it, clearing the temp node. No-op if none exists.
func (t *Tree) CommitAdmissible() {
	node := t.temp
	if node == nil {
		return
	}
	node.Parent = t.current
	t.current.Children = append(t.current.Children, node)
	t.current = node
	t.temp = nil
}

// CommitInvalid appends the temp node to current's rejected attempts and
// clears it, returning true iff current now holds MaxInvalid or more
// rejected attempts (spec.md §4.1). No-op (returns false) if no temp node
// exists.
func (t *Tree) CommitInvalid() bool {
	node := t.temp
	if node == nil {
		return false
	}
	node.Parent = t.current
	t.current.InvalidOps = append(t.current.InvalidOps, node)
	t.temp = nil
	return len(t.current.InvalidOps) >= t.MaxInvalid
}

// FindBacktrackTarget walks current's parent chain toward the root,
// returning the first EXPLORATORY ancestor, or nil if none exists
// (spec.md §4.1).
func (t *Tree) FindBacktrackTarget() *Node {
	node := t.current.Parent
	for node != nil && node != t.root {
		if node.Property == PropertyExploratory {
			return node
		}
		node = node.Parent
	}
	return nil
}

// BacktrackTo flags the child of target that lies on the path to the
// current dead end, appends summary to target's dead-path summaries, and
// resets current to target (spec.md §4.1, invariant 2).
func (t *Tree) BacktrackTo(target *Node, summary string) {
	node := t.current
	for node != nil && node.Parent != target {
		node = node.Parent
	}
	if node != nil {
		node.DeadPath = true
	}
	target.DeadPathSummaries = append(target.DeadPathSummaries, summary)
	t.current = target
}

// GetPathTo returns the root-excluding, root-first, target-last path from
// the root sentinel to target.
func (t *Tree) GetPathTo(target *Node) []*Node {
	var path []*Node
	node := target
	for node != nil && node != t.root {
		path = append(path, node)
		node = node.Parent
	}
	reverseNodes(path)
	return path
}

// GetPathFromRootToCurrent returns GetPathTo(Current()), or an empty slice
// if current is the root sentinel.
func (t *Tree) GetPathFromRootToCurrent() []*Node {
	if !t.HasRealCurrent() {
		return nil
	}
	return t.GetPathTo(t.current)
}

// GetReasoningChain derives the currently-believed productive spine from
// root to current, skipping dead subtrees (spec.md §4.1, "Key algorithm").
func (t *Tree) GetReasoningChain() []*Node {
	var liveRoots []*Node
	for _, c := range t.root.Children {
		if !c.DeadPath {
			liveRoots = append(liveRoots, c)
		}
	}
	if len(liveRoots) == 0 {
		return nil
	}

	var chain []*Node
	node := liveRoots[0]
	for node != nil {
		chain = append(chain, node)

		var liveChildren []*Node
		for _, c := range node.Children {
			if !c.DeadPath {
				liveChildren = append(liveChildren, c)
			}
		}

		var withChildren []*Node
		for _, c := range liveChildren {
			if len(c.Children) > 0 {
				withChildren = append(withChildren, c)
			}
		}

		switch {
		case len(withChildren) > 0:
			node = withChildren[0]
		case len(liveChildren) > 0:
			node = liveChildren[len(liveChildren)-1]
		default:
			node = nil
		}
	}

	if t.HasRealCurrent() && !containsNode(chain, t.current) {
		chain = append(chain, t.current)
	}
	return chain
}

// GetRejectedActions concatenates InvalidOps over every node from root to
// current (spec.md §4.1).
func (t *Tree) GetRejectedActions() []*Node {
	var rejected []*Node
	for _, node := range t.GetPathFromRootToCurrent() {
		rejected = append(rejected, node.InvalidOps...)
	}
	return rejected
}

func containsNode(nodes []*Node, target *Node) bool {
	for _, n := range nodes {
		if n == target {
			return true
		}
	}
	return false
}

func reverseNodes(nodes []*Node) {
	for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}
}
