// Package tree implements the operation history tree: a persistent,
// backtracking search tree over the decisions an agent makes while
// repairing a defect.
package tree

import (
	"github.com/oklog/ulid/v2"

	"github.com/vsavkov/patchtree/internal/codectx"
)

// Property marks whether a decision was declared a branching point.
type Property string

const (
	PropertyNone         Property = ""
	PropertyExploratory  Property = "exploratory"
	PropertyExploitative Property = "exploitative"
)

// ParseProperty maps a lowercased tag value onto a Property, defaulting to
// PropertyNone for anything it doesn't recognize (spec.md §6 response
// grammar: <property> is optional).
func ParseProperty(s string) Property {
	switch Property(s) {
	case PropertyExploratory:
		return PropertyExploratory
	case PropertyExploitative:
		return PropertyExploitative
	default:
		return PropertyNone
	}
}

// ActionObservation pairs one executed action with its rendered outcome.
// Observation is always formatted as "[returncode: N]\n<output>" (spec.md §3.4).
type ActionObservation struct {
	Action      string
	Observation string
}

// Node represents one decision made by the model (spec.md §3.1). The root
// sentinel is a Node with Parent == nil and no semantic attributes set.
type Node struct {
	ID string

	Thoughts string
	Action   string
	Property Property

	Observations []ActionObservation

	Summary string
	Lessons string
	Valid   *bool

	DeadPath          bool
	DeadPathSummaries []string

	CodeChunks []codectx.CodeChunk
	ToolStatus map[string]any

	CodeChange string

	InvalidOps []*Node

	Parent   *Node
	Children []*Node
}

func newNode(thoughts, action string, property Property) *Node {
	return &Node{
		ID:         ulid.Make().String(),
		Thoughts:   thoughts,
		Action:     action,
		Property:   property,
		ToolStatus: map[string]any{},
	}
}

// IsSentinel reports whether n is the tree's synthetic root (spec.md §3.2).
func (n *Node) IsSentinel() bool {
	return n != nil && n.Parent == nil && n.ID == ""
}
