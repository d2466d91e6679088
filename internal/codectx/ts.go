package codectx

import (
	"context"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// parsePython parses source into a Python syntax tree. The parser is
// recreated per call: go-tree-sitter's Parser is not safe for concurrent
// reuse and parses here are infrequent enough that the allocation cost
// does not matter.
func parsePython(source []byte) (*sitter.Node, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	tree, err := parser.ParseCtx(context.Background(), nil, source)
	if err != nil {
		return nil, err
	}
	return tree.RootNode(), nil
}

// enclosingNode returns the innermost node of type targetType whose line
// span contains the 1-based line line. Mirrors ts_utils.enclosing_node's
// depth-first walk: among nested matches the last one visited (the
// deepest) wins.
func enclosingNode(root *sitter.Node, line int, targetType string) *sitter.Node {
	idx := uint32(line - 1)
	var result *sitter.Node
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n == nil {
			return
		}
		if n.StartPoint().Row <= idx && idx <= n.EndPoint().Row {
			if n.Type() == targetType {
				result = n
			}
			for i := 0; i < int(n.ChildCount()); i++ {
				walk(n.Child(i))
			}
		}
	}
	walk(root)
	return result
}

// nodeName returns the text of n's first "identifier" child, or "" if n is
// nil or has none (function/class names in the Python grammar).
func nodeName(n *sitter.Node, src []byte) string {
	if n == nil {
		return ""
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if child.Type() == "identifier" {
			return child.Content(src)
		}
	}
	return ""
}

// nodeLines returns n's 1-based [start, end] line span.
func nodeLines(n *sitter.Node) (start, end int) {
	return int(n.StartPoint().Row) + 1, int(n.EndPoint().Row) + 1
}

func nodeText(n *sitter.Node, src []byte) string {
	if n == nil {
		return ""
	}
	return n.Content(src)
}

func findChildren(n *sitter.Node, childType string) []*sitter.Node {
	var out []*sitter.Node
	for i := 0; i < int(n.ChildCount()); i++ {
		if child := n.Child(i); child.Type() == childType {
			out = append(out, child)
		}
	}
	return out
}

func findFirstChild(n *sitter.Node, childType string) *sitter.Node {
	for i := 0; i < int(n.ChildCount()); i++ {
		if child := n.Child(i); child.Type() == childType {
			return child
		}
	}
	return nil
}

func children(n *sitter.Node) []*sitter.Node {
	out := make([]*sitter.Node, n.ChildCount())
	for i := range out {
		out[i] = n.Child(i)
	}
	return out
}
