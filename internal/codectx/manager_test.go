package codectx

import (
	"errors"
	"strings"
	"testing"
)

const sampleSource = `class Widget:
    def render(self, value):
        if value > 0:
            return "positive"
        else:
            return "non-positive"

    def describe(self):
        return "a widget"


def helper(x):
    for i in range(x):
        if i % 2 == 0:
            print(i)
    return x
`

func fixedReader(content string) FileReader {
	return func(path string) (string, error) {
		if path != "sample.py" {
			return "", errors.New("unexpected path: " + path)
		}
		return content, nil
	}
}

func TestGetNearbyCodeContextWholeFunction(t *testing.T) {
	m := NewManager(fixedReader(sampleSource), "")
	chunk, err := m.GetNearbyCodeContext("sample.py", 4, 100)
	if err != nil {
		t.Fatalf("GetNearbyCodeContext: %v", err)
	}
	if chunk.ClassName != "Widget" || chunk.Function != "render" {
		t.Fatalf("got class=%q function=%q, want Widget/render", chunk.ClassName, chunk.Function)
	}
	if !chunk.WholeFunction {
		t.Fatalf("expected whole_function=true for a short function")
	}
}

func TestGetNearbyCodeContextWindow(t *testing.T) {
	m := NewManager(fixedReader(sampleSource), "")
	chunk, err := m.GetNearbyCodeContext("sample.py", 14, 2)
	if err != nil {
		t.Fatalf("GetNearbyCodeContext: %v", err)
	}
	if chunk.Function != "helper" {
		t.Fatalf("got function=%q, want helper", chunk.Function)
	}
	if chunk.WholeFunction {
		t.Fatalf("expected a clamped window, not the whole function")
	}
	if len(chunk.Lines) == 0 {
		t.Fatalf("expected a non-empty window")
	}
}

func TestGetCodeLinesClampsAndFlagsEOF(t *testing.T) {
	m := NewManager(fixedReader(sampleSource), "")
	totalLines := len(strings.Split(strings.TrimRight(sampleSource, "\n"), "\n"))
	chunk, err := m.GetCodeLines("sample.py", totalLines-1, totalLines+10)
	if err != nil {
		t.Fatalf("GetCodeLines: %v", err)
	}
	if !chunk.EOF {
		t.Fatalf("expected eof=true when end exceeds file length")
	}
	if chunk.Lines[len(chunk.Lines)-1] != totalLines {
		t.Fatalf("expected clamped last line %d, got %d", totalLines, chunk.Lines[len(chunk.Lines)-1])
	}
}

func TestRenderIncludesClassAndFunctionSignatures(t *testing.T) {
	m := NewManager(fixedReader(sampleSource), "")
	chunk := CodeChunk{FilePath: "sample.py", ClassName: "Widget", Function: "describe", Lines: []int{9}}
	out, err := m.Render([]CodeChunk{chunk})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(out, "## File: `sample.py`") {
		t.Fatalf("missing file header, got:\n%s", out)
	}
	if !strings.Contains(out, "class Widget:") {
		t.Fatalf("expected class signature line in render, got:\n%s", out)
	}
	if !strings.Contains(out, "def describe(self):") {
		t.Fatalf("expected function signature line in render, got:\n%s", out)
	}
	if !strings.Contains(out, "...") {
		t.Fatalf("expected a gap marker between signature and requested line, got:\n%s", out)
	}
}

func TestRenderMergesChunksForSameFunction(t *testing.T) {
	m := NewManager(fixedReader(sampleSource), "")
	a := CodeChunk{FilePath: "sample.py", ClassName: "Widget", Function: "render", Lines: []int{3}}
	b := CodeChunk{FilePath: "sample.py", ClassName: "Widget", Function: "render", Lines: []int{5}}
	out, err := m.Render([]CodeChunk{a, b})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Count(out, "## File:") != 1 {
		t.Fatalf("expected chunks against the same function to merge into one file section, got:\n%s", out)
	}
}

func TestRenderEmptyOnNoChunks(t *testing.T) {
	m := NewManager(fixedReader(sampleSource), "")
	out, err := m.Render(nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "" {
		t.Fatalf("expected empty render for no chunks, got %q", out)
	}
}
