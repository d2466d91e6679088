package dispatcher

import (
	"context"
	"errors"
	"testing"

	"github.com/vsavkov/patchtree/internal/codectx"
	"github.com/vsavkov/patchtree/internal/sandbox"
	"github.com/vsavkov/patchtree/internal/tree"
)

const sampleSource = "def short(x):\n    a = x + 1\n    return a\n"

type fakeSandbox struct {
	output     string
	returncode int
	err        error
}

func (f *fakeSandbox) Execute(ctx context.Context, command string, opts sandbox.ExecOptions) (sandbox.ExecResult, error) {
	if f.err != nil {
		return sandbox.ExecResult{}, f.err
	}
	return sandbox.ExecResult{Output: f.output, ReturnCode: f.returncode}, nil
}
func (f *fakeSandbox) ReadFile(ctx context.Context, path string) (string, error) { return "", nil }
func (f *fakeSandbox) TemplateVars(ctx context.Context) (map[string]any, error)  { return nil, nil }

func newManager() *codectx.Manager {
	return codectx.NewManager(func(path string) (string, error) { return sampleSource, nil }, "")
}

func TestDispatchBuiltinAttachesChunk(t *testing.T) {
	d := New(&fakeSandbox{}, newManager())
	active := &tree.Node{ToolStatus: map[string]any{}}

	output, returncode, err := d.Dispatch(context.Background(), "get-nearby-code-context sample.py 2 100", active)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if returncode != 0 {
		t.Fatalf("expected returncode 0, got %d", returncode)
	}
	if len(active.CodeChunks) != 1 {
		t.Fatalf("expected 1 attached chunk, got %d", len(active.CodeChunks))
	}
	if output == "" {
		t.Fatalf("expected a non-empty description")
	}
}

func TestDispatchBuiltinDedupesIdenticalChunk(t *testing.T) {
	d := New(&fakeSandbox{}, newManager())
	active := &tree.Node{}

	if _, _, err := d.Dispatch(context.Background(), "get-nearby-code-context sample.py 2 100", active); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, _, err := d.Dispatch(context.Background(), "get-nearby-code-context sample.py 2 100", active); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(active.CodeChunks) != 1 {
		t.Fatalf("expected chunk dedup to keep exactly 1 chunk, got %d", len(active.CodeChunks))
	}
}

func TestDispatchDelegatesToSandboxWhenNotBuiltin(t *testing.T) {
	d := New(&fakeSandbox{output: "plain output\n", returncode: 0}, newManager())
	active := &tree.Node{}

	output, returncode, err := d.Dispatch(context.Background(), "ls -la", active)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if output != "plain output" || returncode != 0 {
		t.Fatalf("got %q/%d", output, returncode)
	}
}

func TestDispatchParsesToolResponseAndUpdatesStatus(t *testing.T) {
	raw := `<tool-response>{"package_name":"pytest","output":"installed ok","returncode":0,"status":"ready","code_context":[{"file_path":"sample.py","line_number":2}]}</tool-response>`
	d := New(&fakeSandbox{output: raw, returncode: 0}, newManager())
	d.InstalledTools = []*InstalledTool{{Name: "pytest", Status: "pending"}}
	active := &tree.Node{ToolStatus: map[string]any{}}

	output, returncode, err := d.Dispatch(context.Background(), "install-pytest", active)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if output != "installed ok" || returncode != 0 {
		t.Fatalf("got %q/%d", output, returncode)
	}
	if active.ToolStatus["pytest"] != "ready" {
		t.Fatalf("expected active.ToolStatus[pytest]=ready, got %+v", active.ToolStatus)
	}
	if d.InstalledTools[0].Status != "ready" {
		t.Fatalf("expected installed tools registry updated, got %+v", d.InstalledTools[0])
	}
	if len(active.CodeChunks) != 1 {
		t.Fatalf("expected code_context entry to attach a chunk, got %d", len(active.CodeChunks))
	}
}

func TestDispatchDropsToolResponseFailingSchema(t *testing.T) {
	raw := `<tool-response>{"package_name":"pytest","returncode":"not-a-number"}</tool-response>`
	d := New(&fakeSandbox{output: raw, returncode: 7}, newManager())
	active := &tree.Node{}

	output, returncode, err := d.Dispatch(context.Background(), "install-pytest", active)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if returncode != 7 {
		t.Fatalf("expected fallback to sandbox returncode 7, got %d", returncode)
	}
	if output != raw {
		t.Fatalf("expected raw output passthrough, got %q", output)
	}
}

func TestDispatchPropagatesSandboxError(t *testing.T) {
	d := New(&fakeSandbox{err: errors.New("boom")}, newManager())
	_, _, err := d.Dispatch(context.Background(), "ls -la", &tree.Node{})
	if err == nil {
		t.Fatalf("expected sandbox error to propagate")
	}
}
