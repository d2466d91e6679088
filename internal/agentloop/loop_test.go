package agentloop

import (
	"context"
	"errors"
	"testing"

	"github.com/vsavkov/patchtree/internal/config"
	"github.com/vsavkov/patchtree/internal/modelclient"
	"github.com/vsavkov/patchtree/internal/sandbox"
)

type scriptedSandbox struct {
	execOut string
	execRC  int

	// timeoutOnCalls, if set, names the 1-indexed Execute calls that should
	// return context.DeadlineExceeded instead of execOut/execRC.
	timeoutOnCalls map[int]bool
	execCalls      int

	reproductionTarget string
	fileContent        string

	globMatches  map[string][]string
	fileContents map[string]string
}

func (s *scriptedSandbox) Glob(pattern string) ([]string, error) {
	return s.globMatches[pattern], nil
}

func (s *scriptedSandbox) Execute(ctx context.Context, command string, opts sandbox.ExecOptions) (sandbox.ExecResult, error) {
	s.execCalls++
	if s.timeoutOnCalls[s.execCalls] {
		return sandbox.ExecResult{Output: "partial output before timeout", ReturnCode: -1}, context.DeadlineExceeded
	}
	return sandbox.ExecResult{Output: s.execOut, ReturnCode: s.execRC}, nil
}
func (s *scriptedSandbox) ReadFile(ctx context.Context, path string) (string, error) {
	if path == s.reproductionTarget {
		return s.fileContent, nil
	}
	if c, ok := s.fileContents[path]; ok {
		return c, nil
	}
	return "", nil
}
func (s *scriptedSandbox) TemplateVars(ctx context.Context) (map[string]any, error) {
	vars := map[string]any{}
	if s.reproductionTarget != "" {
		vars["reproduction_script_target"] = s.reproductionTarget
	}
	return vars, nil
}

type scriptedModel struct {
	responses []string
	i         int
}

func (m *scriptedModel) Query(ctx context.Context, messages []modelclient.Message) (modelclient.Response, error) {
	if m.i >= len(m.responses) {
		return modelclient.Response{Text: m.responses[len(m.responses)-1]}, nil
	}
	r := m.responses[m.i]
	m.i++
	return modelclient.Response{Text: r}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
model:
  provider: test
  base_url: http://example.invalid
  model: test-model
limits:
  step_limit: 50
  cost_limit: 100
  max_invalid: 2
`))
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	return cfg
}

func TestRunSucceedsOnSubmission(t *testing.T) {
	sb := &scriptedSandbox{execOut: "MINI_SWE_AGENT_FINAL_OUTPUT\nthe fix works", execRC: 0}
	model := &scriptedModel{responses: []string{
		"<thoughts>running the check</thoughts><action>run-check</action>",
	}}
	l := New(testConfig(t), sb, model, "instance-1")

	answer, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if answer != "the fix works" {
		t.Fatalf("got %q", answer)
	}
}

func TestRunContinuesPastFormatError(t *testing.T) {
	sb := &scriptedSandbox{execOut: "MINI_SWE_AGENT_FINAL_OUTPUT\ndone", execRC: 0}
	model := &scriptedModel{responses: []string{
		"<thoughts>no action here</thoughts>",
		"<thoughts>now with an action</thoughts><action>run-check</action>",
	}}
	l := New(testConfig(t), sb, model, "instance-2")

	answer, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if answer != "done" {
		t.Fatalf("got %q", answer)
	}
	if l.pendingNotice != "" {
		t.Fatalf("expected pendingNotice to be consumed, got %q", l.pendingNotice)
	}
}

func TestRunContinuesPastExecutionTimeout(t *testing.T) {
	// Execute calls 1 and 2 are the prompt's version-control snapshot (git
	// add, git diff); call 3 is the first action, which times out.
	sb := &scriptedSandbox{
		execOut:        "MINI_SWE_AGENT_FINAL_OUTPUT\ndone",
		execRC:         0,
		timeoutOnCalls: map[int]bool{3: true},
	}
	model := &scriptedModel{responses: []string{
		"<thoughts>first try</thoughts><action>run-check</action>",
		"<thoughts>retry after timeout</thoughts><action>run-check</action>",
	}}
	l := New(testConfig(t), sb, model, "instance-9")

	answer, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if answer != "done" {
		t.Fatalf("got %q", answer)
	}
	if l.pendingNotice != "" {
		t.Fatalf("expected pendingNotice to be consumed, got %q", l.pendingNotice)
	}
}

func TestRunCommitsAdmissibleOnAccept(t *testing.T) {
	sb := &scriptedSandbox{execOut: "tests still failing", execRC: 1}
	model := &scriptedModel{responses: []string{
		"<thoughts>try something</thoughts><action>run-check</action>",
		"<decision>accept</decision><summary>made progress</summary>" +
			"<thoughts>try the next thing</thoughts><action>run-check</action>",
	}}
	l := New(testConfig(t), sb, model, "instance-3")
	ctx := context.Background()

	// Drive exactly two iterations manually so we can inspect tree state
	// without needing a submission sentinel.
	if _, _, err := l.iterate(ctx, 0); err != nil {
		t.Fatalf("iterate 1: %v", err)
	}
	if !l.tree.HasPendingNode() {
		t.Fatalf("expected a pending temp node after the first iteration")
	}
	if _, _, err := l.iterate(ctx, 1); err != nil {
		t.Fatalf("iterate 2: %v", err)
	}
	if !l.tree.HasRealCurrent() {
		t.Fatalf("expected the first decision to have been committed")
	}
	if l.tree.Current().Summary != "made progress" {
		t.Fatalf("got summary %q", l.tree.Current().Summary)
	}
}

func TestRunReturnsLimitsExceeded(t *testing.T) {
	sb := &scriptedSandbox{execOut: "still broken", execRC: 1}
	model := &scriptedModel{responses: []string{
		"<thoughts>x</thoughts><action>run-check</action>",
	}}
	cfg, err := config.Parse([]byte(`
model:
  provider: test
  base_url: http://example.invalid
  model: test-model
limits:
  step_limit: 2
  cost_limit: 100
  max_invalid: 5
`))
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	l := New(cfg, sb, model, "instance-4")

	_, err = l.Run(context.Background())
	var limitsErr *LimitsExceeded
	if !errors.As(err, &limitsErr) {
		t.Fatalf("expected LimitsExceeded, got %v", err)
	}
}

func TestSeedDefaultChunksLoadsReproductionTarget(t *testing.T) {
	sb := &scriptedSandbox{
		execOut:            "MINI_SWE_AGENT_FINAL_OUTPUT\ndone",
		execRC:             0,
		reproductionTarget: "repro.py",
		fileContent:        "line one\nline two\nline three\n",
	}
	model := &scriptedModel{responses: []string{"<thoughts>x</thoughts><action>run-check</action>"}}
	l := New(testConfig(t), sb, model, "instance-6")

	if err := l.seedDefaultChunks(context.Background()); err != nil {
		t.Fatalf("seedDefaultChunks: %v", err)
	}
	if len(l.defaultChunks) != 1 {
		t.Fatalf("expected 1 default chunk, got %d", len(l.defaultChunks))
	}
	chunk := l.defaultChunks[0]
	if chunk.FilePath != "repro.py" || chunk.WholeFunction {
		t.Fatalf("got %+v", chunk)
	}
	if len(chunk.Lines) != 3 {
		t.Fatalf("expected 3 lines (trailing newline not counted), got %d", len(chunk.Lines))
	}
}

func TestRunEmitsIterationAndSubmittedEvents(t *testing.T) {
	sb := &scriptedSandbox{execOut: "MINI_SWE_AGENT_FINAL_OUTPUT\nthe fix works", execRC: 0}
	model := &scriptedModel{responses: []string{
		"<thoughts>running the check</thoughts><action>run-check</action>",
	}}
	l := New(testConfig(t), sb, model, "instance-7")
	events := l.Events()

	answer, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if answer != "the fix works" {
		t.Fatalf("got %q", answer)
	}

	var kinds []EventKind
	for ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	if len(kinds) == 0 || kinds[0] != EventIterationStart {
		t.Fatalf("expected first event to be iteration_start, got %v", kinds)
	}
	if kinds[len(kinds)-1] != EventSubmitted {
		t.Fatalf("expected last event to be submitted, got %v", kinds)
	}
}

func TestSeedDefaultChunksExpandsGlobReproductionTarget(t *testing.T) {
	sb := &scriptedSandbox{
		reproductionTarget: "tests/*_test.py",
		globMatches: map[string][]string{
			"tests/*_test.py": {"tests/a_test.py", "tests/b_test.py"},
		},
		fileContents: map[string]string{
			"tests/a_test.py": "def test_a():\n    pass\n",
			"tests/b_test.py": "def test_b():\n    pass\n",
		},
	}
	model := &scriptedModel{responses: []string{"<thoughts>x</thoughts><action>run-check</action>"}}
	l := New(testConfig(t), sb, model, "instance-8")

	if err := l.seedDefaultChunks(context.Background()); err != nil {
		t.Fatalf("seedDefaultChunks: %v", err)
	}
	if len(l.defaultChunks) != 2 {
		t.Fatalf("expected 2 default chunks, got %d", len(l.defaultChunks))
	}
	if l.defaultChunks[0].FilePath != "tests/a_test.py" || l.defaultChunks[1].FilePath != "tests/b_test.py" {
		t.Fatalf("got %+v", l.defaultChunks)
	}
}

func TestRunReturnsNoExplorableBranchOnOverflowWithoutAncestor(t *testing.T) {
	sb := &scriptedSandbox{execOut: "still broken", execRC: 1}
	model := &scriptedModel{responses: []string{
		"<thoughts>a</thoughts><action>run-check</action>",
		"<decision>reject</decision><summary>nope</summary>" +
			"<thoughts>b</thoughts><action>run-check</action>",
		"<decision>reject</decision><summary>nope again</summary>" +
			"<thoughts>c</thoughts><action>run-check</action>",
	}}
	cfg, err := config.Parse([]byte(`
model:
  provider: test
  base_url: http://example.invalid
  model: test-model
limits:
  step_limit: 50
  cost_limit: 100
  max_invalid: 2
`))
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	l := New(cfg, sb, model, "instance-5")

	_, err = l.Run(context.Background())
	var noBranch *NoExplorableBranch
	if !errors.As(err, &noBranch) {
		t.Fatalf("expected NoExplorableBranch, got %v", err)
	}
}
