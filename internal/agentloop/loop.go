// Package agentloop implements the per-iteration state machine that drives
// a model through the operation tree (spec.md §4.4).
package agentloop

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vsavkov/patchtree/internal/codectx"
	"github.com/vsavkov/patchtree/internal/config"
	"github.com/vsavkov/patchtree/internal/dispatcher"
	"github.com/vsavkov/patchtree/internal/fingerprint"
	"github.com/vsavkov/patchtree/internal/history"
	"github.com/vsavkov/patchtree/internal/modelclient"
	"github.com/vsavkov/patchtree/internal/protocol"
	"github.com/vsavkov/patchtree/internal/sandbox"
	"github.com/vsavkov/patchtree/internal/tree"
	"github.com/vsavkov/patchtree/internal/vcs"
)

// InstalledTool mirrors the session-wide installed-tools registry
// (SPEC_FULL.md SUPPLEMENTED FEATURES item 2).
type InstalledTool = dispatcher.InstalledTool

// Loop wires the five core components into one sequential iteration state
// machine. A Loop drives exactly one sandbox; running several sandboxes
// concurrently means constructing one Loop per sandbox (spec.md §5
// "Concurrent agents").
type Loop struct {
	cfg   *config.Config
	sb    sandbox.Sandbox
	model modelclient.Client

	tree       *tree.Tree
	mgr        *codectx.Manager
	vc         *vcs.Bridge
	dispatcher *dispatcher.Dispatcher
	hist       *history.Writer

	defaultChunks []codectx.CodeChunk

	stepCount int
	costSpent float64

	// pendingNotice carries a non-terminal error's message into the next
	// iteration's user message (spec.md §7: "appended as a user message;
	// loop continues").
	pendingNotice string

	// lastActionFP/repeatCount implement the repeated-action loop-detection
	// guardrail (SPEC_FULL.md SUPPLEMENTED FEATURES item 5), grounded on the
	// teacher's toolCallsFingerprint/repeats pattern
	// (internal/agent/session.go) but keyed on the proposed action text
	// rather than a structured tool call.
	lastActionFP string
	repeatCount  int

	// ctx is the ambient context for the iteration in progress, threaded
	// into codectx's FileReader closure below since CodeChunk rendering has
	// no context parameter of its own and the loop never overlaps calls.
	ctx context.Context

	// events is the optional progress channel; nil until a caller asks for
	// it via Events(), at which point emit starts sending (SPEC_FULL.md
	// AMBIENT STACK "Logging").
	events chan LoopEvent
}

// LoopDetectionLimit bounds how many consecutive iterations may propose the
// exact same action text before the loop injects a steering notice,
// grounded on the teacher's LoopDetectionWindow default of 10, trimmed down
// since this loop's actions are full shell commands rather than short tool
// calls.
const LoopDetectionLimit = 5

// New constructs a Loop against sb and model, scoped to instanceID for
// on-disk history.
func New(cfg *config.Config, sb sandbox.Sandbox, model modelclient.Client, instanceID string) *Loop {
	l := &Loop{
		cfg:   cfg,
		sb:    sb,
		model: model,
		tree:  tree.New(cfg.Limits.MaxInvalid),
		hist:  history.New(cfg.History.OutputPath, instanceID),
	}
	l.mgr = codectx.NewManager(l.readFile, cfg.Sandbox.WorkingDir)
	l.dispatcher = dispatcher.New(sb, l.mgr)
	l.vc = vcs.NewBridge(sb)
	return l
}

func (l *Loop) readFile(path string) (string, error) {
	if l.ctx == nil {
		return "", fmt.Errorf("agentloop: readFile called outside an iteration")
	}
	return l.sb.ReadFile(l.ctx, path)
}

// InstalledTools exposes the session-wide tool registry (SUPPLEMENTED
// FEATURES item 2).
func (l *Loop) InstalledTools() []*InstalledTool { return l.dispatcher.InstalledTools }

// Run drives iterations until the loop terminates: Submitted (success,
// returns the answer and nil error), or any other error — a TerminalError,
// context cancellation, or an infrastructure failure (returns "" and that
// error).
func (l *Loop) Run(ctx context.Context) (string, error) {
	defer l.closeEvents()

	if err := l.hist.Clear(); err != nil {
		return "", fmt.Errorf("agentloop: clearing history: %w", err)
	}
	l.ctx = ctx
	if err := l.seedDefaultChunks(ctx); err != nil {
		return "", fmt.Errorf("agentloop: seeding default code chunks: %w", err)
	}

	for round := 0; ; round++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		l.ctx = ctx
		l.emit(round, EventIterationStart, nil)

		answer, done, err := l.iterate(ctx, round)
		if err != nil {
			var submitted *Submitted
			if errors.As(err, &submitted) {
				l.emit(round, EventSubmitted, map[string]any{"answer": submitted.Answer})
				return submitted.Answer, nil
			}
			return "", err
		}
		if done {
			l.emit(round, EventSubmitted, map[string]any{"answer": answer})
			return answer, nil
		}
	}
}

// globber is satisfied by sandbox.LocalExec; type-asserted rather than
// added to the Sandbox interface since glob expansion is a LocalExec-only
// convenience, not a capability every sandbox backend need offer.
type globber interface {
	Glob(pattern string) ([]string, error)
}

// reproductionTargetIsGlob reports whether target contains doublestar
// metacharacters and should be expanded rather than read directly.
func reproductionTargetIsGlob(target string) bool {
	return strings.ContainsAny(target, "*?[")
}

// seedDefaultChunks pre-seeds the whole reproduction-target file (or every
// file a glob reproduction target matches) as standing code chunks included
// in every prompt (SUPPLEMENTED FEATURES item 1, original_source
// `_init_code_context`/`_load_file_as_chunk`).
func (l *Loop) seedDefaultChunks(ctx context.Context) error {
	vars, err := l.sb.TemplateVars(ctx)
	if err != nil {
		return err
	}
	target, _ := vars["reproduction_script_target"].(string)
	target = strings.TrimSpace(target)
	if target == "" {
		return nil
	}

	targets := []string{target}
	if reproductionTargetIsGlob(target) {
		g, ok := l.sb.(globber)
		if !ok {
			return nil
		}
		matches, err := g.Glob(target)
		if err != nil {
			return fmt.Errorf("agentloop: expanding reproduction target glob %q: %w", target, err)
		}
		targets = matches
	}

	for _, path := range targets {
		content, err := l.sb.ReadFile(ctx, path)
		if err != nil || content == "" {
			continue
		}
		n := lineCount(content)
		if n < 1 {
			continue
		}
		l.defaultChunks = append(l.defaultChunks, codectx.CodeChunk{
			FilePath: path,
			Lines:    sequentialLines(n),
		})
	}
	return nil
}

// lineCount mirrors Python's len(content.splitlines()): a trailing newline
// does not count as an extra (empty) line.
func lineCount(content string) int {
	n := strings.Count(content, "\n")
	if !strings.HasSuffix(content, "\n") {
		n++
	}
	return n
}

func sequentialLines(n int) []int {
	if n == 0 {
		return nil
	}
	lines := make([]int, n)
	for i := range lines {
		lines[i] = i + 1
	}
	return lines
}

// iterate runs exactly one pass of the state machine in spec.md §4.4. done
// is true only on a successful submission; a non-nil err is a TerminalError
// or an infrastructure failure (rendering, version control, model query,
// history I/O, ErrPendingExists), and either stops Run. Non-terminal
// failures never return an error here — they set pendingNotice and return
// (…, false, nil).
func (l *Loop) iterate(ctx context.Context, round int) (answer string, done bool, err error) {
	// 1. Budget check.
	if l.stepCount >= l.cfg.Limits.StepLimit || l.costSpent >= l.cfg.Limits.CostLimit {
		return "", false, &LimitsExceeded{
			StepCount: l.stepCount, StepLimit: l.cfg.Limits.StepLimit,
			CostSpent: l.costSpent, CostLimit: l.cfg.Limits.CostLimit,
		}
	}

	// 2. Prompt construction.
	pendingNode := l.tree.TempNode()
	sysMsg := buildSystemPrompt(pendingNode != nil)

	path := l.tree.GetPathFromRootToCurrent()
	codeCtx, err := renderCodeContext(l.mgr, l.defaultChunks, path)
	if err != nil {
		return "", false, fmt.Errorf("agentloop: rendering code context: %w", err)
	}
	rejected := l.tree.GetRejectedActions()
	vcSnapshot, err := l.vc.Capture(ctx)
	if err != nil {
		return "", false, fmt.Errorf("agentloop: capturing version control snapshot: %w", err)
	}
	chain := l.tree.GetReasoningChain()

	var priorCodeChange string
	if pendingNode != nil && l.tree.HasRealCurrent() {
		priorCodeChange = l.tree.Current().CodeChange
	}
	userMsg := buildUserMessage(codeCtx, rejected, vcSnapshot, chain, pendingNode, priorCodeChange)
	if l.pendingNotice != "" {
		userMsg = l.pendingNotice + "\n\n" + userMsg
		l.pendingNotice = ""
	}

	if err := l.hist.Save(round, "prompt", history.FormatPromptText(sysMsg, userMsg)); err != nil {
		return "", false, fmt.Errorf("agentloop: saving prompt history: %w", err)
	}

	// 3. Model call.
	resp, err := l.model.Query(ctx, []modelclient.Message{
		{Role: modelclient.RoleSystem, Content: sysMsg},
		{Role: modelclient.RoleUser, Content: userMsg},
	})
	l.stepCount++
	l.emit(round, EventModelCall, map[string]any{"step": l.stepCount})
	if err != nil {
		return "", false, fmt.Errorf("agentloop: model query: %w", err)
	}
	if err := l.hist.Save(round, "response", resp.Text); err != nil {
		return "", false, fmt.Errorf("agentloop: saving response history: %w", err)
	}

	// 4. Reflection.
	if pendingNode != nil {
		if err := l.reflect(ctx, round, resp.Text); err != nil {
			return "", false, err
		}
	}

	// 5. Action.
	parsed := protocol.ParseResponse(resp.Text)
	if len(parsed.Actions) == 0 {
		l.pendingNotice = (&FormatError{Content: resp.Text}).Error() +
			": include at least one <action>...</action> block."
		return "", false, nil
	}

	temp, err := l.tree.CreateTempNode(parsed.Thoughts, strings.Join(parsed.Actions, "\n"), parsed.Property)
	if err != nil {
		return "", false, err // ErrPendingExists is a programmer error (spec.md §7)
	}

	l.checkActionLoop(round, temp.Action)

	answer, done, execErr := l.executeActions(ctx, round, temp, parsed.Actions)
	if execErr != nil {
		l.tree.SetObservation(temp.Observations)
		var timeout *ExecutionTimeout
		if errors.As(execErr, &timeout) {
			// Non-terminal (spec.md §7): the partial observation is already
			// recorded above; surface the timeout as the next prompt's
			// notice and keep looping, the same way a FormatError does.
			l.pendingNotice = timeout.Error() + ": partial output:\n" + timeout.Partial
			return "", false, nil
		}
		return "", false, execErr
	}
	l.tree.SetObservation(temp.Observations)

	diff, err := l.vc.Capture(ctx)
	if err != nil {
		return "", false, fmt.Errorf("agentloop: capturing code change: %w", err)
	}
	temp.CodeChange = diff

	return answer, done, nil
}

// executeActions runs each action in sequence, short-circuiting on the
// first non-zero return code (spec.md §4.4 "Action-execution sequencing").
// It returns done=true with the submitted answer the moment any
// observation's output carries a submission sentinel (spec.md §4.4 step 6).
func (l *Loop) executeActions(ctx context.Context, round int, temp *tree.Node, actions []string) (answer string, done bool, err error) {
	for _, action := range actions {
		l.emit(round, EventActionStart, map[string]any{"action": action})
		out, rc, execErr := l.dispatcher.Dispatch(ctx, action, temp)
		l.emit(round, EventActionEnd, map[string]any{"action": action, "returncode": rc})
		if execErr != nil {
			if errors.Is(execErr, context.DeadlineExceeded) {
				temp.Observations = append(temp.Observations, tree.ActionObservation{
					Action:      action,
					Observation: fmt.Sprintf("[returncode: -1]\n%s", out),
				})
				return "", false, &ExecutionTimeout{Action: action, Partial: out}
			}
			return "", false, fmt.Errorf("agentloop: executing action %q: %w", action, execErr)
		}

		temp.Observations = append(temp.Observations, tree.ActionObservation{
			Action:      action,
			Observation: fmt.Sprintf("[returncode: %d]\n%s", rc, out),
		})

		if submitted, text := protocol.CheckSubmission(out); submitted {
			return text, true, nil
		}
		if rc != 0 {
			break
		}
	}
	return "", false, nil
}

// reflect parses the reflection tags out of content and applies them to the
// pending temp node (spec.md §4.4 step 4).
func (l *Loop) reflect(ctx context.Context, round int, content string) error {
	refl := protocol.ParseReflection(content)
	l.tree.SetReflection(refl.Valid, refl.Lessons, refl.Summary)

	if refl.Valid {
		l.tree.CommitAdmissible()
		l.emit(round, EventCommitAdmissible, map[string]any{"summary": refl.Summary})
		l.updateToolStatus(l.tree.Current())
		if err := l.vc.SyncTo(ctx, l.tree.Current().CodeChange); err != nil {
			return fmt.Errorf("agentloop: syncing version control after commit: %w", err)
		}
		return nil
	}

	overflow := l.tree.CommitInvalid()
	l.emit(round, EventCommitInvalid, map[string]any{"summary": refl.Summary, "overflow": overflow})
	if !overflow {
		if err := l.vc.SyncTo(ctx, l.tree.Current().CodeChange); err != nil {
			return fmt.Errorf("agentloop: syncing version control after reject: %w", err)
		}
		return nil
	}

	target := l.tree.FindBacktrackTarget()
	if target == nil {
		return &NoExplorableBranch{}
	}
	l.tree.BacktrackTo(target, aggregateSummaries(l.tree.Current()))
	l.emit(round, EventBacktrack, map[string]any{"target": target.ID})
	if err := l.vc.SyncTo(ctx, l.tree.Current().CodeChange); err != nil {
		return fmt.Errorf("agentloop: syncing version control after backtrack: %w", err)
	}
	return nil
}

// aggregateSummaries joins a dead-end node's rejected attempts into one
// dead-path summary recorded on the backtrack target (spec.md §4.1
// invariant 2).
func aggregateSummaries(node *tree.Node) string {
	var parts []string
	for _, n := range node.InvalidOps {
		if n.Summary != "" {
			parts = append(parts, n.Summary)
		}
	}
	return strings.Join(parts, "; ")
}

// updateToolStatus mirrors an accepted node's tool_status into the
// session-wide installed-tools registry (SUPPLEMENTED FEATURES item 2).
func (l *Loop) updateToolStatus(node *tree.Node) {
	for name, status := range node.ToolStatus {
		s, ok := status.(string)
		if !ok || s == "" {
			continue
		}
		l.setInstalledToolStatus(name, s)
	}
}

func (l *Loop) setInstalledToolStatus(name, status string) {
	for _, t := range l.dispatcher.InstalledTools {
		if t.Name == name {
			t.Status = status
			return
		}
	}
	l.dispatcher.InstalledTools = append(l.dispatcher.InstalledTools, &InstalledTool{Name: name, Status: status})
}

// checkActionLoop implements the repeated-action guardrail (SUPPLEMENTED
// FEATURES item 5): once the same action fingerprint repeats
// LoopDetectionLimit times in a row it injects a steering notice into the
// next prompt, the way the teacher's session.go does for repeated tool
// calls.
func (l *Loop) checkActionLoop(round int, action string) {
	fp := fingerprint.Short(action)
	if fp == l.lastActionFP {
		l.repeatCount++
	} else {
		l.lastActionFP = fp
		l.repeatCount = 1
	}
	if l.repeatCount >= LoopDetectionLimit {
		l.pendingNotice = "Loop detection: you have proposed the same action " +
			fmt.Sprint(l.repeatCount) + " times in a row. Stop and change approach."
		l.emit(round, EventLoopDetection, map[string]any{"fingerprint": fp, "repeats": l.repeatCount})
	}
}
