package agentloop

import "fmt"

// TerminalError marks an error that ends the loop for good (spec.md §7):
// LimitsExceeded, Submitted, and NoExplorableBranch. Grounded on the
// TerminatingException/NonTerminatingException split in
// original_source/llm_ide_agent.py and the teacher's errors.As-based
// classification (internal/llm/errors.go).
type TerminalError interface {
	error
	terminal()
}

// NonTerminalError marks an error that is surfaced to the model as the next
// user message and does not end the loop: FormatError, ExecutionTimeout.
type NonTerminalError interface {
	error
	nonTerminal()
}

// LimitsExceeded reports that the step or cost budget was exhausted
// (spec.md §4.4 step 1).
type LimitsExceeded struct {
	StepCount int
	CostSpent float64
	StepLimit int
	CostLimit float64
}

func (e *LimitsExceeded) Error() string {
	return fmt.Sprintf("agentloop: limits exceeded (steps=%d/%d cost=%.4f/%.4f)",
		e.StepCount, e.StepLimit, e.CostSpent, e.CostLimit)
}
func (*LimitsExceeded) terminal() {}

// Submitted reports a successful, final answer (spec.md §4.4 step 6, S8).
type Submitted struct {
	Answer string
}

func (e *Submitted) Error() string { return "agentloop: submitted" }
func (*Submitted) terminal()       {}

// NoExplorableBranch reports that commit_invalid overflowed with no
// EXPLORATORY ancestor to back up to (spec.md §4.1 "dead-end protocol").
type NoExplorableBranch struct{}

func (*NoExplorableBranch) Error() string { return "agentloop: no explorable branch remains" }
func (*NoExplorableBranch) terminal()     {}

// FormatError reports that a model response carried no <action> block
// (spec.md §4.4 step 5). Non-terminal: the loop appends it as a user
// message and continues, and the tree is left untouched (no temp node was
// created).
type FormatError struct {
	Content string
}

func (e *FormatError) Error() string {
	return "agentloop: response contained no <action> block"
}
func (*FormatError) nonTerminal() {}

// ExecutionTimeout reports that the sandbox's command primitive timed out
// mid-action (spec.md §4.5 "Timeout"). Non-terminal: raised after
// observation capture, so the tree already records the partial output.
type ExecutionTimeout struct {
	Action  string
	Partial string
}

func (e *ExecutionTimeout) Error() string {
	return fmt.Sprintf("agentloop: execution timed out running %q", e.Action)
}
func (*ExecutionTimeout) nonTerminal() {}
