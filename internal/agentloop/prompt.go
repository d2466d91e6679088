package agentloop

import (
	"fmt"
	"strings"

	"github.com/vsavkov/patchtree/internal/codectx"
	"github.com/vsavkov/patchtree/internal/tree"
)

const baseSystemPrompt = `You are repairing a defect in a codebase through a sequence of small,
reviewable decisions. Each turn you may inspect code, run commands, and
propose a patch; every decision is recorded and can be backtracked if it
turns out to be unproductive.

Respond with <thoughts>...</thoughts>, one or more <action>...</action>
blocks (each a single shell command or built-in tool invocation), and an
optional <property>exploratory</property> or <property>exploitative</property>
tag marking whether this decision is a safe-to-revisit branching point.`

const reflectionInstructions = `Before proposing your next action, reflect on the previous one: respond
with <decision>accept</decision> or <decision>reject</decision>, a
<summary>...</summary> of what happened, and any <lessons>...</lessons>
worth carrying forward. A rejected decision is discarded and does not
affect the code.`

// buildSystemPrompt assembles the system message (spec.md §4.4 step 2):
// task description + tool usage + action instructions, plus reflection
// instructions when a temp node is pending.
func buildSystemPrompt(pending bool) string {
	var b strings.Builder
	b.WriteString(baseSystemPrompt)
	if pending {
		b.WriteString("\n\n")
		b.WriteString(reflectionInstructions)
	}
	return b.String()
}

// buildUserMessage assembles the four templated sections plus the optional
// incoming-operation section (spec.md §4.4 step 2).
func buildUserMessage(codeContext string, rejected []*tree.Node, vcSnapshot string, chain []*tree.Node, pending *tree.Node, priorCodeChange string) string {
	var b strings.Builder

	b.WriteString("<code-context>\n")
	if codeContext != "" {
		b.WriteString(codeContext)
	} else {
		b.WriteString("(no code context gathered yet)")
	}
	b.WriteString("\n</code-context>\n\n")

	b.WriteString("<rejected-actions>\n")
	if len(rejected) == 0 {
		b.WriteString("(none)")
	} else {
		for _, n := range rejected {
			fmt.Fprintf(&b, "- %s: %s\n", n.Action, n.Summary)
		}
	}
	b.WriteString("\n</rejected-actions>\n\n")

	b.WriteString("<version-control>\n")
	if vcSnapshot != "" {
		b.WriteString(vcSnapshot)
	} else {
		b.WriteString("(working tree clean)")
	}
	b.WriteString("\n</version-control>\n\n")

	b.WriteString("<reasoning-chain>\n")
	if len(chain) == 0 {
		b.WriteString("(no accepted decisions yet)")
	} else {
		for i, n := range chain {
			fmt.Fprintf(&b, "%d. %s\n", i+1, n.Summary)
		}
	}
	b.WriteString("\n</reasoning-chain>\n")

	if pending != nil {
		b.WriteString("\n<incoming-operation>\n")
		fmt.Fprintf(&b, "thoughts: %s\n", pending.Thoughts)
		b.WriteString(formatObservations(pending.Observations))
		if len(pending.CodeChunks) > 0 {
			fmt.Fprintf(&b, "newly accessed code: %d chunk(s)\n", len(pending.CodeChunks))
		}
		if pending.CodeChange != priorCodeChange {
			b.WriteString("code change:\n")
			b.WriteString(pending.CodeChange)
			b.WriteString("\n")
		}
		b.WriteString("</incoming-operation>\n")
	}

	return b.String()
}

// formatObservations renders each executed action/observation pair
// (SPEC_FULL.md SUPPLEMENTED FEATURES item 3, original_source
// _format_observation).
func formatObservations(obs []tree.ActionObservation) string {
	var b strings.Builder
	for i, o := range obs {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[action] %s\n[observation]\n%s\n", o.Action, o.Observation)
	}
	return b.String()
}

// renderCodeContext merges the default chunks (SUPPLEMENTED FEATURES item 1)
// with every node's chunks along the path from root to current.
func renderCodeContext(mgr *codectx.Manager, defaultChunks []codectx.CodeChunk, path []*tree.Node) (string, error) {
	chunks := append([]codectx.CodeChunk{}, defaultChunks...)
	for _, n := range path {
		chunks = append(chunks, n.CodeChunks...)
	}
	return mgr.Render(chunks)
}
