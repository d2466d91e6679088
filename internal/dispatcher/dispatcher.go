// Package dispatcher routes a proposed action string to either a
// registered built-in tool or the sandbox, and folds the result back into
// the operation tree's active node (spec.md §4.5).
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/vsavkov/patchtree/internal/codectx"
	"github.com/vsavkov/patchtree/internal/fingerprint"
	"github.com/vsavkov/patchtree/internal/protocol"
	"github.com/vsavkov/patchtree/internal/sandbox"
	"github.com/vsavkov/patchtree/internal/tree"
)

// InstalledTool mirrors one entry of the sandbox's installed-tools
// registry (original_source's self.installed_tools), updated in place when
// a tool-response carries a status for a known package.
type InstalledTool struct {
	Name   string
	Status string
}

// builtinTool is a registered, fixed-arity built-in, grounded on the
// teacher's explicit RegisteredTool{Definition, Exec} pattern
// (internal/agent/tool_registry.go) rather than reflection over Python
// parameter annotations (spec.md §9).
type builtinTool struct {
	name string
	// exec parses already-whitespace-split positional args and returns the
	// resulting chunk.
	exec func(mgr *codectx.Manager, args []string) (codectx.CodeChunk, error)
}

// Dispatcher is the ToolDispatcher (spec.md §4.5).
type Dispatcher struct {
	sb       sandbox.Sandbox
	mgr      *codectx.Manager
	builtins []builtinTool
	schema   *jsonschema.Schema

	InstalledTools []*InstalledTool
}

// New returns a Dispatcher with the two standard built-ins registered:
// get-nearby-code-context and get-code-lines (spec.md §4.2, §4.5). The
// <tool-response> JSON grammar is validated against a fixed schema compiled
// once at construction time; a Dispatcher built with an invalid schema
// (impossible for the schema in schema.go, but kept explicit) panics rather than
// silently accepting unvalidated tool output.
func New(sb sandbox.Sandbox, mgr *codectx.Manager) *Dispatcher {
	schema, err := compileToolResponseSchema()
	if err != nil {
		panic(fmt.Sprintf("dispatcher: invalid tool-response schema: %v", err))
	}
	return &Dispatcher{
		sb:     sb,
		mgr:    mgr,
		schema: schema,
		builtins: []builtinTool{
			{
				name: "get-nearby-code-context",
				exec: func(mgr *codectx.Manager, args []string) (codectx.CodeChunk, error) {
					filePath, err := stringArg(args, 0)
					if err != nil {
						return codectx.CodeChunk{}, err
					}
					line, err := intArg(args, 1)
					if err != nil {
						return codectx.CodeChunk{}, err
					}
					window := 100
					if len(args) > 2 {
						w, err := intArg(args, 2)
						if err != nil {
							return codectx.CodeChunk{}, err
						}
						window = w
					}
					return mgr.GetNearbyCodeContext(filePath, line, window)
				},
			},
			{
				name: "get-code-lines",
				exec: func(mgr *codectx.Manager, args []string) (codectx.CodeChunk, error) {
					filePath, err := stringArg(args, 0)
					if err != nil {
						return codectx.CodeChunk{}, err
					}
					start, err := intArg(args, 1)
					if err != nil {
						return codectx.CodeChunk{}, err
					}
					end, err := intArg(args, 2)
					if err != nil {
						return codectx.CodeChunk{}, err
					}
					return mgr.GetCodeLines(filePath, start, end)
				},
			},
		},
	}
}

func stringArg(args []string, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("dispatcher: missing argument %d", i)
	}
	return args[i], nil
}

func intArg(args []string, i int) (int, error) {
	s, err := stringArg(args, i)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("dispatcher: argument %d (%q) is not an integer: %w", i, s, err)
	}
	return v, nil
}

// findBuiltin returns the built-in whose name prefixes command, and the
// command's remaining whitespace-split arguments, matching the teacher's
// command.strip().startswith(tool.name) contract.
func (d *Dispatcher) findBuiltin(command string) (*builtinTool, []string) {
	stripped := strings.TrimSpace(command)
	for i := range d.builtins {
		tool := &d.builtins[i]
		if !strings.HasPrefix(stripped, tool.name) {
			continue
		}
		rest := strings.TrimSpace(stripped[len(tool.name):])
		var args []string
		if rest != "" {
			args = strings.Fields(rest)
		}
		return tool, args
	}
	return nil, nil
}

// Dispatch executes command, attaching any resulting code chunks or
// tool-status updates to active (the tree's pending temp node, or its
// current node if none is pending). It returns the rendered observation
// text and return code to fold into an ActionObservation.
func (d *Dispatcher) Dispatch(ctx context.Context, command string, active *tree.Node) (string, int, error) {
	if tool, args := d.findBuiltin(command); tool != nil {
		chunk, err := tool.exec(d.mgr, args)
		if err != nil {
			return err.Error(), 1, nil
		}
		if active != nil {
			appendUniqueChunk(active, chunk)
		}
		return describeChunk(chunk), 0, nil
	}

	res, err := d.sb.Execute(ctx, command, sandbox.ExecOptions{})
	if err != nil {
		// A timed-out command still carries whatever partial output the
		// sandbox captured before the deadline (spec.md §4.5 "Timeout");
		// the caller classifies err and decides whether to surface it as
		// ExecutionTimeout while keeping this partial text.
		return res.Output, res.ReturnCode, err
	}

	toolResponses := d.parseValidToolResponses(res.Output)
	if len(toolResponses) == 0 {
		return strings.TrimSpace(res.Output), res.ReturnCode, nil
	}

	var outputs []string
	returncode := res.ReturnCode
	for _, tr := range toolResponses {
		outputs = append(outputs, tr.Output)
		if tr.ReturnCode != nil {
			returncode = *tr.ReturnCode
		}
		d.attachCodeContext(active, tr.CodeContext)
		d.applyToolStatus(active, tr)
	}
	return strings.Join(outputs, "\n"), returncode, nil
}

// parseValidToolResponses extracts each <tool-response>{...}</tool-response>
// payload and keeps only those that both validate against the tool-response
// schema and decode onto protocol.ToolResponse; a payload that fails schema
// validation is treated the same as one that fails to parse at all, rather
// than being partially trusted.
func (d *Dispatcher) parseValidToolResponses(raw string) []protocol.ToolResponse {
	var results []protocol.ToolResponse
	for _, payload := range protocol.ExtractToolResponsePayloads(raw) {
		var doc any
		if err := json.Unmarshal([]byte(payload), &doc); err != nil {
			continue
		}
		if err := d.schema.Validate(doc); err != nil {
			continue
		}
		var tr protocol.ToolResponse
		if err := json.Unmarshal([]byte(payload), &tr); err != nil {
			continue
		}
		results = append(results, tr)
	}
	return results
}

func describeChunk(chunk codectx.CodeChunk) string {
	switch {
	case chunk.WholeFunction:
		return fmt.Sprintf("Function %s in file %s is added into the code context.", chunk.Function, chunk.FilePath)
	case len(chunk.Lines) == 0:
		return fmt.Sprintf("No lines found for %s", chunk.FilePath)
	default:
		return fmt.Sprintf("Lines %d to %d of file %s are added into the code context.", chunk.Lines[0], chunk.Lines[len(chunk.Lines)-1], chunk.FilePath)
	}
}

func chunkKey(c codectx.CodeChunk) string {
	return fingerprint.Short(c.FilePath, c.ClassName, c.Function, fmt.Sprint(c.WholeFunction), fmt.Sprint(c.Lines))
}

func appendUniqueChunk(active *tree.Node, chunk codectx.CodeChunk) {
	key := chunkKey(chunk)
	for _, c := range active.CodeChunks {
		if chunkKey(c) == key {
			return
		}
	}
	active.CodeChunks = append(active.CodeChunks, chunk)
}

func (d *Dispatcher) attachCodeContext(active *tree.Node, refs []protocol.CodeContextRef) {
	if active == nil || d.mgr == nil {
		return
	}
	for _, ref := range refs {
		if ref.FilePath == "" || ref.LineNumber == nil || *ref.LineNumber < 1 {
			continue
		}
		chunk, err := d.mgr.GetNearbyCodeContext(ref.FilePath, *ref.LineNumber, 100)
		if err != nil {
			continue
		}
		appendUniqueChunk(active, chunk)
	}
}

func (d *Dispatcher) applyToolStatus(active *tree.Node, tr protocol.ToolResponse) {
	if tr.PackageName == "" || tr.Status == "" {
		return
	}
	if active != nil {
		if active.ToolStatus == nil {
			active.ToolStatus = map[string]any{}
		}
		active.ToolStatus[tr.PackageName] = tr.Status
	}
	for _, t := range d.InstalledTools {
		if t.Name == tr.PackageName {
			t.Status = tr.Status
			break
		}
	}
}
