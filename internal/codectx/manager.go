package codectx

import (
	"fmt"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// FileReader loads the full contents of a file identified by the path the
// agent used when requesting context (spec.md §4.2: "however the sandbox
// addresses files").
type FileReader func(path string) (string, error)

// Manager renders nearby-code and explicit-range requests into the merged,
// signature-aware excerpts a model prompt embeds (spec.md §3.3, §4.2).
// Grounded on code_context_manager.py's CodeContextManager.
type Manager struct {
	getFile FileReader
	cwd     string

	fileCache  map[string]string
	parseCache map[string]*sitter.Node
}

// NewManager returns a Manager that resolves relative paths against cwd
// (cwd == "" leaves paths untouched) and reads file contents through
// getFile, caching both the raw content and its parse tree per path for
// the Manager's lifetime.
func NewManager(getFile FileReader, cwd string) *Manager {
	return &Manager{
		getFile:    getFile,
		cwd:        cwd,
		fileCache:  map[string]string{},
		parseCache: map[string]*sitter.Node{},
	}
}

func (m *Manager) resolvePath(filePath string) string {
	if m.cwd != "" && !strings.HasPrefix(filePath, "/") {
		return m.cwd + "/" + filePath
	}
	return filePath
}

func (m *Manager) readFile(path string) (string, error) {
	if content, ok := m.fileCache[path]; ok {
		return content, nil
	}
	content, err := m.getFile(path)
	if err != nil {
		return "", err
	}
	m.fileCache[path] = content
	return content, nil
}

func (m *Manager) parseFile(path string) (*sitter.Node, error) {
	content, err := m.readFile(path)
	if err != nil {
		return nil, err
	}
	if root, ok := m.parseCache[path]; ok {
		return root, nil
	}
	root, err := parsePython([]byte(content))
	if err != nil {
		return nil, err
	}
	m.parseCache[path] = root
	return root, nil
}

func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	return strings.Split(strings.TrimRight(content, "\n"), "\n")
}

// GetNearbyCodeContext loads the function enclosing lineNumber, recording
// the enclosing class's name (if any) without widening to it. If the
// enclosing function fits within windowSize lines it is returned whole;
// otherwise a windowSize-wide slice centered on lineNumber, clamped to the
// function's span, is returned. Outside any function it falls back to a
// plain windowSize-wide slice of the file (spec.md §4.2 steps 1-4).
func (m *Manager) GetNearbyCodeContext(filePath string, lineNumber, windowSize int) (CodeChunk, error) {
	readPath := m.resolvePath(filePath)
	content, err := m.readFile(readPath)
	if err != nil {
		return CodeChunk{}, err
	}
	if content == "" {
		return CodeChunk{FilePath: filePath}, nil
	}
	totalLines := len(splitLines(content))

	root, err := m.parseFile(readPath)
	if err != nil {
		return CodeChunk{}, err
	}
	src := []byte(content)

	funcNode := enclosingNode(root, lineNumber, "function_definition")
	classNode := enclosingNode(root, lineNumber, "class_definition")
	className := ""
	if classNode != nil {
		className = nodeName(classNode, src)
	}
	funcName := ""
	if funcNode != nil {
		funcName = nodeName(funcNode, src)
	}

	var wholeFunction bool
	var lines []int
	if funcNode == nil {
		wholeFunction = false
		lo := maxInt(1, lineNumber-windowSize/2)
		hi := minInt(totalLines, lineNumber+windowSize/2)
		lines = lineRange(lo, hi)
	} else {
		funcStart, funcEnd := nodeLines(funcNode)
		funcLen := funcEnd - funcStart + 1
		if funcLen <= windowSize {
			wholeFunction = true
			lines = lineRange(funcStart, funcEnd)
		} else {
			wholeFunction = false
			winStart := maxInt(funcStart, lineNumber-windowSize/2)
			winEnd := minInt(funcEnd, lineNumber+windowSize/2)
			lines = lineRange(winStart, winEnd)
		}
	}

	return CodeChunk{
		FilePath:      filePath,
		ClassName:     className,
		Function:      funcName,
		WholeFunction: wholeFunction,
		Lines:         sortedUniqueInts(lines),
	}, nil
}

// GetCodeLines loads the explicit line range [start, end], clamped to the
// file's length; EOF is set when end reached past the last line (spec.md
// §4.2).
func (m *Manager) GetCodeLines(filePath string, start, end int) (CodeChunk, error) {
	readPath := m.resolvePath(filePath)
	content, err := m.readFile(readPath)
	if err != nil {
		return CodeChunk{}, err
	}
	if content == "" {
		return CodeChunk{FilePath: filePath}, nil
	}
	total := len(splitLines(content))
	clampedEnd := minInt(end, total)
	eof := end > total
	lines := lineRange(maxInt(1, start), clampedEnd)
	return CodeChunk{
		FilePath: filePath,
		Lines:    sortedUniqueInts(lines),
		EOF:      eof,
	}, nil
}

// Render merges chunks by (FilePath, ClassName, Function), expands each
// file's merged chunks into the full set of lines a reader needs -
// requested lines plus enclosing signatures and block-header lines - and
// renders them grouped by file with "..." gap markers (spec.md §4.2
// "Rendering pipeline").
func (m *Manager) Render(chunks []CodeChunk) (string, error) {
	merged := mergeChunks(chunks)
	if len(merged) == 0 {
		return "", nil
	}

	var order []string
	byFile := map[string][]CodeChunk{}
	for _, c := range merged {
		if _, ok := byFile[c.FilePath]; !ok {
			order = append(order, c.FilePath)
		}
		byFile[c.FilePath] = append(byFile[c.FilePath], c)
	}

	var sections []string
	for _, filePath := range order {
		fileChunks := byFile[filePath]
		fullPath := m.resolvePath(filePath)
		content, err := m.readFile(fullPath)
		if err != nil {
			return "", err
		}
		fileLines := splitLines(content)
		if len(fileLines) == 0 {
			continue
		}
		needed, err := m.collectNeededLines(fileChunks, content)
		if err != nil {
			return "", err
		}
		if len(needed) == 0 {
			continue
		}
		eof := false
		for _, c := range fileChunks {
			eof = eof || c.EOF
		}
		sortedNeeded := make([]int, 0, len(needed))
		for ln := range needed {
			sortedNeeded = append(sortedNeeded, ln)
		}
		sort.Ints(sortedNeeded)
		rendered := renderLines(fileLines, sortedNeeded, eof)
		sections = append(sections, fmt.Sprintf("## File: `%s`\n%s", filePath, rendered))
	}
	return strings.Join(sections, "\n\n"), nil
}

type chunkKey struct {
	filePath  string
	className string
	function  string
}

func mergeChunks(chunks []CodeChunk) []CodeChunk {
	byKey := map[chunkKey]*CodeChunk{}
	var order []chunkKey
	for _, c := range chunks {
		key := chunkKey{c.FilePath, c.ClassName, c.Function}
		existing, ok := byKey[key]
		if !ok {
			cp := c
			cp.Lines = sortedUniqueInts(append([]int{}, c.Lines...))
			byKey[key] = &cp
			order = append(order, key)
			continue
		}
		existing.WholeFunction = existing.WholeFunction || c.WholeFunction
		existing.EOF = existing.EOF || c.EOF
		existing.Lines = sortedUniqueInts(append(append([]int{}, existing.Lines...), c.Lines...))
	}
	out := make([]CodeChunk, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	return out
}

func (m *Manager) collectNeededLines(chunks []CodeChunk, content string) (map[int]bool, error) {
	needed := map[int]bool{}
	root, err := parsePython([]byte(content))
	if err != nil {
		return nil, err
	}
	src := []byte(content)

	sigMap, rangeMap := buildSignatureMap(root, src)
	blockMap := buildBlockParents(root)

	for _, chunk := range chunks {
		for _, ln := range getSignatureLines(sigMap, chunk.ClassName, chunk.Function) {
			needed[ln] = true
		}
		if chunk.WholeFunction {
			for ln := range getFunctionRange(rangeMap, chunk.ClassName, chunk.Function) {
				needed[ln] = true
			}
			continue
		}
		for _, ln := range chunk.Lines {
			needed[ln] = true
			for decl := range blockMap[ln] {
				needed[decl] = true
			}
		}
	}
	return needed, nil
}

type sigKey struct{ class, function string }

func buildSignatureMap(root *sitter.Node, src []byte) (map[sigKey][]int, map[sigKey]map[int]bool) {
	signatures := map[sigKey][]int{}
	ranges := map[sigKey]map[int]bool{}

	addSignature := func(className, functionName string, node *sitter.Node, decoratorStart *int) {
		body := findFirstChild(node, "block")
		start := int(node.StartPoint().Row) + 1
		if decoratorStart != nil && *decoratorStart < start {
			start = *decoratorStart
		}
		end := int(node.EndPoint().Row) + 1
		if body != nil {
			end = int(body.StartPoint().Row)
		}
		signatures[sigKey{className, functionName}] = lineRange(start, maxInt(start, end))
		rangeSet := map[int]bool{}
		for _, ln := range lineRange(int(node.StartPoint().Row)+1, int(node.EndPoint().Row)+1) {
			rangeSet[ln] = true
		}
		ranges[sigKey{className, functionName}] = rangeSet
	}

	var walk func(node *sitter.Node, className string, decoratorStart *int)
	walk = func(node *sitter.Node, className string, decoratorStart *int) {
		switch node.Type() {
		case "decorated_definition":
			decorators := findChildren(node, "decorator")
			inherited := decoratorStart
			if len(decorators) > 0 {
				min := int(decorators[0].StartPoint().Row) + 1
				for _, d := range decorators[1:] {
					if v := int(d.StartPoint().Row) + 1; v < min {
						min = v
					}
				}
				inherited = &min
			}
			for _, child := range children(node) {
				if child.Type() != "decorator" {
					walk(child, className, inherited)
				}
			}
			return

		case "class_definition":
			nameNode := node.ChildByFieldName("name")
			classText := nodeText(nameNode, src)
			body := findFirstChild(node, "block")
			start := int(node.StartPoint().Row) + 1
			if decoratorStart != nil && *decoratorStart < start {
				start = *decoratorStart
			}
			end := int(node.EndPoint().Row) + 1
			if body != nil {
				end = int(body.StartPoint().Row)
			}
			signatures[sigKey{"", classText}] = lineRange(start, maxInt(start, end))
			signatures[sigKey{classText, ""}] = lineRange(start, maxInt(start, end))
			if body != nil {
				for _, child := range children(body) {
					walk(child, classText, nil)
				}
			}
			return

		case "function_definition":
			nameNode := node.ChildByFieldName("name")
			addSignature(className, nodeText(nameNode, src), node, decoratorStart)
			return
		}

		for _, child := range children(node) {
			walk(child, className, nil)
		}
	}

	walk(root, "", nil)
	return signatures, ranges
}

func getSignatureLines(sigMap map[sigKey][]int, className, function string) []int {
	var lines []int
	if className != "" {
		lines = append(lines, sigMap[sigKey{className, ""}]...)
	}
	if function != "" {
		lines = append(lines, sigMap[sigKey{className, function}]...)
	} else if className != "" {
		lines = append(lines, sigMap[sigKey{"", className}]...)
	}
	return lines
}

func getFunctionRange(rangeMap map[sigKey]map[int]bool, className, function string) map[int]bool {
	return rangeMap[sigKey{className, function}]
}

var statementBlocks = map[string]bool{
	"if_statement":    true,
	"for_statement":   true,
	"while_statement": true,
	"with_statement":  true,
	"try_statement":   true,
	"match_statement": true,
}

var clauseBlocks = map[string]bool{
	"elif_clause":    true,
	"else_clause":    true,
	"except_clause":  true,
	"finally_clause": true,
	"case_clause":    true,
}

func collectDeclarations(node *sitter.Node) []int {
	var decls []int
	if statementBlocks[node.Type()] || clauseBlocks[node.Type()] {
		decls = append(decls, int(node.StartPoint().Row)+1)
	}
	for _, child := range children(node) {
		switch {
		case clauseBlocks[child.Type()]:
			decls = append(decls, collectDeclarations(child)...)
		case child.Type() == "block":
			for _, grandchild := range children(child) {
				if clauseBlocks[grandchild.Type()] {
					decls = append(decls, collectDeclarations(grandchild)...)
				}
			}
		}
	}
	return decls
}

// buildBlockParents maps every line inside a compound statement to the set
// of declaration lines (if/elif/else/for/while/with/try/except/finally/
// match/case headers) a reader needs to understand why that line runs
// (spec.md §4.2 "Block declaration lines").
func buildBlockParents(root *sitter.Node) map[int]map[int]bool {
	parents := map[int]map[int]bool{}

	var walk func(node *sitter.Node, enclosing map[int]bool)
	walk = func(node *sitter.Node, enclosing map[int]bool) {
		local := map[int]bool{}
		for ln := range enclosing {
			local[ln] = true
		}
		if statementBlocks[node.Type()] {
			for _, decl := range collectDeclarations(node) {
				local[decl] = true
			}
			for _, ln := range lineRange(int(node.StartPoint().Row)+1, int(node.EndPoint().Row)+1) {
				if parents[ln] == nil {
					parents[ln] = map[int]bool{}
				}
				for decl := range local {
					parents[ln][decl] = true
				}
			}
		}
		for _, child := range children(node) {
			walk(child, local)
		}
	}

	walk(root, map[int]bool{})
	return parents
}

// renderLines formats the requested lines (already merged across chunks and
// widened with signature/block lines) with right-aligned line numbers and
// "..." markers over any gap, appending an "[EOF]" marker when eof is set
// (spec.md §4.2 "Rendering pipeline").
func renderLines(fileLines []string, lineNumbers []int, eof bool) string {
	if len(lineNumbers) == 0 {
		return ""
	}
	maxLine := lineNumbers[len(lineNumbers)-1]
	width := len(fmt.Sprintf("%d", maxLine)) + 1

	var parts []string
	prevLine := -1
	for _, lineNumber := range lineNumbers {
		if lineNumber < 1 || lineNumber > len(fileLines) {
			continue
		}
		if prevLine != -1 && lineNumber > prevLine+1 {
			parts = append(parts, "...")
		}
		parts = append(parts, fmt.Sprintf("%*d %s", width, lineNumber, fileLines[lineNumber-1]))
		prevLine = lineNumber
	}
	if eof {
		parts = append(parts, "  [EOF]")
	}
	return strings.Join(parts, "\n")
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
