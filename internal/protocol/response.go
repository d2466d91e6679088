// Package protocol parses the model's structured response and the
// sandbox's tool-response output (spec.md §6). Grounded on
// original_source/llm_ide_agent.py's response-parsing methods and
// llm_ide_tool_protocol.py's tool-response grammar.
package protocol

import (
	"regexp"
	"strings"

	"github.com/vsavkov/patchtree/internal/tree"
)

var (
	tagPattern        = `<%s>(?s)(.*?)</%s>`
	actionPattern     = regexp.MustCompile(`(?s)<action>(.*?)</action>`)
	fenceOpenPattern  = regexp.MustCompile("^```\\w*\n?")
	fenceClosePattern = regexp.MustCompile("\n?```$")
)

// ParseTag extracts the (trimmed) contents of the first <tag>...</tag>
// block, or "" if absent.
func ParseTag(content, tag string) string {
	re := regexp.MustCompile(strings.ReplaceAll(tagPattern, "%s", regexp.QuoteMeta(tag)))
	m := re.FindStringSubmatch(content)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// StripBackticks removes a single layer of fenced-code or single-backtick
// wrapping from text, per spec.md §6 / S7.
func StripBackticks(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = fenceOpenPattern.ReplaceAllString(s, "")
		s = fenceClosePattern.ReplaceAllString(s, "")
		return strings.TrimSpace(s)
	}
	if strings.HasPrefix(s, "`") && strings.HasSuffix(s, "`") && len(s) >= 2 {
		return strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

// ParseActions extracts every <action>...</action> block, stripping
// backtick/fence wrapping from each and dropping any that are empty after
// stripping.
func ParseActions(content string) []string {
	matches := actionPattern.FindAllStringSubmatch(content, -1)
	var actions []string
	for _, m := range matches {
		if a := StripBackticks(m[1]); a != "" {
			actions = append(actions, a)
		}
	}
	return actions
}

// Response is a fully parsed model response (spec.md §6 response grammar).
type Response struct {
	Thoughts string
	Actions  []string
	Property tree.Property
}

// ParseResponse parses the action section of a model response: thoughts,
// one or more actions, and an optional property tag. Actions is empty when
// the response contained no <action> blocks — callers raise FormatError in
// that case (spec.md §4.4 step 5).
func ParseResponse(content string) Response {
	return Response{
		Thoughts: ParseTag(content, "thoughts"),
		Actions:  ParseActions(content),
		Property: tree.ParseProperty(strings.ToLower(strings.TrimSpace(ParseTag(content, "property")))),
	}
}

// Reflection is the parsed reflection section of a model response (spec.md
// §6): only meaningful when a temp node is pending.
type Reflection struct {
	Valid   bool
	Summary string
	Lessons string
}

// ParseReflection parses <decision>, <summary>, <lessons>. Valid is false
// only when decision is exactly "reject" (case-insensitive); absence of a
// <decision> tag defaults to valid, matching original_source's
// `decision != "reject"`.
func ParseReflection(content string) Reflection {
	decision := strings.ToLower(strings.TrimSpace(ParseTag(content, "decision")))
	return Reflection{
		Valid:   decision != "reject",
		Summary: ParseTag(content, "summary"),
		Lessons: ParseTag(content, "lessons"),
	}
}

// submissionSentinels are the first-non-blank-line markers that end the run
// with the remaining text as the submitted answer (spec.md §6).
var submissionSentinels = map[string]bool{
	"MINI_SWE_AGENT_FINAL_OUTPUT":            true,
	"COMPLETE_TASK_AND_SUBMIT_FINAL_OUTPUT": true,
}

// CheckSubmission reports whether output's first non-blank line is a
// submission sentinel, and if so returns the remaining text (everything
// after that line) as the submitted answer (spec.md §4.4 step 6, S8).
func CheckSubmission(output string) (submitted bool, answer string) {
	trimmed := strings.TrimLeft(output, " \t\r\n")
	if trimmed == "" {
		return false, ""
	}
	lines := strings.SplitAfter(trimmed, "\n")
	first := strings.TrimSpace(lines[0])
	if !submissionSentinels[first] {
		return false, ""
	}
	return true, strings.Join(lines[1:], "")
}
