package protocol

import (
	"encoding/json"
	"strings"
)

// CodeContextRef is one entry of a tool response's code_context array: a
// file/line pair the dispatcher should widen into a CodeChunk (spec.md
// §4.5 step 2).
type CodeContextRef struct {
	FilePath   string `json:"file_path"`
	LineNumber *int   `json:"line_number"`
}

// ToolResponse is one parsed <tool-response>{...}</tool-response> payload,
// grounded on original_source/llm_ide_tool_protocol.py's
// LLMIDEToolResponseFormat.
type ToolResponse struct {
	PackageName string           `json:"package_name"`
	Output      string           `json:"output"`
	ReturnCode  *int             `json:"returncode"`
	CodeContext []CodeContextRef `json:"code_context"`
	Status      string           `json:"status"`
}

const (
	toolResponseStart = "<tool-response>"
	toolResponseEnd   = "</tool-response>"
)

// ExtractToolResponsePayloads pulls the raw JSON text out of every
// <tool-response>...</tool-response> block in raw. If raw contains no
// tool-response tags at all, it falls back to treating the entire string as
// one JSON payload (mirroring LLMIDEToolResponseFormat.from_string); that
// fallback almost always fails to parse plain command output and yields no
// results, which is the intended behavior for commands that are not
// tool-aware.
func ExtractToolResponsePayloads(raw string) []string {
	var payloads []string
	searchStart := 0
	for {
		startIdx := strings.Index(raw[searchStart:], toolResponseStart)
		if startIdx == -1 {
			break
		}
		startIdx += searchStart
		contentStart := startIdx + len(toolResponseStart)
		endIdx := strings.Index(raw[contentStart:], toolResponseEnd)
		if endIdx == -1 {
			break
		}
		endIdx += contentStart
		payloads = append(payloads, strings.TrimSpace(raw[contentStart:endIdx]))
		searchStart = endIdx + len(toolResponseEnd)
	}
	if len(payloads) == 0 {
		payloads = []string{raw}
	}
	return payloads
}

// ParseToolResponses extracts every <tool-response>{json}</tool-response>
// block from raw and decodes each as a ToolResponse, skipping blocks that
// fail to parse as JSON.
func ParseToolResponses(raw string) []ToolResponse {
	var results []ToolResponse
	for _, p := range ExtractToolResponsePayloads(raw) {
		var tr ToolResponse
		if err := json.Unmarshal([]byte(p), &tr); err != nil {
			continue
		}
		results = append(results, tr)
	}
	return results
}
