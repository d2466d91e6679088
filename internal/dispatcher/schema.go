package dispatcher

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// toolResponseSchemaJSON constrains the JSON payload carried inside a
// <tool-response>...</tool-response> block, grounded on the teacher's
// compileSchema/jsonschema.Compiler pattern (internal/agent/tool_registry.go)
// and on ToolResponse's field contract (internal/protocol/tool_response.go).
const toolResponseSchemaJSON = `{
	"type": "object",
	"properties": {
		"package_name": {"type": "string"},
		"output": {"type": "string"},
		"returncode": {"type": ["integer", "null"]},
		"status": {"type": "string"},
		"code_context": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"file_path": {"type": "string"},
					"line_number": {"type": ["integer", "null"]}
				}
			}
		}
	}
}`

func compileToolResponseSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("tool-response.json", strings.NewReader(toolResponseSchemaJSON)); err != nil {
		return nil, err
	}
	return c.Compile("tool-response.json")
}
