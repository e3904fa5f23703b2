package progress

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// reportSchema is the contract for agent-written progress reports. Values
// are checked after YAML decoding, so numbers and timestamps may arrive in
// the looser forms a human typing the file would use.
const reportSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["task_id", "status", "progress", "activity", "updated_at"],
  "properties": {
    "task_id": {"type": ["string", "integer"]},
    "status": {"enum": ["PENDING", "IN_PROGRESS", "COMPLETE", "BLOCKED", "FAILED"]},
    "progress": {
      "oneOf": [
        {"type": "number", "minimum": 0, "maximum": 100},
        {"type": "string", "pattern": "^\\s*(100|[1-9]?[0-9])\\s*%?\\s*$"}
      ]
    },
    "activity": {"type": "string"},
    "updated_at": {
      "oneOf": [
        {"type": "string", "format": "date-time"},
        {"type": "integer", "minimum": 0}
      ]
    }
  }
}`

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(reportSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource("progress.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("progress.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
