// Package blueprint loads agent/task definitions from disk and resolves
// a user's run request against them into a self-contained payload for
// a runner: schema validation, additive demand merging, and placeholder
// substitution.
package blueprint

import (
	"encoding/json"

	v1 "github.com/kandev/agentcoord/pkg/api/v1"
)

// Kind is the blueprint's execution kind.
type Kind string

const (
	KindAgent         Kind = "agent"
	KindDeterministic Kind = "deterministic"
)

// ParameterStrategy controls how a deterministic blueprint's parameters
// are handed to its command.
type ParameterStrategy string

const (
	ParameterStrategyStdinJSON ParameterStrategy = "stdin_json"
	ParameterStrategyArgs      ParameterStrategy = "args"
	ParameterStrategyEnv       ParameterStrategy = "env"
	ParameterStrategyFile      ParameterStrategy = "file"
)

// Blueprint is a loaded agent.json plus its sidecar files.
type Blueprint struct {
	Name              string            `json:"name"`
	Description       string            `json:"description"`
	Type              Kind              `json:"type"`
	Tags              []string          `json:"tags"`
	Demands           v1.Demands        `json:"demands"`
	ParametersSchema  json.RawMessage   `json:"parameters_schema,omitempty"`
	OutputSchema      json.RawMessage   `json:"output_schema,omitempty"`
	Command           string            `json:"command,omitempty"`
	ParameterStrategy ParameterStrategy `json:"parameter_strategy,omitempty"`
	TimeoutSeconds    int               `json:"timeout_seconds,omitempty"`

	// Loaded from sidecar files, not agent.json itself.
	SystemPrompt string          `json:"-"`
	MCPServers   json.RawMessage `json:"-"`
}

// implicitParametersSchema is used for agent-type blueprints that don't
// declare their own parameters_schema, and always for resume_session
// runs since resuming is purely conversational.
var implicitParametersSchema = json.RawMessage(`{
	"type": "object",
	"required": ["prompt"],
	"properties": {
		"prompt": {"type": "string"}
	}
}`)
