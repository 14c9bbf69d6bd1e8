package blueprint

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/kandev/agentcoord/internal/common/apperrors"
	"github.com/kandev/agentcoord/internal/demand"
	"github.com/kandev/agentcoord/internal/placeholder"
	v1 "github.com/kandev/agentcoord/pkg/api/v1"
)

// ResolveRequest carries everything the resolution pipeline needs to
// turn a user's run request into a runner-ready payload.
type ResolveRequest struct {
	RunType           v1.RunType
	AgentName         string
	Parameters        map[string]any
	AdditionalDemands v1.Demands
	Scope             map[string]any
	Runtime           map[string]any // session_id, run_id, parent_session_id

	// Affinity, when non-nil, is the resuming session's bound tuple. Its
	// fields override the merged demands' identity fields entirely, per
	// the resume-affinity invariant.
	Affinity *v1.Affinity
}

// ResolveResult is the outcome of resolving a blueprint against a request.
type ResolveResult struct {
	Blueprint *Blueprint
	Demands   v1.Demands
	Payload   map[string]any
}

// Resolve runs the full blueprint resolution pipeline: load, validate
// parameters, merge demands, substitute placeholders. A hard failure at
// any step means the run must never be enqueued.
func (l *Loader) Resolve(req ResolveRequest) (*ResolveResult, error) {
	bp, err := l.Load(req.AgentName)
	if err != nil {
		return nil, err
	}

	schemaBytes := bp.ParametersSchema
	if req.RunType == v1.RunTypeResumeSession {
		schemaBytes = implicitParametersSchema
	} else if bp.Type == KindAgent && len(bp.ParametersSchema) == 0 {
		schemaBytes = implicitParametersSchema
	}
	if err := validateAgainstSchema(schemaBytes, req.Parameters); err != nil {
		return nil, err
	}

	merged := demand.Merge(bp.Demands, req.AdditionalDemands)
	if req.Affinity != nil {
		merged.Hostname = req.Affinity.Hostname
		merged.ProjectDir = req.Affinity.ProjectDir
		merged.ExecutorType = req.Affinity.ExecutorType
	}

	sources := placeholder.Sources{
		Params:  req.Parameters,
		Scope:   req.Scope,
		Env:     processEnv(),
		Runtime: req.Runtime,
	}

	rawPayload, err := buildRawPayload(bp, req.Parameters)
	if err != nil {
		return nil, err
	}

	resolved, err := placeholder.ResolveValue(rawPayload, sources)
	if err != nil {
		if missing, ok := err.(*placeholder.MissingError); ok {
			return nil, apperrors.ValidationError("payload", missing.Error())
		}
		return nil, apperrors.InternalError("failed to resolve placeholders", err)
	}

	payload, ok := resolved.(map[string]any)
	if !ok {
		return nil, apperrors.InternalError("resolved payload was not an object", nil)
	}

	return &ResolveResult{Blueprint: bp, Demands: merged, Payload: payload}, nil
}

func buildRawPayload(bp *Blueprint, params map[string]any) (map[string]any, error) {
	payload := map[string]any{
		"agent_name": bp.Name,
		"type":       string(bp.Type),
		"parameters": params,
	}

	switch bp.Type {
	case KindAgent:
		payload["system_prompt"] = bp.SystemPrompt
		if len(bp.MCPServers) > 0 {
			var mcp any
			if err := json.Unmarshal(bp.MCPServers, &mcp); err != nil {
				return nil, apperrors.InternalError("failed to parse blueprint mcp servers", err)
			}
			payload["mcp_servers"] = mcp
		}
		if len(bp.OutputSchema) > 0 {
			var schema any
			if err := json.Unmarshal(bp.OutputSchema, &schema); err != nil {
				return nil, apperrors.InternalError("failed to parse blueprint output schema", err)
			}
			payload["output_schema"] = schema
		}
	case KindDeterministic:
		payload["command"] = bp.Command
		payload["parameter_strategy"] = string(bp.ParameterStrategy)
		payload["timeout_seconds"] = bp.TimeoutSeconds
	}

	return payload, nil
}

func processEnv() map[string]any {
	out := make(map[string]any)
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			out[parts[0]] = parts[1]
		}
	}
	return out
}
