package httpapi

import v1 "github.com/kandev/agentcoord/pkg/api/v1"

// CreateRunRequest is the body of POST /runs.
type CreateRunRequest struct {
	Type              v1.RunType       `json:"type" binding:"required"`
	AgentName         string           `json:"agent_name" binding:"required"`
	Parameters        map[string]any   `json:"parameters"`
	SessionID         string           `json:"session_id"`
	ParentSessionID   string           `json:"parent_session_id"`
	ExecutionMode     v1.ExecutionMode `json:"execution_mode"`
	AdditionalDemands v1.Demands       `json:"additional_demands"`
	Scope             map[string]any   `json:"scope"`
}

// CreateRunResponse is the body of POST /runs' 201 response.
type CreateRunResponse struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
}

// BindRequest is the body of POST /sessions/{id}/bind.
type BindRequest struct {
	ExecutorSessionID string `json:"executor_session_id" binding:"required"`
	ExecutorType      string `json:"executor_type" binding:"required"`
	Hostname          string `json:"hostname" binding:"required"`
	ProjectDir        string `json:"project_dir" binding:"required"`
}

// AppendEventRequest is the body of POST /sessions/{id}/events.
type AppendEventRequest struct {
	EventType string         `json:"event_type" binding:"required"`
	Payload   map[string]any `json:"payload"`
	RunID     *string        `json:"run_id"`
}

// RegisterRunnerRequest is the body of POST /runner/register.
type RegisterRunnerRequest struct {
	Hostname     string   `json:"hostname" binding:"required"`
	ProjectDir   string   `json:"project_dir" binding:"required"`
	ExecutorType string   `json:"executor_type" binding:"required"`
	Tags         []string `json:"tags"`
}

// RegisterRunnerResponse is the body of POST /runner/register's response.
type RegisterRunnerResponse struct {
	RunnerID string `json:"runner_id"`
}

// ReportCompletedRequest is the body of POST /runner/runs/{run_id}/completed.
type ReportCompletedRequest struct {
	Status     v1.RunStatus   `json:"status" binding:"required"`
	ResultText *string        `json:"result_text"`
	ResultData map[string]any `json:"result_data"`
	Error      *string        `json:"error"`
}

// ReportStartedRequest is the body of POST /runner/runs/{run_id}/started.
type ReportStartedRequest struct {
	RunnerID string `json:"runner_id" binding:"required"`
}

// CreateRelationRequest is the body of POST /relations.
type CreateRelationRequest struct {
	Definition     v1.RelationDefinition `json:"definition" binding:"required"`
	FromDocumentID string                `json:"from_document_id" binding:"required"`
	ToDocumentID   string                `json:"to_document_id" binding:"required"`
	FromToNote     string                `json:"from_to_note"`
	ToFromNote     string                `json:"to_from_note"`
}

// PatchRelationRequest is the body of PATCH /relations/{id}.
type PatchRelationRequest struct {
	DocumentID string `json:"document_id" binding:"required"`
	Note       string `json:"note"`
}
