package contracts

import "encoding/json"

// ToolCallRequest is the envelope a run submits to the gateway.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ToolCallRequest struct {
	ToolName       string            `json:"tool_name"`
	Operation      string            `json:"operation,omitempty"`
	LaneID         string            `json:"lane_id"`
	RoleID         string            `json:"role_id"`
	Actor          Actor             `json:"actor"`
	CaseID         *string           `json:"case_id"`
	RunID          string            `json:"run_id"`
	ParentRunID    *string           `json:"parent_run_id"`
	CorrelationID  *string           `json:"correlation_id,omitempty"`
	InputArtifacts []ArtifactRef     `json:"input_artifacts"`
	Parameters     json.RawMessage   `json:"parameters,omitempty"`
	Scope          map[string]string `json:"scope"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Retry          bool              `json:"retry,omitempty"`
	RequestHash    string            `json:"request_hash,omitempty"`
}

// HashView is the request as it is hashed: the caller-supplied request_hash is
// excluded so the hash is a pure function of the call itself.
func (r ToolCallRequest) HashView() ToolCallRequest {
	r.RequestHash = ""
	return r
}

// ToolCallResponse is what the gateway returns for every mediated call.
type ToolCallResponse struct {
	Outcome         Outcome       `json:"outcome"`
	RunID           string        `json:"run_id"`
	OutputArtifacts []ArtifactRef `json:"output_artifacts"`
	ResponseHash    string        `json:"response_hash,omitempty"`
	Error           *ToolError    `json:"error"`
}
