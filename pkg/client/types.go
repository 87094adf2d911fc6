package client

import (
	"time"

	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
)

// CreateRunRequest is the body of POST /v1/runs. Actor and role come from
// the token.
type CreateRunRequest struct {
	Kind            contracts.RunKind       `json:"run_kind"`
	ParentRunID     string                  `json:"parent_run_id,omitempty"`
	CorrelationID   string                  `json:"correlation_id,omitempty"`
	CaseID          string                  `json:"case_id,omitempty"`
	LaneID          string                  `json:"lane_id,omitempty"`
	ContractVersion string                  `json:"contract_version,omitempty"`
	InputArtifacts  []contracts.ArtifactRef `json:"input_artifacts,omitempty"`
	Scope           map[string]string       `json:"scope,omitempty"`
	Metadata        map[string]string       `json:"metadata,omitempty"`
}

// RunView is a run with its direct children.
type RunView struct {
	Run      *contracts.Run   `json:"run"`
	Children []*contracts.Run `json:"children"`
}

type AuthorizeRequest struct {
	RunID  string            `json:"run_id"`
	LaneID string            `json:"lane_id,omitempty"`
	Target contracts.Target  `json:"target"`
	Scope  map[string]string `json:"scope,omitempty"`
}

// AuthorizeResponse is a recorded dry-run decision. Decision is "allow" or
// "deny"; the reason fields are set on deny.
type AuthorizeResponse struct {
	Decision     string                      `json:"decision"`
	Reason       string                      `json:"reason,omitempty"`
	Stage        string                      `json:"stage,omitempty"`
	Detail       string                      `json:"detail,omitempty"`
	ErrorCode    contracts.ErrorCode         `json:"error_code,omitempty"`
	DecisionHash string                      `json:"decision_hash"`
	PolicyRefs   contracts.PolicyVersionRefs `json:"policy_version_refs"`
}

// AuditQuery filters GET /v1/audit. Callers other than system actors must set
// RunID or CaseID.
type AuditQuery struct {
	RunID       string
	CaseID      string
	LaneID      string
	ActionTypes []contracts.ActionType
	Since       time.Time
	Until       time.Time
	Limit       int
}

type VerifyResult struct {
	RunID               string   `json:"run_id"`
	EventCount          int      `json:"event_count"`
	ChainValid          bool     `json:"chain_valid"`
	MandatoryChainValid *bool    `json:"mandatory_chain_valid,omitempty"`
	Errors              []string `json:"errors,omitempty"`
}
