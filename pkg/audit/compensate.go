package audit

import (
	"context"
	"fmt"

	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
)

// Correction describes a compensating event.
type Correction struct {
	Outcome contracts.Outcome
	Reason  string
	Actor   contracts.Actor
}

// Compensate appends a new event to original's run that corrects it. The
// original is never modified.
func Compensate(ctx context.Context, l Ledger, original contracts.AuditEvent, c Correction) (string, error) {
	if original.EventID == "" {
		return "", fmt.Errorf("%w: compensated event has no id", ErrInvalidEvent)
	}
	if c.Reason == "" {
		return "", fmt.Errorf("%w: correction requires a reason", ErrInvalidEvent)
	}
	id := original.EventID
	ev := &contracts.AuditEvent{
		ActionType:        original.ActionType,
		Outcome:           c.Outcome,
		Reason:            contracts.BoundMessage(c.Reason),
		RunID:             original.RunID,
		ParentRunID:       original.ParentRunID,
		RootRunID:         original.RootRunID,
		CaseID:            original.CaseID,
		LaneID:            original.LaneID,
		Actor:             c.Actor,
		RoleID:            original.RoleID,
		ContractVersion:   original.ContractVersion,
		PolicyVersionRefs: original.PolicyVersionRefs,
		Target:            original.Target,
		RequestHash:       original.RequestHash,
		CorrectsEventID:   &id,
	}
	return l.Append(ctx, ev)
}
