package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
)

func runEvents(t *testing.T, l *MemoryLedger, runID string) []contracts.AuditEvent {
	t.Helper()
	events, err := l.Query(context.Background(), Filter{RunID: runID})
	require.NoError(t, err)
	return events
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	l := NewMemoryLedger()
	appendMandatory(t, l, "run-1", contracts.ActionToolExecuted, contracts.OutcomeAllow)

	tests := []struct {
		name   string
		tamper func([]contracts.AuditEvent) []contracts.AuditEvent
	}{
		{"content edit", func(ev []contracts.AuditEvent) []contracts.AuditEvent {
			ev[2].Reason = "edited"
			return ev
		}},
		{"dropped event", func(ev []contracts.AuditEvent) []contracts.AuditEvent {
			return append(ev[:2], ev[3:]...)
		}},
		{"reordered", func(ev []contracts.AuditEvent) []contracts.AuditEvent {
			ev[1], ev[2] = ev[2], ev[1]
			return ev
		}},
		{"relinked", func(ev []contracts.AuditEvent) []contracts.AuditEvent {
			ev[3].PrevHash = ev[1].EventHash
			return ev
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := tt.tamper(runEvents(t, l, "run-1"))
			assert.ErrorIs(t, VerifyChain(events), ErrChainBroken)
		})
	}
	assert.NoError(t, VerifyChain(runEvents(t, l, "run-1")))
	assert.NoError(t, VerifyChain(nil))
}

func TestVerifyMandatoryChain(t *testing.T) {
	tests := []struct {
		name    string
		fifth   contracts.ActionType
		allowed contracts.Outcome
		wantErr bool
	}{
		{"executed", contracts.ActionToolExecuted, contracts.OutcomeAllow, false},
		{"denied", contracts.ActionToolDenied, contracts.OutcomeDeny, false},
		{"timeout", contracts.ActionToolTimeout, contracts.OutcomeAllow, false},
		{"failed", contracts.ActionToolFailed, contracts.OutcomeAllow, false},
		{"executed after deny", contracts.ActionToolExecuted, contracts.OutcomeDeny, true},
		{"denied after allow", contracts.ActionToolDenied, contracts.OutcomeAllow, true},
		{"wrong fifth", contracts.ActionDBWrite, contracts.OutcomeAllow, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewMemoryLedger()
			appendMandatory(t, l, "run-1", tt.fifth, tt.allowed)
			err := VerifyMandatoryChain(runEvents(t, l, "run-1"))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMandatoryChain)
				var ce *ChainError
				assert.ErrorAs(t, err, &ce)
				assert.Equal(t, 4, ce.Position)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestVerifyMandatoryChain_ShapeErrors(t *testing.T) {
	l := NewMemoryLedger()
	appendMandatory(t, l, "run-1", contracts.ActionToolExecuted, contracts.OutcomeAllow)
	events := runEvents(t, l, "run-1")

	var ce *ChainError
	err := VerifyMandatoryChain(events[:5])
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 5, ce.Position)

	extra := append(append([]contracts.AuditEvent(nil), events...), events[0])
	err = VerifyMandatoryChain(extra)
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 6, ce.Position)

	swapped := append([]contracts.AuditEvent(nil), events...)
	swapped[0], swapped[1] = swapped[1], swapped[0]
	err = VerifyMandatoryChain(swapped)
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 0, ce.Position)

	assert.ErrorIs(t, VerifyMandatoryChain(nil), ErrMandatoryChain)
}

func TestCompensate(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	appendMandatory(t, l, "run-1", contracts.ActionToolExecuted, contracts.OutcomeAllow)
	before := runEvents(t, l, "run-1")

	id, err := Compensate(ctx, l, before[4], Correction{
		Outcome: contracts.OutcomeFailure,
		Reason:  "output artifact was corrupt",
		Actor:   contracts.Actor{Type: contracts.ActorUser, ID: "reviewer"},
	})
	require.NoError(t, err)

	after := runEvents(t, l, "run-1")
	require.Len(t, after, 7)
	assert.Equal(t, before, after[:6], "original events are unchanged")
	corr := after[6]
	assert.Equal(t, id, corr.EventID)
	require.NotNil(t, corr.CorrectsEventID)
	assert.Equal(t, before[4].EventID, *corr.CorrectsEventID)
	assert.Equal(t, contracts.ActionToolExecuted, corr.ActionType)

	assert.NoError(t, VerifyChain(after))
	assert.NoError(t, VerifyMandatoryChain(after), "corrections are outside the mandatory chain")

	_, err = Compensate(ctx, l, before[4], Correction{Outcome: contracts.OutcomeFailure})
	assert.ErrorIs(t, err, ErrInvalidEvent)
	_, err = Compensate(ctx, l, contracts.AuditEvent{}, Correction{Outcome: contracts.OutcomeFailure, Reason: "x"})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}
