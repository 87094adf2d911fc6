package audit

import (
	"errors"
	"fmt"

	"github.com/sfgonsio/AI-Legal-Service/pkg/canonicalize"
	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
)

// ErrMandatoryChain is returned when a mediated run's events deviate from the
// mandatory sequence.
var ErrMandatoryChain = errors.New("audit: mandatory event chain violated")

// MandatoryChain is the event order every mediated tool call must produce.
// Position 4 accepts any of the outcome events in OutcomeEvents.
var MandatoryChain = []contracts.ActionType{
	contracts.ActionRunCreated,
	contracts.ActionLaneAuthorized,
	contracts.ActionToolRequested,
	contracts.ActionToolAllowed,
	contracts.ActionToolDenied,
	contracts.ActionRunCompleted,
}

// OutcomeEvents may occupy the fifth position of the mandatory chain.
var OutcomeEvents = []contracts.ActionType{
	contracts.ActionToolDenied,
	contracts.ActionToolExecuted,
	contracts.ActionToolFailed,
	contracts.ActionToolTimeout,
}

// ComputeEventHash hashes the canonical form of ev with EventHash cleared.
func ComputeEventHash(ev *contracts.AuditEvent) (string, error) {
	c := *ev
	c.EventHash = ""
	h, err := canonicalize.CanonicalHash(c)
	if err != nil {
		return "", fmt.Errorf("audit: hash event: %w", err)
	}
	return h, nil
}

// VerifyChain checks that events (one run, ordered by sequence) form an
// unbroken hash chain starting at Genesis.
func VerifyChain(events []contracts.AuditEvent) error {
	prev := Genesis
	for i := range events {
		ev := &events[i]
		if ev.Sequence != uint64(i+1) {
			return fmt.Errorf("%w: event %s has sequence %d, want %d", ErrChainBroken, ev.EventID, ev.Sequence, i+1)
		}
		if ev.PrevHash != prev {
			return fmt.Errorf("%w: event %s does not link to its predecessor", ErrChainBroken, ev.EventID)
		}
		h, err := ComputeEventHash(ev)
		if err != nil {
			return err
		}
		if h != ev.EventHash {
			return fmt.Errorf("%w: event %s content does not match its hash", ErrChainBroken, ev.EventID)
		}
		prev = ev.EventHash
	}
	return nil
}

// ChainError locates a mandatory chain violation.
type ChainError struct {
	RunID    string
	Position int
	Got      contracts.ActionType
	Want     string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("run %s: position %d: got %q, want %s", e.RunID, e.Position, e.Got, e.Want)
}

func (e *ChainError) Unwrap() error { return ErrMandatoryChain }

// VerifyMandatoryChain checks the events of one mediated run against the
// mandatory order. Compensating events are not part of the chain and are
// skipped. The outcome event must agree with the tool_allowed decision.
func VerifyMandatoryChain(events []contracts.AuditEvent) error {
	chain := make([]contracts.AuditEvent, 0, len(events))
	for _, ev := range events {
		if ev.CorrectsEventID != nil {
			continue
		}
		chain = append(chain, ev)
	}

	runID := ""
	if len(chain) > 0 {
		runID = chain[0].RunID
	}
	for i, want := range MandatoryChain {
		if i >= len(chain) {
			return &ChainError{RunID: runID, Position: i, Got: "", Want: string(want)}
		}
		got := chain[i].ActionType
		if chain[i].RunID != runID {
			return &ChainError{RunID: runID, Position: i, Got: got, Want: "event of the same run"}
		}
		if i == 4 {
			if !isOutcomeEvent(got) {
				return &ChainError{RunID: runID, Position: i, Got: got, Want: "tool_denied|tool_executed|tool_failed|tool_timeout"}
			}
			allowed := chain[3].Outcome == contracts.OutcomeAllow
			if allowed == (got == contracts.ActionToolDenied) {
				return &ChainError{RunID: runID, Position: i, Got: got, Want: "outcome event consistent with tool_allowed"}
			}
			continue
		}
		if got != want {
			return &ChainError{RunID: runID, Position: i, Got: got, Want: string(want)}
		}
	}
	if len(chain) > len(MandatoryChain) {
		return &ChainError{RunID: runID, Position: len(MandatoryChain), Got: chain[len(MandatoryChain)].ActionType, Want: "end of chain"}
	}
	return nil
}

func isOutcomeEvent(a contracts.ActionType) bool {
	for _, o := range OutcomeEvents {
		if a == o {
			return true
		}
	}
	return false
}
