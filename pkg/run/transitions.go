package run

import "github.com/sfgonsio/AI-Legal-Service/pkg/contracts"

var transitions = map[contracts.RunStatus][]contracts.RunStatus{
	contracts.RunStatusCreated: {
		contracts.RunStatusRunning,
		contracts.RunStatusCancelled,
		contracts.RunStatusDenied,
	},
	contracts.RunStatusRunning: {
		contracts.RunStatusWaiting,
		contracts.RunStatusCompleted,
		contracts.RunStatusFailed,
		contracts.RunStatusDenied,
		contracts.RunStatusCancelled,
	},
	contracts.RunStatusWaiting: {
		contracts.RunStatusRunning,
		contracts.RunStatusCancelled,
	},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
// Terminal states have no outgoing edges.
func CanTransition(from, to contracts.RunStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// completionOutcome is the run_completed outcome for a terminal status.
func completionOutcome(s contracts.RunStatus) contracts.Outcome {
	switch s {
	case contracts.RunStatusCompleted:
		return contracts.OutcomeSuccess
	case contracts.RunStatusDenied:
		return contracts.OutcomeDeny
	default:
		return contracts.OutcomeFailure
	}
}
