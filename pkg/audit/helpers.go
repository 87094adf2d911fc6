package audit

import (
	"time"

	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
)

// FixedClock returns a clock that always reports t.
func FixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// ByRun groups events by run id, preserving order.
func ByRun(events []contracts.AuditEvent) map[string][]contracts.AuditEvent {
	out := make(map[string][]contracts.AuditEvent)
	for _, ev := range events {
		out[ev.RunID] = append(out[ev.RunID], ev)
	}
	return out
}
