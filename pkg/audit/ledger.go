// Package audit implements the append-only audit ledger of the governed
// execution core.
//
// Events are ordered by a per-run sequence and hash-chained per run. No
// implementation exposes update or delete; corrections are new events that
// reference the original through CorrectsEventID.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
)

// Genesis is the PrevHash of the first event of every run.
const Genesis = "genesis"

var (
	ErrInvalidEvent = errors.New("audit: invalid event")
	ErrChainBroken  = errors.New("audit: hash chain is broken")
	ErrEventExists  = errors.New("audit: event id already recorded")
	ErrAppendOnly   = errors.New("audit: ledger is append-only")
)

// Ledger is the append-only event store.
type Ledger interface {
	// Append assigns id, sequence and chain hashes to ev, persists it and
	// returns the event id.
	Append(ctx context.Context, ev *contracts.AuditEvent) (string, error)
	// Query returns matching events ordered by run and sequence.
	Query(ctx context.Context, f Filter) ([]contracts.AuditEvent, error)
}

// Filter selects events. Zero fields match everything.
type Filter struct {
	RunID       string
	CaseID      string
	LaneID      string
	ActionTypes []contracts.ActionType
	Since       time.Time
	Until       time.Time
	Limit       int
}

// Matches reports whether ev satisfies the filter.
func (f Filter) Matches(ev *contracts.AuditEvent) bool {
	if f.RunID != "" && ev.RunID != f.RunID {
		return false
	}
	if f.CaseID != "" && contracts.Deref(ev.CaseID) != f.CaseID {
		return false
	}
	if f.LaneID != "" && contracts.Deref(ev.LaneID) != f.LaneID {
		return false
	}
	if len(f.ActionTypes) > 0 {
		found := false
		for _, a := range f.ActionTypes {
			if ev.ActionType == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// IDGenerator produces event ids.
type IDGenerator interface {
	NextEventID(runID string, sequence uint64) string
}

// UUIDs generates random event ids.
type UUIDs struct{}

func (UUIDs) NextEventID(string, uint64) string { return uuid.NewString() }

// SequentialIDs derives event ids from the run id and sequence
// (EVT_<run>_001, EVT_<run>_002, ...), used where output must be reproducible.
type SequentialIDs struct{}

func (SequentialIDs) NextEventID(runID string, sequence uint64) string {
	return fmt.Sprintf("EVT_%s_%03d", runID, sequence)
}

// Option configures a ledger implementation.
type Option func(*Options)

// Options are shared by ledger implementations.
type Options struct {
	Clock func() time.Time
	IDs   IDGenerator
}

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(o *Options) { o.Clock = clock }
}

// WithIDGenerator overrides event id generation.
func WithIDGenerator(ids IDGenerator) Option {
	return func(o *Options) { o.IDs = ids }
}

// ApplyOptions resolves opts over the defaults.
func ApplyOptions(opts ...Option) Options {
	o := Options{
		Clock: func() time.Time { return time.Now().UTC() },
		IDs:   UUIDs{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Validate rejects events missing required fields.
func Validate(ev *contracts.AuditEvent) error {
	if ev == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if ev.RunID == "" {
		return fmt.Errorf("%w: run_id is required", ErrInvalidEvent)
	}
	if !ev.ActionType.Valid() {
		return fmt.Errorf("%w: action_type %q", ErrInvalidEvent, ev.ActionType)
	}
	if !ev.Outcome.Valid() {
		return fmt.Errorf("%w: outcome %q", ErrInvalidEvent, ev.Outcome)
	}
	return nil
}

// Seal stamps ev with its chain position and computes EventHash.
// Timestamps are truncated to microseconds so every store round-trips them.
func Seal(ev *contracts.AuditEvent, id string, sequence uint64, prevHash string, now time.Time) error {
	ev.EventID = id
	ev.Sequence = sequence
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	ev.Timestamp = ev.Timestamp.UTC().Truncate(time.Microsecond)
	ev.PrevHash = prevHash
	h, err := ComputeEventHash(ev)
	if err != nil {
		return err
	}
	ev.EventHash = h
	return nil
}
