package run

import (
	"errors"
	"fmt"

	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
)

var (
	ErrRunNotFound       = errors.New("run: not found")
	ErrRunExists         = errors.New("run: already exists")
	ErrInvalidRequest    = errors.New("run: invalid request")
	ErrInvalidTransition = errors.New("run: invalid state transition")
	ErrMissingPolicyPin  = errors.New("run: missing policy pin")
	ErrConcurrentUpdate  = errors.New("run: concurrent update")
	ErrParentNotRunning  = errors.New("run: parent run is not running")
	ErrNotRetryable      = errors.New("run: only failed runs can be retried")
	ErrTerminalImmutable = errors.New("run: terminal run is immutable")
)

// TransitionError describes a rejected lifecycle transition. Forced reports
// whether the run was moved to failed as a consequence.
type TransitionError struct {
	RunID  string
	From   contracts.RunStatus
	To     contracts.RunStatus
	Forced bool
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("run %s: illegal transition %s -> %s", e.RunID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
