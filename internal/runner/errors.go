package runner

import (
	"errors"
	"fmt"
)

var (
	// ErrRunInProgress is returned by Start while an invocation is still live.
	ErrRunInProgress = errors.New("a run is already in progress")
	// ErrNoSequence is returned by Start when no sequence is loaded.
	ErrNoSequence = errors.New("no sequence loaded")
)

// Kind classifies a run failure.
type Kind int

const (
	// KindPrecondition failures happen before any remote call.
	KindPrecondition Kind = iota + 1
	KindRemote
	// KindSoft failures are logged and flagged but do not stop the run.
	KindSoft
	KindUnderrun
	KindClock
	KindAborted
	KindInternal
)

var kindNames = map[Kind]string{
	KindPrecondition: "precondition",
	KindRemote:       "remote",
	KindSoft:         "soft",
	KindUnderrun:     "underrun",
	KindClock:        "clock",
	KindAborted:      "aborted",
	KindInternal:     "internal",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// RunError describes why an iteration or run stopped.
type RunError struct {
	Kind      Kind
	Iteration int
	Step      string
	Message   string
	Cause     error
}

func (e *RunError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *RunError) Unwrap() error {
	return e.Cause
}

// AsRunError returns the RunError in err's chain, or nil.
func AsRunError(err error) *RunError {
	var re *RunError
	if errors.As(err, &re) {
		return re
	}
	return nil
}

// IsKind reports whether err is a RunError of kind k.
func IsKind(err error, k Kind) bool {
	re := AsRunError(err)
	return re != nil && re.Kind == k
}

// Fatal reports whether err stops the run.
func Fatal(err error) bool {
	re := AsRunError(err)
	return re != nil && re.Kind != KindSoft
}
