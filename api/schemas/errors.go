package schemas

import (
	"context"
	"errors"
	"fmt"
)

// -- Error Taxonomy --

var (
	ErrSessionNotFound   = errors.New("session descriptor not found")
	ErrSessionCorrupt    = errors.New("session descriptor corrupt")
	ErrElementNotFound   = errors.New("element not found")
	ErrActionTimeout     = errors.New("action timed out")
	ErrDownloadTimedOut  = errors.New("download timed out")
	ErrDownloadIntegrity = errors.New("download integrity check failed")
	ErrUnexpectedUIState = errors.New("unexpected ui state")
	ErrStorageReplay     = errors.New("local storage replay failed")
)

// Stable kind names written to RunResult.ErrorKind.
const (
	KindSessionNotFound   = "SessionNotFound"
	KindSessionCorrupt    = "SessionCorrupt"
	KindElementNotFound   = "ElementNotFound"
	KindActionTimeout     = "ActionTimeout"
	KindDownloadTimedOut  = "DownloadTimedOut"
	KindDownloadIntegrity = "DownloadIntegrityFailed"
	KindUnexpectedUIState = "UnexpectedUIState"
	KindStorageReplay     = "StorageReplayFailed"
	KindCanceled          = "Canceled"
	KindInternal          = "Internal"
)

var kinds = []struct {
	err  error
	name string
}{
	// UnexpectedUIState goes first: a redirect to login often surfaces as a
	// missing element too, and must not be reported as one.
	{ErrUnexpectedUIState, KindUnexpectedUIState},
	{ErrSessionNotFound, KindSessionNotFound},
	{ErrSessionCorrupt, KindSessionCorrupt},
	{ErrStorageReplay, KindStorageReplay},
	{ErrDownloadTimedOut, KindDownloadTimedOut},
	{ErrDownloadIntegrity, KindDownloadIntegrity},
	{ErrElementNotFound, KindElementNotFound},
	{ErrActionTimeout, KindActionTimeout},
}

// KindOf maps an error onto the taxonomy. It returns "" for nil.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindActionTimeout
	}
	return KindInternal
}

// StepError attaches the state machine position to a failure.
type StepError struct {
	State State
	Step  string
	Kind  error
	Cause error
}

func (e *StepError) Error() string {
	switch {
	case e.Cause == nil:
		return fmt.Sprintf("%s/%s: %v", e.State, e.Step, e.Kind)
	case e.Kind == nil:
		return fmt.Sprintf("%s/%s: %v", e.State, e.Step, e.Cause)
	}
	return fmt.Sprintf("%s/%s: %v: %v", e.State, e.Step, e.Kind, e.Cause)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *StepError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	return out
}
