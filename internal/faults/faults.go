// Package faults defines the error taxonomy shared by the interview core and
// its collaborator adapters.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how the interview must react to it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindPermissionDenied: microphone or camera access was refused.
	KindPermissionDenied
	// KindEngineUnavailable: the ASR engine or avatar SDK is absent or unsupported.
	KindEngineUnavailable
	// KindTransientEngineError: recoverable engine error (no-speech, network, ...).
	KindTransientEngineError
	// KindRepeatedFailure: too many consecutive transient errors.
	KindRepeatedFailure
	// KindModelUnavailable: the LLM call failed.
	KindModelUnavailable
	// KindEmptyTranscript: transcription produced no text.
	KindEmptyTranscript
	// KindEmptyResponse: the model produced no usable text.
	KindEmptyResponse
)

var kindNames = map[Kind]string{
	KindUnknown:              "unknown",
	KindPermissionDenied:     "permission_denied",
	KindEngineUnavailable:    "engine_unavailable",
	KindTransientEngineError: "transient_engine_error",
	KindRepeatedFailure:      "repeated_failure",
	KindModelUnavailable:     "model_unavailable",
	KindEmptyTranscript:      "empty_transcript",
	KindEmptyResponse:        "empty_response",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Fatal reports whether a failure of this kind ends the interview session.
func (k Kind) Fatal() bool {
	return k == KindPermissionDenied || k == KindEngineUnavailable
}

// Sentinel errors, one per kind, for use with errors.Is.
var (
	ErrPermissionDenied     = &Error{Kind: KindPermissionDenied}
	ErrEngineUnavailable    = &Error{Kind: KindEngineUnavailable}
	ErrTransientEngineError = &Error{Kind: KindTransientEngineError}
	ErrRepeatedFailure      = &Error{Kind: KindRepeatedFailure}
	ErrModelUnavailable     = &Error{Kind: KindModelUnavailable}
	ErrEmptyTranscript      = &Error{Kind: KindEmptyTranscript}
	ErrEmptyResponse        = &Error{Kind: KindEmptyResponse}
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}
