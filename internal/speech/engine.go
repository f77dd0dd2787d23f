package speech

import (
	"context"

	"github.com/chadiek/interview-agent/internal/faults"
)

// EngineConfig configures one recognition run.
type EngineConfig struct {
	Continuous     bool
	InterimResults bool
	Language       string
}

// Engine is the speech-recognition engine contract. Start and Stop return
// quickly; lifecycle and results are reported asynchronously as EngineEvents
// through the sink the engine was built with.
type Engine interface {
	Start(cfg EngineConfig) error
	Stop() error
}

// MicProbe opens and immediately releases the microphone input to re-acquire permission.
type MicProbe interface {
	Probe(ctx context.Context) error
}

// EngineEventKind mirrors the engine callbacks: onstart, onend, onerror, onresult.
type EngineEventKind int

const (
	EngineStarted EngineEventKind = iota
	EngineEnded
	EngineError
	EngineResult
)

// Result is one recognition hypothesis.
type Result struct {
	Text    string
	IsFinal bool
}

// EngineEvent is one engine callback.
type EngineEvent struct {
	Kind    EngineEventKind
	Code    ErrorCode
	Message string
	Results []Result
}

// ErrorCode is an engine error code.
type ErrorCode string

const (
	CodeNoSpeech            ErrorCode = "no-speech"
	CodeAborted             ErrorCode = "aborted"
	CodeAudioCapture        ErrorCode = "audio-capture"
	CodeNetwork             ErrorCode = "network"
	CodeNotAllowed          ErrorCode = "not-allowed"
	CodeServiceNotAllowed   ErrorCode = "service-not-allowed"
	CodeLanguageUnsupported ErrorCode = "language-not-supported"
)

// Kind classifies the code.
func (c ErrorCode) Kind() faults.Kind {
	switch c {
	case CodeNotAllowed:
		return faults.KindPermissionDenied
	case CodeServiceNotAllowed, CodeLanguageUnsupported:
		return faults.KindEngineUnavailable
	}
	return faults.KindTransientEngineError
}
