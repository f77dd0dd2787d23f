// Package speech wraps a speech-recognition engine with the per-platform
// capture policy: start gating, silence finalization, restart governance and
// error classification.
//
// A Service is not safe for concurrent use. It is owned by the session loop:
// every method is called from that loop, and timers and background probes
// report back by posting Signals which the loop feeds to Fire.
package speech

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/interview-agent/internal/clock"
	"github.com/chadiek/interview-agent/internal/faults"
)

// Gate is consulted before every engine start; it must report whether the
// conversation is currently in the listening phase with its cooldown elapsed.
type Gate interface {
	CanStartRecognition(now time.Time) bool
	InProcessing() bool
}

// RecognitionSession is the observable state of the recognition service.
type RecognitionSession struct {
	IsActive              bool      `json:"is_active"`
	IsStarting            bool      `json:"is_starting"`
	ConsecutiveErrorCount int       `json:"consecutive_error_count"`
	LastRestartAt         time.Time `json:"last_restart_at"`
	PendingTranscript     string    `json:"pending_transcript"`
	ManualStop            bool      `json:"manual_stop"`
	Disabled              bool      `json:"disabled"`
}

// OutputKind enumerates what the service reports back to its owner.
type OutputKind int

const (
	// OutputFinal carries a finalized user utterance.
	OutputFinal OutputKind = iota
	// OutputPartial carries the current in-progress text (UI mirror only).
	OutputPartial
	// OutputStarted: the engine is capturing.
	OutputStarted
	// OutputRestart: an automatic restart was attempted.
	OutputRestart
	// OutputEngineError: a transient engine error was counted.
	OutputEngineError
	// OutputRepeatedFailure: the consecutive error threshold was reached.
	OutputRepeatedFailure
	// OutputFatal: permission denied or engine unavailable.
	OutputFatal
)

// Output is one report from the service.
type Output struct {
	Kind  OutputKind
	Text  string
	Code  ErrorCode
	Cause Cause
	Err   error
}

type signalKind int

const (
	sigSilence signalKind = iota
	sigHung
	sigRestart
	sigProbed
	sigStartReady
)

// Signal is a deferred wake-up produced by the service's own timers and
// probes. The owner posts it back through Fire on its loop.
type Signal struct {
	kind  signalKind
	seq   uint64
	cause Cause
	err   error
}

type slot struct {
	t   clock.Timer
	seq uint64
}

// Options configures a Service.
type Options struct {
	Policy               Policy
	MaxConsecutiveErrors int
	RestartMinInterval   time.Duration
}

// Service drives one Engine under a Policy.
type Service struct {
	engine Engine
	probe  MicProbe
	gate   Gate
	clk    clock.Clock
	post   func(Signal)
	log    zerolog.Logger

	policy    Policy
	maxErrors int
	governor  *Governor

	state     RecognitionSession
	finalized []string
	interim   string
	lastErr   bool
	attempts  int
	tornDown  bool

	seq      uint64
	startSeq uint64
	silence  slot
	hung     slot
	restart  slot
	retry    slot
}

// NewService builds a recognition service. post must deliver the Signal to
// Fire on the owner's loop; it may be called from any goroutine.
func NewService(engine Engine, probe MicProbe, gate Gate, clk clock.Clock, post func(Signal), opts Options, log zerolog.Logger) *Service {
	if opts.MaxConsecutiveErrors <= 0 {
		opts.MaxConsecutiveErrors = 5
	}
	return &Service{
		engine:    engine,
		probe:     probe,
		gate:      gate,
		clk:       clk,
		post:      post,
		log:       log.With().Str("component", "speech").Str("platform", opts.Policy.Platform.String()).Logger(),
		policy:    opts.Policy,
		maxErrors: opts.MaxConsecutiveErrors,
		governor:  NewGovernor(opts.RestartMinInterval),
	}
}

// Policy returns the active policy.
func (s *Service) Policy() Policy { return s.policy }

// State returns a copy of the recognition state.
func (s *Service) State() RecognitionSession {
	st := s.state
	st.LastRestartAt = s.governor.Last()
	st.PendingTranscript = s.pending()
	return st
}

// Start requests a recognition start. It is a silent no-op when disabled,
// already active or starting, or when the gate is closed.
func (s *Service) Start() []Output {
	now := s.clk.Now()
	if s.tornDown || s.state.Disabled {
		s.state.IsStarting = false
		s.log.Debug().Msg("start skipped: recognition disabled")
		return nil
	}
	if s.state.IsActive || s.state.IsStarting {
		return nil
	}
	if !s.gate.CanStartRecognition(now) {
		s.state.IsStarting = false
		s.log.Debug().Msg("start skipped: gate closed")
		return nil
	}
	s.state.ManualStop = false
	s.state.IsStarting = true
	s.attempts = 0
	s.seq++
	s.startSeq = s.seq

	if s.policy.ProbeMicrophone && s.probe != nil {
		seq := s.startSeq
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := s.probe.Probe(ctx)
			s.post(Signal{kind: sigProbed, seq: seq, err: err})
		}()
		return nil
	}
	return s.launch(now)
}

// Stop force-stops recognition. It is idempotent and marks the stop as
// manual so the end-of-session handler does not auto-restart.
func (s *Service) Stop() {
	already := s.state.ManualStop
	s.state.ManualStop = true
	s.seq++
	s.startSeq = 0
	s.cancel(&s.hung)
	s.cancel(&s.restart)
	s.cancel(&s.retry)
	if !already && (s.state.IsActive || s.state.IsStarting) {
		if err := s.engine.Stop(); err != nil {
			s.log.Debug().Err(err).Msg("engine stop")
		}
	}
	s.state.IsStarting = false
}

// ClearTimers cancels every pending silence, hung, restart and retry timer.
func (s *Service) ClearTimers() {
	s.cancel(&s.silence)
	s.cancel(&s.hung)
	s.cancel(&s.restart)
	s.cancel(&s.retry)
}

// ClearTranscript drops buffered recognition text.
func (s *Service) ClearTranscript() {
	s.cancel(&s.silence)
	s.finalized = nil
	s.interim = ""
}

// Resume clears the disabled state and the consecutive error count.
func (s *Service) Resume() {
	if s.tornDown {
		return
	}
	s.state.Disabled = false
	s.state.ConsecutiveErrorCount = 0
}

// Teardown stops the engine and refuses every later start.
func (s *Service) Teardown() {
	s.Stop()
	s.ClearTimers()
	s.ClearTranscript()
	s.tornDown = true
	s.state.Disabled = true
}

// HandleEngineEvent processes one engine callback.
func (s *Service) HandleEngineEvent(ev EngineEvent) []Output {
	switch ev.Kind {
	case EngineStarted:
		return s.onStarted()
	case EngineEnded:
		return s.onEnded()
	case EngineError:
		return s.onError(ev.Code, ev.Message)
	case EngineResult:
		return s.onResult(ev.Results)
	}
	return nil
}

// Fire processes a Signal posted by one of the service's timers or probes.
// Stale signals are ignored.
func (s *Service) Fire(sig Signal) []Output {
	if s.tornDown {
		return nil
	}
	switch sig.kind {
	case sigSilence:
		if sig.seq != s.silence.seq {
			return nil
		}
		s.silence = slot{}
		return s.finalizeOnSilence()
	case sigHung:
		if sig.seq != s.hung.seq {
			return nil
		}
		s.hung = slot{}
		s.log.Info().Dur("timeout", s.policy.HungTimeout).Msg("recognition produced nothing, reclaiming engine")
		s.lastErr = false
		if err := s.engine.Stop(); err != nil {
			s.log.Debug().Err(err).Msg("engine stop")
		}
		s.state.ManualStop = false
		s.scheduleRestart(CauseHung)
		return nil
	case sigRestart:
		if sig.seq != s.restart.seq {
			return nil
		}
		s.restart = slot{}
		now := s.clk.Now()
		if s.state.Disabled || s.state.IsActive || s.state.IsStarting || !s.gate.CanStartRecognition(now) {
			return nil
		}
		out := []Output{{Kind: OutputRestart, Cause: sig.cause}}
		return append(out, s.Start()...)
	case sigProbed:
		if sig.seq != s.startSeq || !s.state.IsStarting {
			return nil
		}
		if sig.err != nil {
			s.state.IsStarting = false
			if faults.KindOf(sig.err) == faults.KindPermissionDenied {
				return s.fatal(faults.New(faults.KindPermissionDenied, "speech.probe", sig.err))
			}
			s.log.Warn().Err(sig.err).Msg("microphone probe failed")
			return nil
		}
		s.arm(&s.retry, s.policy.StartDelay, Signal{kind: sigStartReady})
		return nil
	case sigStartReady:
		if sig.seq != s.retry.seq || !s.state.IsStarting {
			return nil
		}
		s.retry = slot{}
		return s.launch(s.clk.Now())
	}
	return nil
}

// launch calls the engine after re-checking the gate, retrying a failed
// start according to the policy.
func (s *Service) launch(now time.Time) []Output {
	if s.state.Disabled || !s.gate.CanStartRecognition(now) {
		s.state.IsStarting = false
		return nil
	}
	s.governor.Record(now)
	s.attempts++
	err := s.engine.Start(s.policy.EngineConfig())
	if err == nil {
		return nil
	}
	if k := faults.KindOf(err); k.Fatal() {
		s.state.IsStarting = false
		return s.fatal(err)
	}
	if s.attempts <= s.policy.StartRetries {
		at := s.governor.Next(now, CauseStartRetry)
		s.log.Warn().Err(err).Int("attempt", s.attempts).Time("retry_at", at).Msg("recognition start failed, retrying")
		s.arm(&s.retry, at.Sub(now), Signal{kind: sigStartReady})
		return nil
	}
	s.state.IsStarting = false
	s.log.Error().Err(err).Int("attempts", s.attempts).Msg("recognition start failed")
	return nil
}

func (s *Service) onStarted() []Output {
	s.state.IsActive = true
	s.state.IsStarting = false
	s.state.ConsecutiveErrorCount = 0
	s.lastErr = false
	if s.state.ManualStop {
		if err := s.engine.Stop(); err != nil {
			s.log.Debug().Err(err).Msg("engine stop")
		}
		return nil
	}
	s.armHung()
	return []Output{{Kind: OutputStarted}}
}

func (s *Service) onEnded() []Output {
	s.state.IsActive = false
	s.state.IsStarting = false
	s.cancel(&s.hung)
	if s.state.ManualStop {
		return nil
	}
	if s.tornDown || s.state.Disabled {
		return nil
	}
	cause := CauseCompletion
	if s.lastErr {
		cause = CauseError
	}
	s.scheduleRestart(cause)
	return nil
}

func (s *Service) onError(code ErrorCode, msg string) []Output {
	kind := code.Kind()
	if kind.Fatal() {
		s.state.IsStarting = false
		return s.fatal(faults.Newf(kind, "speech.engine", "%s: %s", code, msg))
	}
	if code == CodeAborted && s.state.ManualStop {
		return nil
	}
	s.lastErr = true
	s.state.ConsecutiveErrorCount++
	out := []Output{{Kind: OutputEngineError, Code: code}}
	s.log.Warn().Str("code", string(code)).Str("message", msg).Int("consecutive", s.state.ConsecutiveErrorCount).Msg("recognition error")
	if s.state.ConsecutiveErrorCount >= s.maxErrors {
		s.state.Disabled = true
		s.cancel(&s.restart)
		s.cancel(&s.retry)
		err := faults.Newf(faults.KindRepeatedFailure, "speech.engine", "%d consecutive errors, last %s", s.state.ConsecutiveErrorCount, code)
		out = append(out, Output{Kind: OutputRepeatedFailure, Err: err})
	}
	return out
}

func (s *Service) onResult(results []Result) []Output {
	if s.tornDown || s.state.ManualStop || len(results) == 0 {
		return nil
	}
	s.state.ConsecutiveErrorCount = 0
	s.armHung()

	if s.policy.Finalization == FinalizeOnEngineFinal {
		for _, r := range results {
			text := strings.TrimSpace(r.Text)
			if !r.IsFinal || text == "" {
				continue
			}
			s.interim = ""
			s.finalized = nil
			return []Output{{Kind: OutputFinal, Text: text}}
		}
		s.interim = strings.TrimSpace(results[len(results)-1].Text)
		return []Output{{Kind: OutputPartial, Text: s.pending()}}
	}

	s.interim = ""
	for _, r := range results {
		text := strings.TrimSpace(r.Text)
		if text == "" {
			continue
		}
		if r.IsFinal {
			s.finalized = append(s.finalized, text)
		} else {
			s.interim = text
		}
	}
	text := s.pending()
	if text == "" {
		return nil
	}
	wait := s.policy.SilenceTimeout
	if s.policy.ContinuationGrace > 0 && isContinuationLikely(text) {
		wait += s.policy.ContinuationGrace
	}
	s.arm(&s.silence, wait, Signal{kind: sigSilence})
	return []Output{{Kind: OutputPartial, Text: text}}
}

func (s *Service) finalizeOnSilence() []Output {
	text := s.pending()
	if text == "" || s.gate.InProcessing() {
		return nil
	}
	s.finalized = nil
	s.interim = ""
	return []Output{{Kind: OutputFinal, Text: text}}
}

func (s *Service) fatal(err error) []Output {
	s.state.Disabled = true
	s.ClearTimers()
	s.log.Error().Err(err).Msg("recognition unavailable")
	return []Output{{Kind: OutputFatal, Err: err}}
}

func (s *Service) scheduleRestart(cause Cause) {
	if s.restart.t != nil {
		return
	}
	now := s.clk.Now()
	at := s.governor.Next(now, cause)
	s.log.Debug().Str("cause", cause.String()).Time("at", at).Msg("restart scheduled")
	s.arm(&s.restart, at.Sub(now), Signal{kind: sigRestart, cause: cause})
}

func (s *Service) armHung() {
	if s.policy.HungTimeout <= 0 {
		return
	}
	s.arm(&s.hung, s.policy.HungTimeout, Signal{kind: sigHung})
}

func (s *Service) arm(sl *slot, d time.Duration, sig Signal) uint64 {
	s.cancel(sl)
	s.seq++
	sig.seq = s.seq
	sl.seq = s.seq
	sl.t = s.clk.AfterFunc(d, func() { s.post(sig) })
	return sig.seq
}

func (s *Service) cancel(sl *slot) {
	if sl.t != nil {
		sl.t.Stop()
	}
	*sl = slot{}
}

func (s *Service) pending() string {
	parts := append([]string(nil), s.finalized...)
	if s.interim != "" {
		parts = append(parts, s.interim)
	}
	return strings.Join(parts, " ")
}
