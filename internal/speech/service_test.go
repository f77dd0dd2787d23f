package speech

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/interview-agent/internal/clock"
	"github.com/chadiek/interview-agent/internal/faults"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeEngine struct {
	clk      clock.Clock
	starts   []time.Time
	stops    int
	startErr []error
}

func (e *fakeEngine) Start(EngineConfig) error {
	e.starts = append(e.starts, e.clk.Now())
	if len(e.startErr) > 0 {
		err := e.startErr[0]
		e.startErr = e.startErr[1:]
		return err
	}
	return nil
}

func (e *fakeEngine) Stop() error {
	e.stops++
	return nil
}

type fakeGate struct {
	open       bool
	processing bool
}

func (g *fakeGate) CanStartRecognition(time.Time) bool { return g.open }
func (g *fakeGate) InProcessing() bool                 { return g.processing }

type probeFunc func(ctx context.Context) error

func (f probeFunc) Probe(ctx context.Context) error { return f(ctx) }

type harness struct {
	clk    *clock.Manual
	engine *fakeEngine
	gate   *fakeGate
	sigs   chan Signal
	svc    *Service
}

func newHarness(policy Policy, probe MicProbe) *harness {
	clk := clock.NewManual(t0)
	h := &harness{
		clk:    clk,
		engine: &fakeEngine{clk: clk},
		gate:   &fakeGate{open: true},
		sigs:   make(chan Signal, 256),
	}
	post := func(s Signal) { h.sigs <- s }
	h.svc = NewService(h.engine, probe, h.gate, clk, post, Options{Policy: policy, MaxConsecutiveErrors: 5, RestartMinInterval: 3 * time.Second}, zerolog.Nop())
	return h
}

// drain fires every queued signal, including ones queued while firing.
func (h *harness) drain() []Output {
	var out []Output
	for {
		select {
		case s := <-h.sigs:
			out = append(out, h.svc.Fire(s)...)
		default:
			return out
		}
	}
}

func (h *harness) advance(d time.Duration) []Output {
	h.clk.Advance(d)
	return h.drain()
}

func (h *harness) event(ev EngineEvent) []Output { return h.svc.HandleEngineEvent(ev) }

func outputKinds(outs []Output) []OutputKind {
	k := make([]OutputKind, 0, len(outs))
	for _, o := range outs {
		k = append(k, o.Kind)
	}
	return k
}

func finals(outs []Output) []string {
	var s []string
	for _, o := range outs {
		if o.Kind == OutputFinal {
			s = append(s, o.Text)
		}
	}
	return s
}

func TestService_DesktopSilenceFinalizes(t *testing.T) {
	h := newHarness(DesktopPolicy(), nil)
	h.svc.Start()
	require.Len(t, h.engine.starts, 1)
	assert.Equal(t, []OutputKind{OutputStarted}, outputKinds(h.event(EngineEvent{Kind: EngineStarted})))

	h.event(EngineEvent{Kind: EngineResult, Results: []Result{{Text: "I have"}}})
	assert.Empty(t, finals(h.advance(1900*time.Millisecond)))

	// New speech resets the window.
	h.event(EngineEvent{Kind: EngineResult, Results: []Result{{Text: "I have five years", IsFinal: true}, {Text: "in backend"}}})
	assert.Equal(t, "I have five years in backend", h.svc.State().PendingTranscript)
	assert.Empty(t, finals(h.advance(1900*time.Millisecond)))

	assert.Equal(t, []string{"I have five years in backend"}, finals(h.advance(100*time.Millisecond)))
	assert.Empty(t, h.svc.State().PendingTranscript)
}

func TestService_SilenceHeldWhileProcessing(t *testing.T) {
	h := newHarness(DesktopPolicy(), nil)
	h.svc.Start()
	h.event(EngineEvent{Kind: EngineStarted})
	h.event(EngineEvent{Kind: EngineResult, Results: []Result{{Text: "late words"}}})
	h.gate.processing = true
	assert.Empty(t, finals(h.advance(3*time.Second)))
}

func TestService_ContinuationGraceExtendsSilence(t *testing.T) {
	p := DesktopPolicy()
	p.ContinuationGrace = time.Second
	h := newHarness(p, nil)
	h.svc.Start()
	h.event(EngineEvent{Kind: EngineStarted})
	h.event(EngineEvent{Kind: EngineResult, Results: []Result{{Text: "I worked on payments and"}}})
	assert.Empty(t, finals(h.advance(2500*time.Millisecond)))
	assert.Len(t, finals(h.advance(500*time.Millisecond)), 1)
}

func TestService_ClearTranscriptDropsPendingSilence(t *testing.T) {
	h := newHarness(DesktopPolicy(), nil)
	h.svc.Start()
	h.event(EngineEvent{Kind: EngineStarted})
	h.event(EngineEvent{Kind: EngineResult, Results: []Result{{Text: "stale"}}})
	h.svc.ClearTranscript()
	assert.Empty(t, finals(h.advance(5*time.Second)))
}

func TestService_StartGated(t *testing.T) {
	h := newHarness(DesktopPolicy(), nil)
	h.gate.open = false
	assert.Empty(t, h.svc.Start())
	assert.Empty(t, h.engine.starts)
	assert.False(t, h.svc.State().IsStarting)

	h.gate.open = true
	h.svc.Start()
	h.svc.Start()
	assert.Len(t, h.engine.starts, 1)
}

func TestService_StopIsManualAndIdempotent(t *testing.T) {
	h := newHarness(DesktopPolicy(), nil)
	h.svc.Start()
	h.event(EngineEvent{Kind: EngineStarted})
	h.svc.Stop()
	h.svc.Stop()
	assert.Equal(t, 1, h.engine.stops)
	h.event(EngineEvent{Kind: EngineEnded})
	h.advance(10 * time.Second)
	assert.Len(t, h.engine.starts, 1, "manual stop must not auto-restart")
}

// A burst of end-of-session events must never produce more than one engine
// start in any restart window.
func TestService_RestartsAreRateLimited(t *testing.T) {
	h := newHarness(DesktopPolicy(), nil)
	h.svc.Start()
	h.event(EngineEvent{Kind: EngineStarted})
	for i := 0; i < 10; i++ {
		h.event(EngineEvent{Kind: EngineEnded})
	}
	seen := 1
	for step := 0; step < 100; step++ {
		h.advance(100 * time.Millisecond)
		if len(h.engine.starts) > seen {
			seen = len(h.engine.starts)
			h.event(EngineEvent{Kind: EngineStarted})
			for i := 0; i < 3; i++ {
				h.event(EngineEvent{Kind: EngineEnded})
			}
		}
	}
	require.GreaterOrEqual(t, len(h.engine.starts), 3)
	for i := 1; i < len(h.engine.starts); i++ {
		gap := h.engine.starts[i].Sub(h.engine.starts[i-1])
		assert.GreaterOrEqual(t, gap, 3*time.Second)
	}
	assert.Equal(t, h.engine.starts[len(h.engine.starts)-1], h.svc.State().LastRestartAt)
}

func TestService_RestartSkippedWhenGateCloses(t *testing.T) {
	h := newHarness(DesktopPolicy(), nil)
	h.svc.Start()
	h.event(EngineEvent{Kind: EngineStarted})
	h.event(EngineEvent{Kind: EngineEnded})
	h.gate.open = false
	h.advance(5 * time.Second)
	assert.Len(t, h.engine.starts, 1)
}

func TestService_RepeatedFailureDisables(t *testing.T) {
	h := newHarness(DesktopPolicy(), nil)
	h.svc.Start()
	h.event(EngineEvent{Kind: EngineStarted})

	var outs []Output
	for i := 0; i < 5; i++ {
		outs = append(outs, h.event(EngineEvent{Kind: EngineError, Code: CodeNetwork})...)
	}
	require.Equal(t, OutputRepeatedFailure, outs[len(outs)-1].Kind)
	assert.True(t, errors.Is(outs[len(outs)-1].Err, faults.ErrRepeatedFailure))
	assert.True(t, h.svc.State().Disabled)

	h.event(EngineEvent{Kind: EngineEnded})
	h.advance(10 * time.Second)
	assert.Empty(t, h.svc.Start())
	assert.Len(t, h.engine.starts, 1)

	h.svc.Resume()
	assert.Zero(t, h.svc.State().ConsecutiveErrorCount)
	h.svc.Start()
	assert.Len(t, h.engine.starts, 2)
}

func TestService_ResultResetsErrorCount(t *testing.T) {
	h := newHarness(DesktopPolicy(), nil)
	h.svc.Start()
	h.event(EngineEvent{Kind: EngineStarted})
	for i := 0; i < 4; i++ {
		h.event(EngineEvent{Kind: EngineError, Code: CodeNoSpeech})
	}
	h.event(EngineEvent{Kind: EngineResult, Results: []Result{{Text: "hello"}}})
	outs := h.event(EngineEvent{Kind: EngineError, Code: CodeNoSpeech})
	assert.Equal(t, []OutputKind{OutputEngineError}, outputKinds(outs))
	assert.False(t, h.svc.State().Disabled)
}

func TestService_PermissionDeniedIsFatal(t *testing.T) {
	h := newHarness(DesktopPolicy(), nil)
	h.svc.Start()
	outs := h.event(EngineEvent{Kind: EngineError, Code: CodeNotAllowed})
	require.Len(t, outs, 1)
	assert.Equal(t, OutputFatal, outs[0].Kind)
	assert.Equal(t, faults.KindPermissionDenied, faults.KindOf(outs[0].Err))

	h.event(EngineEvent{Kind: EngineEnded})
	h.advance(10 * time.Second)
	assert.Len(t, h.engine.starts, 1)
}

func TestService_MobileProbeThenDelayedStart(t *testing.T) {
	probed := make(chan struct{}, 1)
	h := newHarness(MobilePolicy(), probeFunc(func(context.Context) error {
		probed <- struct{}{}
		return nil
	}))
	assert.Empty(t, h.svc.Start())
	assert.True(t, h.svc.State().IsStarting)

	<-probed
	select {
	case sig := <-h.sigs:
		h.svc.Fire(sig)
	case <-time.After(time.Second):
		t.Fatal("probe did not report")
	}
	assert.Empty(t, h.engine.starts)

	h.advance(299 * time.Millisecond)
	assert.Empty(t, h.engine.starts)
	h.advance(time.Millisecond)
	require.Len(t, h.engine.starts, 1)
	assert.Equal(t, t0.Add(300*time.Millisecond), h.engine.starts[0])

	h.event(EngineEvent{Kind: EngineStarted})
	outs := h.event(EngineEvent{Kind: EngineResult, Results: []Result{{Text: "Sure, I can", IsFinal: false}}})
	assert.Equal(t, []OutputKind{OutputPartial}, outputKinds(outs))
	outs = h.event(EngineEvent{Kind: EngineResult, Results: []Result{{Text: "Sure, I can explain.", IsFinal: true}}})
	assert.Equal(t, []string{"Sure, I can explain."}, finals(outs))
}

func TestService_MobileProbeDenied(t *testing.T) {
	h := newHarness(MobilePolicy(), probeFunc(func(context.Context) error {
		return faults.New(faults.KindPermissionDenied, "probe", errors.New("no track"))
	}))
	h.svc.Start()
	var outs []Output
	select {
	case sig := <-h.sigs:
		outs = h.svc.Fire(sig)
	case <-time.After(time.Second):
		t.Fatal("probe did not report")
	}
	require.Len(t, outs, 1)
	assert.Equal(t, OutputFatal, outs[0].Kind)
	assert.True(t, h.svc.State().Disabled)
	assert.Empty(t, h.engine.starts)
}

func TestService_MobileStartRetriedOnce(t *testing.T) {
	h := newHarness(MobilePolicy(), nil)
	h.engine.startErr = []error{errors.New("busy"), errors.New("busy again")}
	h.svc.Start()
	require.Len(t, h.engine.starts, 1)
	h.advance(10 * time.Second)
	assert.Len(t, h.engine.starts, 2)
	assert.False(t, h.svc.State().IsStarting)
}

func TestService_MobileHungEngineReclaimed(t *testing.T) {
	h := newHarness(MobilePolicy(), nil)
	h.svc.Start()
	h.event(EngineEvent{Kind: EngineStarted})

	h.advance(9 * time.Second)
	assert.Zero(t, h.engine.stops)
	h.advance(time.Second)
	assert.Equal(t, 1, h.engine.stops)

	h.event(EngineEvent{Kind: EngineEnded})
	outs := h.advance(5 * time.Second)
	assert.Contains(t, outputKinds(outs), OutputRestart)
	assert.Len(t, h.engine.starts, 2)
}

func TestService_TeardownRefusesStart(t *testing.T) {
	h := newHarness(DesktopPolicy(), nil)
	h.svc.Start()
	h.event(EngineEvent{Kind: EngineStarted})
	h.svc.Teardown()
	h.svc.Resume()
	assert.Empty(t, h.svc.Start())
	assert.Len(t, h.engine.starts, 1)
	assert.Zero(t, h.clk.Pending())
}

func TestPolicyFor(t *testing.T) {
	assert.Equal(t, FinalizeOnSilence, PolicyFor(ParsePlatform("desktop")).Finalization)
	m := PolicyFor(ParsePlatform("iOS"))
	assert.Equal(t, FinalizeOnEngineFinal, m.Finalization)
	assert.False(t, m.Continuous)
	assert.Equal(t, 300*time.Millisecond, m.StartDelay)
	assert.Equal(t, 10*time.Second, m.HungTimeout)
}

func TestErrorCodeKind(t *testing.T) {
	assert.Equal(t, faults.KindPermissionDenied, CodeNotAllowed.Kind())
	assert.Equal(t, faults.KindEngineUnavailable, CodeServiceNotAllowed.Kind())
	assert.Equal(t, faults.KindTransientEngineError, CodeNoSpeech.Kind())
	assert.Equal(t, faults.KindTransientEngineError, CodeAudioCapture.Kind())
}

func TestIsContinuationLikely(t *testing.T) {
	assert.True(t, isContinuationLikely("I moved to Go because"))
	assert.True(t, isContinuationLikely("and, um"))
	assert.False(t, isContinuationLikely("That is all."))
	assert.False(t, isContinuationLikely("   "))
}

func TestGovernor_NextSpacesEveryCause(t *testing.T) {
	g := NewGovernor(3 * time.Second)
	assert.Equal(t, t0.Add(500*time.Millisecond), g.Next(t0, CauseError), "first restart only waits the cause delay")

	g.Record(t0)
	for _, c := range []Cause{CauseCompletion, CauseError, CauseHung, CauseStartRetry} {
		assert.Equal(t, t0.Add(3*time.Second), g.Next(t0.Add(time.Second), c), c.String())
	}
	assert.Equal(t, t0.Add(10*time.Second+500*time.Millisecond), g.Next(t0.Add(10*time.Second), CauseError))
}

// A start requested by the turn coordinator is gated by the cooldown, not by
// the restart interval, but it still resets the restart window.
func TestService_TurnStartRecordsRestartWindow(t *testing.T) {
	h := newHarness(DesktopPolicy(), nil)
	h.svc.Start()
	h.event(EngineEvent{Kind: EngineStarted})
	h.svc.Stop()
	h.event(EngineEvent{Kind: EngineEnded})

	h.advance(time.Second)
	h.svc.Start()
	require.Len(t, h.engine.starts, 2)
	assert.Equal(t, t0.Add(time.Second), h.engine.starts[1])
	assert.Equal(t, t0.Add(time.Second), h.svc.State().LastRestartAt)

	h.event(EngineEvent{Kind: EngineStarted})
	h.event(EngineEvent{Kind: EngineEnded})
	h.advance(2900 * time.Millisecond)
	assert.Len(t, h.engine.starts, 2)
	h.advance(100 * time.Millisecond)
	require.Len(t, h.engine.starts, 3)
	assert.Equal(t, t0.Add(4*time.Second), h.engine.starts[2])
}
