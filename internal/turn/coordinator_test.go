package turn

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProgress struct{ complete bool }

func (f *fakeProgress) IsComplete() bool { return f.complete }

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func kinds(actions []Action) []ActionKind {
	out := make([]ActionKind, 0, len(actions))
	for _, a := range actions {
		out = append(out, a.Kind)
	}
	return out
}

func TestCoordinator_AvatarCycleToListening(t *testing.T) {
	c := New(DefaultConfig(), &fakeProgress{})

	acts := c.AvatarStarted(t0)
	assert.Equal(t, []ActionKind{StopRecognition, ClearSpeechTimers}, kinds(acts))
	assert.Equal(t, AvatarSpeaking, c.Phase())

	stop := t0.Add(3 * time.Second)
	acts = c.AvatarStopped(stop)
	require.Len(t, acts, 1)
	assert.Equal(t, ScheduleListen, acts[0].Kind)
	assert.Equal(t, stop.Add(1500*time.Millisecond), acts[0].At)
	assert.Equal(t, Cooldown, c.Phase())

	// Too early: the deadline is a hard gate.
	acts = c.TryListen(stop.Add(time.Second))
	require.Len(t, acts, 1)
	assert.Equal(t, ScheduleListen, acts[0].Kind)
	assert.Equal(t, Cooldown, c.Phase())
	assert.False(t, c.CanStartRecognition(stop.Add(time.Second)))

	acts = c.TryListen(stop.Add(1500 * time.Millisecond))
	assert.Equal(t, []ActionKind{ClearTranscript, StartRecognition}, kinds(acts))
	assert.Equal(t, Listening, c.Phase())
	assert.True(t, c.CanStartRecognition(stop.Add(1500*time.Millisecond)))
}

func TestCoordinator_AvatarStartedStopsListening(t *testing.T) {
	c := New(DefaultConfig(), nil)
	c.TryListen(t0)
	require.Equal(t, Listening, c.Phase())

	acts := c.AvatarStarted(t0.Add(time.Second))
	assert.Contains(t, kinds(acts), StopRecognition)
	assert.Equal(t, AvatarSpeaking, c.Phase())
	assert.False(t, c.CanStartRecognition(t0.Add(time.Second)))
}

func TestCoordinator_AtMostOneInFlightTurn(t *testing.T) {
	c := New(DefaultConfig(), nil)
	c.TryListen(t0)

	ok, acts := c.FinalTranscript(t0.Add(time.Second), "  I led a migration project. ")
	require.True(t, ok)
	assert.Equal(t, []ActionKind{StopRecognition, ClearSpeechTimers, Dispatch}, kinds(acts))
	assert.Equal(t, "I led a migration project.", acts[2].Text)
	assert.Equal(t, Processing, c.Phase())

	ok, acts = c.FinalTranscript(t0.Add(time.Second+time.Millisecond), "stale callback")
	assert.False(t, ok)
	assert.Empty(t, acts)
	assert.Equal(t, 1, c.Snapshot().Discarded)

	tr := c.Transitions()
	require.GreaterOrEqual(t, len(tr), 3)
	assert.Equal(t, AwaitingFinal, tr[len(tr)-2].To)
	assert.Equal(t, Processing, tr[len(tr)-1].To)
}

func TestCoordinator_EmptyTranscriptDiscarded(t *testing.T) {
	c := New(DefaultConfig(), nil)
	c.TryListen(t0)
	ok, _ := c.FinalTranscript(t0, "   ")
	assert.False(t, ok)
	assert.Equal(t, Listening, c.Phase())
}

func TestCoordinator_ThinkingHoldsListening(t *testing.T) {
	c := New(DefaultConfig(), nil)
	c.TryListen(t0)
	c.FinalTranscript(t0, "answer")

	c.AvatarStarted(t0.Add(time.Second))
	c.AvatarStopped(t0.Add(2 * time.Second))
	// Cooldown elapsed, but the controller has not returned yet.
	assert.Empty(t, c.TryListen(t0.Add(5*time.Second)))
	assert.Equal(t, Cooldown, c.Phase())

	acts := c.ResponseReady(t0.Add(5 * time.Second))
	assert.Equal(t, []ActionKind{ClearTranscript, StartRecognition}, kinds(acts))
	assert.Equal(t, Listening, c.Phase())
}

func TestCoordinator_ResponseReadyWithoutSpeech(t *testing.T) {
	c := New(DefaultConfig(), nil)
	c.TryListen(t0)
	c.FinalTranscript(t0, "answer")

	acts := c.ResponseReady(t0.Add(time.Second))
	assert.Equal(t, Listening, c.Phase())
	assert.Contains(t, kinds(acts), StartRecognition)
}

func TestCoordinator_TurnAbortedResumesAfterDelay(t *testing.T) {
	c := New(Config{Cooldown: time.Second, ResumeDelay: 2 * time.Second}, nil)
	c.TryListen(t0)
	c.FinalTranscript(t0, "answer")

	acts := c.TurnAborted(t0.Add(time.Second))
	require.Len(t, acts, 1)
	assert.Equal(t, ScheduleListen, acts[0].Kind)
	assert.Equal(t, t0.Add(3*time.Second), acts[0].At)
	assert.Equal(t, Idle, c.Phase())

	c.TryListen(acts[0].At)
	assert.Equal(t, Listening, c.Phase())
}

func TestCoordinator_RecognitionDisabledUntilResume(t *testing.T) {
	c := New(DefaultConfig(), nil)
	c.TryListen(t0)

	c.RecognitionFailed(t0.Add(time.Second))
	assert.Equal(t, Idle, c.Phase())
	assert.True(t, c.Snapshot().RecognitionDisabled)
	assert.Empty(t, c.TryListen(t0.Add(10*time.Second)))
	assert.False(t, c.CanStartRecognition(t0.Add(10*time.Second)))

	acts := c.Resume(t0.Add(11 * time.Second))
	assert.Contains(t, kinds(acts), StartRecognition)
	assert.False(t, c.Snapshot().RecognitionDisabled)
}

func TestCoordinator_CompleteConversationStopsListening(t *testing.T) {
	p := &fakeProgress{complete: true}
	c := New(DefaultConfig(), p)
	c.AvatarStarted(t0)
	c.AvatarStopped(t0.Add(time.Second))
	assert.Empty(t, c.TryListen(t0.Add(time.Minute)))
	assert.Equal(t, Cooldown, c.Phase())
}

func TestCoordinator_TeardownRefusesEvents(t *testing.T) {
	c := New(DefaultConfig(), nil)
	c.TryListen(t0)
	acts := c.Teardown(t0.Add(time.Second))
	assert.Contains(t, kinds(acts), StopRecognition)
	assert.Equal(t, Idle, c.Phase())

	assert.Empty(t, c.AvatarStarted(t0.Add(2*time.Second)))
	ok, _ := c.FinalTranscript(t0.Add(2*time.Second), "late")
	assert.False(t, ok)
	assert.Empty(t, c.TryListen(t0.Add(time.Hour)))
	assert.Empty(t, c.Teardown(t0.Add(time.Hour)))
}

// Drives random event sequences and checks the phase log invariants:
// Listening is never entered from AvatarSpeaking, and never before the
// cooldown deadline that follows the last avatar stop.
func TestCoordinator_RandomSequencesKeepInvariants(t *testing.T) {
	cfg := DefaultConfig()
	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 200; run++ {
		c := New(cfg, nil)
		now := t0
		var lastStop time.Time
		for step := 0; step < 60; step++ {
			now = now.Add(time.Duration(rng.Intn(2000)) * time.Millisecond)
			switch rng.Intn(8) {
			case 0:
				c.AvatarStarted(now)
			case 1:
				if c.Phase() == AvatarSpeaking {
					lastStop = now
				}
				c.AvatarStopped(now)
			case 2, 3:
				c.TryListen(now)
			case 4:
				c.FinalTranscript(now, "words")
			case 5:
				c.ResponseReady(now)
			case 6:
				c.TurnAborted(now)
			case 7:
				if c.Phase() == Listening {
					assert.True(t, c.CanStartRecognition(now))
				}
			}
		}
		var prev Phase = Idle
		for _, tr := range c.Transitions() {
			require.Equal(t, prev, tr.From)
			if tr.To == Listening {
				require.NotEqual(t, AvatarSpeaking, tr.From)
				if !lastStop.IsZero() && tr.At.After(lastStop) {
					require.False(t, tr.At.Before(lastStop.Add(cfg.Cooldown)))
				}
			}
			prev = tr.To
		}
	}
}
