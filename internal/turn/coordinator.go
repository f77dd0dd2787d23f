// Package turn owns "whose turn it is" during a spoken interview. The
// Coordinator is a pure state machine: callers feed it events with the
// current time and execute the Actions it returns.
package turn

import (
	"strings"
	"sync"
	"time"
)

// Phase is the single active turn phase.
type Phase int

const (
	Idle Phase = iota
	AvatarSpeaking
	Cooldown
	Listening
	AwaitingFinal
	Processing
)

var phaseNames = [...]string{"idle", "avatar_speaking", "cooldown", "listening", "awaiting_final", "processing"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// ActionKind enumerates side effects requested by the coordinator.
type ActionKind int

const (
	// StopRecognition force-stops any active or starting recognition.
	StopRecognition ActionKind = iota
	// ClearSpeechTimers cancels pending silence/restart timers.
	ClearSpeechTimers
	// ClearTranscript drops stale transcript buffers.
	ClearTranscript
	// StartRecognition requests a recognition start.
	StartRecognition
	// ScheduleListen asks the caller to call TryListen again at Action.At.
	ScheduleListen
	// Dispatch hands Action.Text to the conversation controller.
	Dispatch
)

// Action is one side effect the caller must perform, in order.
type Action struct {
	Kind ActionKind
	At   time.Time
	Text string
}

// Transition is one entry of the phase log.
type Transition struct {
	From  Phase
	To    Phase
	At    time.Time
	Cause string
}

// Config holds the coordinator timings.
type Config struct {
	// Cooldown is the mandatory settle time after the avatar stops talking.
	Cooldown time.Duration
	// ResumeDelay is how long to wait before listening again after an aborted turn.
	ResumeDelay time.Duration
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{Cooldown: 1500 * time.Millisecond, ResumeDelay: 2 * time.Second}
}

// Progress exposes the read-only conversation facts the coordinator needs.
type Progress interface {
	IsComplete() bool
}

// State is a point-in-time view of the coordinator.
type State struct {
	Phase               Phase     `json:"phase"`
	LastAvatarSpeakTime time.Time `json:"last_avatar_speak_time"`
	CooldownUntil       time.Time `json:"cooldown_until"`
	Thinking            bool      `json:"thinking"`
	RecognitionEnabled  bool      `json:"recognition_enabled"`
	RecognitionDisabled bool      `json:"recognition_disabled"`
	Stopped             bool      `json:"stopped"`
	Discarded           int       `json:"discarded_transcripts"`
}

// Coordinator is the turn-taking state machine. It is safe for concurrent
// use, but is designed to be driven from a single event loop.
type Coordinator struct {
	cfg      Config
	progress Progress

	mu                  sync.Mutex
	phase               Phase
	lastAvatarSpeakTime time.Time
	cooldownUntil       time.Time
	thinking            bool
	enabled             bool
	disabled            bool
	stopped             bool
	discarded           int
	log                 []Transition
	onTransition        func(Transition)
}

// New creates a coordinator in Idle with recognition enabled.
func New(cfg Config, progress Progress) *Coordinator {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.ResumeDelay <= 0 {
		cfg.ResumeDelay = DefaultConfig().ResumeDelay
	}
	return &Coordinator{cfg: cfg, progress: progress, phase: Idle, enabled: true}
}

// OnTransition registers a hook invoked (under the coordinator lock) for every phase change.
func (c *Coordinator) OnTransition(fn func(Transition)) {
	c.mu.Lock()
	c.onTransition = fn
	c.mu.Unlock()
}

// AvatarStarted handles the avatar "start talking" event. It is accepted from
// any phase: recognition is force-stopped and pending speech timers cleared.
func (c *Coordinator) AvatarStarted(now time.Time) []Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	c.lastAvatarSpeakTime = now
	c.setPhaseLocked(AvatarSpeaking, now, "avatar_started")
	return []Action{{Kind: StopRecognition}, {Kind: ClearSpeechTimers}}
}

// AvatarStopped handles the avatar "stop talking" event and opens the cooldown window.
func (c *Coordinator) AvatarStopped(now time.Time) []Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.phase != AvatarSpeaking {
		return nil
	}
	c.cooldownUntil = now.Add(c.cfg.Cooldown)
	c.setPhaseLocked(Cooldown, now, "avatar_stopped")
	return []Action{{Kind: ScheduleListen, At: c.cooldownUntil}}
}

// Think marks that a model call is in flight; listening is held until ResponseReady.
func (c *Coordinator) Think() {
	c.mu.Lock()
	c.thinking = true
	c.mu.Unlock()
}

// TryListen enters Listening when every gate is open, or asks to be retried
// at the cooldown deadline when only the deadline is in the way.
func (c *Coordinator) TryListen(now time.Time) []Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.thinking || !c.enabled || c.disabled {
		return nil
	}
	if c.phase != Idle && c.phase != Cooldown {
		return nil
	}
	if c.progress != nil && c.progress.IsComplete() {
		return nil
	}
	if now.Before(c.cooldownUntil) {
		return []Action{{Kind: ScheduleListen, At: c.cooldownUntil}}
	}
	c.setPhaseLocked(Listening, now, "listen")
	return []Action{{Kind: ClearTranscript}, {Kind: StartRecognition}}
}

// CanStartRecognition is the hard gate consulted before every engine start.
func (c *Coordinator) CanStartRecognition(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.stopped && c.enabled && !c.disabled &&
		c.phase == Listening && !now.Before(c.cooldownUntil)
}

// InProcessing reports whether a user turn is currently being processed.
func (c *Coordinator) InProcessing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == AwaitingFinal || c.phase == Processing
}

// FinalTranscript accepts a finalized transcript only while Listening and
// moves it straight through AwaitingFinal into Processing. Anything arriving
// in another phase is discarded.
func (c *Coordinator) FinalTranscript(now time.Time, text string) (bool, []Action) {
	c.mu.Lock()
	defer c.mu.Unlock()
	text = strings.TrimSpace(text)
	if c.stopped || c.phase != Listening || text == "" {
		c.discarded++
		return false, nil
	}
	c.setPhaseLocked(AwaitingFinal, now, "final_transcript")
	c.thinking = true
	c.setPhaseLocked(Processing, now, "dispatch")
	return true, []Action{{Kind: StopRecognition}, {Kind: ClearSpeechTimers}, {Kind: Dispatch, Text: text}}
}

// ResponseReady ends the thinking hold once the conversation controller has
// finished its exchange (including speaking the reply).
func (c *Coordinator) ResponseReady(now time.Time) []Action {
	c.mu.Lock()
	c.thinking = false
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	if c.phase == Processing {
		c.setPhaseLocked(Idle, now, "response_ready")
	}
	c.mu.Unlock()
	return c.TryListen(now)
}

// TurnAborted handles a failed exchange: the turn is dropped and listening
// resumes after the configured delay.
func (c *Coordinator) TurnAborted(now time.Time) []Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.thinking = false
	if c.stopped {
		return nil
	}
	if c.phase == Processing || c.phase == AwaitingFinal {
		c.setPhaseLocked(Idle, now, "turn_aborted")
	}
	at := now.Add(c.cfg.ResumeDelay)
	if at.Before(c.cooldownUntil) {
		at = c.cooldownUntil
	}
	return []Action{{Kind: ScheduleListen, At: at}}
}

// RecognitionFailed enters the terminal "recognition disabled" sub-state.
// Only Resume leaves it.
func (c *Coordinator) RecognitionFailed(now time.Time) []Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled = true
	if c.phase == Listening {
		c.setPhaseLocked(Idle, now, "recognition_disabled")
	}
	return []Action{{Kind: StopRecognition}, {Kind: ClearSpeechTimers}}
}

// Resume clears the recognition-disabled sub-state after a manual user action.
func (c *Coordinator) Resume(now time.Time) []Action {
	c.mu.Lock()
	c.disabled = false
	c.enabled = true
	c.mu.Unlock()
	return c.TryListen(now)
}

// SetRecognitionEnabled toggles recognition administratively.
func (c *Coordinator) SetRecognitionEnabled(now time.Time, on bool) []Action {
	c.mu.Lock()
	c.enabled = on
	if on {
		c.mu.Unlock()
		return c.TryListen(now)
	}
	if c.phase == Listening {
		c.setPhaseLocked(Idle, now, "recognition_off")
	}
	c.mu.Unlock()
	return []Action{{Kind: StopRecognition}, {Kind: ClearSpeechTimers}}
}

// Teardown moves to Idle and refuses every later event.
func (c *Coordinator) Teardown(now time.Time) []Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	c.setPhaseLocked(Idle, now, "teardown")
	c.stopped = true
	c.enabled = false
	c.thinking = false
	return []Action{{Kind: StopRecognition}, {Kind: ClearSpeechTimers}}
}

// Snapshot returns the current state.
func (c *Coordinator) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Phase:               c.phase,
		LastAvatarSpeakTime: c.lastAvatarSpeakTime,
		CooldownUntil:       c.cooldownUntil,
		Thinking:            c.thinking,
		RecognitionEnabled:  c.enabled,
		RecognitionDisabled: c.disabled,
		Stopped:             c.stopped,
		Discarded:           c.discarded,
	}
}

// Phase returns the active phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Transitions returns a copy of the phase log.
func (c *Coordinator) Transitions() []Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Transition, len(c.log))
	copy(out, c.log)
	return out
}

func (c *Coordinator) setPhaseLocked(to Phase, now time.Time, cause string) {
	if c.phase == to {
		return
	}
	tr := Transition{From: c.phase, To: to, At: now, Cause: cause}
	c.phase = to
	c.log = append(c.log, tr)
	if c.onTransition != nil {
		c.onTransition(tr)
	}
}
