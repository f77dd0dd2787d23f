// Package session runs one interview. Engine callbacks, avatar events,
// timers, controller results and user commands are all posted to a single
// channel and handled by one loop goroutine, the only caller of the turn
// coordinator and the recognition service.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/interview-agent/internal/avatar"
	"github.com/chadiek/interview-agent/internal/clock"
	"github.com/chadiek/interview-agent/internal/faults"
	"github.com/chadiek/interview-agent/internal/interview"
	"github.com/chadiek/interview-agent/internal/metrics"
	"github.com/chadiek/interview-agent/internal/recording"
	"github.com/chadiek/interview-agent/internal/speech"
	"github.com/chadiek/interview-agent/internal/storage"
	"github.com/chadiek/interview-agent/internal/turn"
)

// Recorder captures the interview's media for the whole session.
type Recorder interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) (*recording.Session, error)
}

// Archiver stores the finalized artifacts.
type Archiver interface {
	Save(ctx context.Context, interviewID string, art storage.Artifacts) ([]string, error)
}

type Config struct {
	Turn      turn.Config
	Speech    speech.Options
	Interview interview.Config
	// RecordingStartTimeout bounds the wait for the candidate's tracks.
	RecordingStartTimeout time.Duration
	// FinalizeTimeout bounds recorder shutdown and upload at teardown.
	FinalizeTimeout time.Duration
}

// Deps are the collaborators of one session. Recorder, Archive and
// Notifier are optional.
type Deps struct {
	Engine   speech.Engine
	Probe    speech.MicProbe
	Avatar   avatar.Session
	Audio    avatar.AudioChannel
	Model    interview.Completer
	Recorder Recorder
	Archive  Archiver
	Notifier Notifier
	Clock    clock.Clock
}

type eventKind int

const (
	evEngine eventKind = iota
	evSignal
	evAvatar
	evListen
	evTurnDone
	evRecording
	evResume
	evRetry
	evBegin
	evTeardown
)

type turnKind int

const (
	turnBegin turnKind = iota
	turnAnswer
	turnAssess
)

func (k turnKind) String() string {
	switch k {
	case turnBegin:
		return "begin"
	case turnAssess:
		return "assessment"
	default:
		return "answer"
	}
}

type event struct {
	kind    eventKind
	engine  speech.EngineEvent
	signal  speech.Signal
	avatar  avatar.Event
	seq     uint64
	turn    turnKind
	outcome interview.Outcome
	err     error
	reason  string
	reply   chan *Result
}

// Result is what a finished session leaves behind.
type Result struct {
	Reason    string             `json:"reason"`
	Keys      []string           `json:"keys,omitempty"`
	Recording *recording.Session `json:"-"`
	Err       error              `json:"-"`
}

// Status is a point-in-time view of a session.
type Status struct {
	ID          string                    `json:"id"`
	Platform    string                    `json:"platform"`
	Phase       string                    `json:"phase"`
	Turn        turn.State                `json:"turn"`
	Recognition speech.RecognitionSession `json:"recognition"`
	Report      *Report                   `json:"report"`
	Recording   bool                      `json:"recording"`
	Ended       bool                      `json:"ended"`
	StartedAt   time.Time                 `json:"started_at"`
}

// ErrEnded is returned by commands sent to a finished session.
var ErrEnded = errors.New("session ended")

// Session is one interview.
type Session struct {
	id      string
	cfg     Config
	deps    Deps
	clk     clock.Clock
	log     zerolog.Logger
	notify  Notifier
	notices *Broadcaster

	coord  *turn.Coordinator
	speech *speech.Service
	driver *avatar.Driver
	ctrl   *interview.Controller

	events   chan event
	stopping chan struct{}
	done     chan struct{}
	runOnce  sync.Once

	// Owned by the loop goroutine.
	ctx         context.Context
	listenSeq   uint64
	listenTimer clock.Timer
	beginTimer  clock.Timer
	turnCancel  context.CancelFunc
	recCancel   context.CancelFunc
	endReason   string
	finished    bool

	mu        sync.Mutex
	recState  speech.RecognitionSession
	recording bool
	ended     bool
	result    *Result
	startedAt time.Time
}

// New wires a session. Call Run to start it.
func New(id string, cfg Config, deps Deps, log zerolog.Logger) *Session {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if cfg.RecordingStartTimeout <= 0 {
		cfg.RecordingStartTimeout = 15 * time.Second
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 30 * time.Second
	}
	s := &Session{
		id:       id,
		cfg:      cfg,
		deps:     deps,
		clk:      deps.Clock,
		log:      log.With().Str("interview_id", id).Logger(),
		notify:   deps.Notifier,
		notices:  NewBroadcaster(),
		events:   make(chan event, 256),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.driver = avatar.NewDriver(deps.Avatar, deps.Audio, s.log)
	s.ctrl = interview.NewController(cfg.Interview, deps.Model, s.driver, s.clk.Now, s.log)
	s.coord = turn.New(cfg.Turn, s.ctrl)
	s.coord.OnTransition(s.onTransition)
	s.speech = speech.NewService(deps.Engine, deps.Probe, s.coord, s.clk, s.postSignal, cfg.Speech, s.log)
	return s
}

func (s *Session) ID() string { return s.id }

// Done is closed when Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// PostEngine delivers a recognition engine callback. Safe from any goroutine.
func (s *Session) PostEngine(ev speech.EngineEvent) { s.post(event{kind: evEngine, engine: ev}) }

// PostAvatar delivers an avatar session event. Safe from any goroutine.
func (s *Session) PostAvatar(ev avatar.Event) { s.post(event{kind: evAvatar, avatar: ev}) }

// Resume clears the recognition-disabled state after the user asks to retry.
func (s *Session) Resume() error {
	if !s.post(event{kind: evResume}) {
		return ErrEnded
	}
	return nil
}

// RetryAssessment reruns a failed assessment.
func (s *Session) RetryAssessment() error {
	if !s.post(event{kind: evRetry}) {
		return ErrEnded
	}
	return nil
}

func (s *Session) postSignal(sig speech.Signal) { s.post(event{kind: evSignal, signal: sig}) }

// post enqueues ev unless the session is shutting down.
func (s *Session) post(ev event) bool {
	select {
	case <-s.stopping:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.stopping:
		return false
	}
}

// Run drives the session until it ends or ctx is cancelled. It may only be
// called once.
func (s *Session) Run(ctx context.Context) error {
	err := errors.New("session already running")
	s.runOnce.Do(func() { err = s.run(ctx) })
	return err
}

func (s *Session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer close(s.done)
	s.ctx = ctx

	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	s.mu.Lock()
	s.startedAt = s.clk.Now()
	s.mu.Unlock()
	s.log.Info().Str("platform", s.cfg.Speech.Policy.Platform.String()).Msg("interview started")

	s.startRecording()
	s.begin()

	for {
		select {
		case ev := <-s.events:
			if ev.kind == evTeardown {
				ev.reply <- s.finish(ev.reason)
				return nil
			}
			s.handle(ev)
			if s.endReason != "" {
				s.finish(s.endReason)
				return nil
			}
		case <-ctx.Done():
			s.finish("cancelled")
			return ctx.Err()
		}
	}
}

// Abandon ends a session that was never run. It is a no-op once Run has
// been called.
func (s *Session) Abandon(reason string) {
	s.runOnce.Do(func() {
		close(s.stopping)
		res := &Result{Reason: reason}
		s.mu.Lock()
		s.ended = true
		s.result = res
		s.mu.Unlock()
		s.emit(Notice{Kind: NoticeEnded, Text: reason})
		s.notices.Close()
		close(s.done)
		s.log.Info().Str("reason", reason).Msg("interview abandoned before start")
	})
}

// Teardown ends the session and waits for recordings to be finalized and
// uploaded.
func (s *Session) Teardown(ctx context.Context, reason string) (*Result, error) {
	reply := make(chan *Result, 1)
	if s.post(event{kind: evTeardown, reason: reason, reply: reply}) {
		select {
		case r := <-reply:
			return r, nil
		case <-s.done:
			return s.Result(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	select {
	case <-s.done:
		return s.Result(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome of a finished session, or nil.
func (s *Session) Result() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Status reports the session state.
func (s *Session) Status() Status {
	s.mu.Lock()
	rec, recording, ended, started := s.recState, s.recording, s.ended, s.startedAt
	s.mu.Unlock()
	ts := s.coord.Snapshot()
	return Status{
		ID:          s.id,
		Platform:    s.cfg.Speech.Policy.Platform.String(),
		Phase:       ts.Phase.String(),
		Turn:        ts,
		Recognition: rec,
		Report:      NewReport(s.ctrl.Snapshot()),
		Recording:   recording,
		Ended:       ended,
		StartedAt:   started,
	}
}

// Subscribe streams the session's notices. Persistent notices are replayed
// first. The channel is closed once the session has ended.
func (s *Session) Subscribe(buffer int) (<-chan Notice, func()) {
	return s.notices.Subscribe(buffer)
}

// Transitions returns the phase log.
func (s *Session) Transitions() []turn.Transition { return s.coord.Transitions() }

// Transcript returns the conversation so far as text.
func (s *Session) Transcript() string { return s.ctrl.Transcript() }

func (s *Session) handle(ev event) {
	now := s.clk.Now()
	switch ev.kind {
	case evEngine:
		s.outputs(s.speech.HandleEngineEvent(ev.engine))
	case evSignal:
		s.outputs(s.speech.Fire(ev.signal))
	case evAvatar:
		s.onAvatar(ev.avatar)
	case evListen:
		if ev.seq == s.listenSeq {
			s.listenTimer = nil
			s.apply(s.coord.TryListen(now))
		}
	case evTurnDone:
		s.onTurnDone(ev)
	case evRecording:
		s.onRecordingStarted(ev.err)
	case evResume:
		s.speech.Resume()
		s.emit(Notice{Kind: NoticeRecognitionResumed})
		s.apply(s.coord.Resume(now))
	case evRetry:
		if s.turnCancel == nil && s.ctrl.IsComplete() {
			s.runTurn(turnAssess, s.ctrl.RetryAssessment)
		}
	case evBegin:
		s.beginTimer = nil
		if s.turnCancel == nil {
			s.begin()
		}
	}
	s.syncState()
}

func (s *Session) syncState() {
	st := s.speech.State()
	s.mu.Lock()
	s.recState = st
	s.mu.Unlock()
}

// apply executes coordinator actions in order.
func (s *Session) apply(acts []turn.Action) {
	for _, a := range acts {
		switch a.Kind {
		case turn.StopRecognition:
			s.speech.Stop()
		case turn.ClearSpeechTimers:
			s.speech.ClearTimers()
		case turn.ClearTranscript:
			s.speech.ClearTranscript()
		case turn.StartRecognition:
			s.outputs(s.speech.Start())
		case turn.ScheduleListen:
			s.scheduleListen(a.At)
		case turn.Dispatch:
			text := a.Text
			s.runTurn(turnAnswer, func(ctx context.Context) (interview.Outcome, error) {
				return s.ctrl.SubmitUserTurn(ctx, text)
			})
		}
	}
}

func (s *Session) outputs(outs []speech.Output) {
	for _, o := range outs {
		now := s.clk.Now()
		switch o.Kind {
		case speech.OutputFinal:
			ok, acts := s.coord.FinalTranscript(now, o.Text)
			if !ok {
				metrics.TranscriptsDiscarded.Inc()
				s.log.Debug().Str("phase", s.coord.Phase().String()).Msg("final transcript discarded")
				continue
			}
			s.emit(Notice{Kind: NoticeTranscript, Text: o.Text, Final: true})
			s.apply(acts)
		case speech.OutputPartial:
			s.emit(Notice{Kind: NoticeTranscript, Text: o.Text})
		case speech.OutputStarted:
			s.log.Debug().Msg("recognition started")
		case speech.OutputRestart:
			metrics.RecognitionRestarts.WithLabelValues(o.Cause.String()).Inc()
		case speech.OutputEngineError:
			metrics.EngineErrors.WithLabelValues(string(o.Code)).Inc()
		case speech.OutputRepeatedFailure:
			s.apply(s.coord.RecognitionFailed(now))
			s.log.Warn().Err(o.Err).Msg("recognition disabled until resumed")
			s.emit(Notice{Kind: NoticeRecognitionDisabled, Persistent: true, Error: errString(o.Err)})
		case speech.OutputFatal:
			s.log.Error().Err(o.Err).Msg("recognition unavailable, ending interview")
			s.emit(Notice{Kind: NoticeFatal, Persistent: true, Error: errString(o.Err)})
			s.endReason = "fatal"
		}
	}
}

func (s *Session) onAvatar(ev avatar.Event) {
	s.driver.HandleEvent(ev)
	now := s.clk.Now()
	switch ev.Kind {
	case avatar.StreamReady:
		s.emit(Notice{Kind: NoticeAvatarReady})
	case avatar.StartTalking:
		s.apply(s.coord.AvatarStarted(now))
	case avatar.TalkingMessage:
		s.emit(Notice{Kind: NoticeAvatarMessage, Text: ev.Text})
	case avatar.EndMessage, avatar.StopTalking:
		s.apply(s.coord.AvatarStopped(now))
	case avatar.Disconnected:
		s.emit(Notice{Kind: NoticeAvatarDisconnected})
	}
}

// begin asks the opening question. Listening stays held until it is spoken.
func (s *Session) begin() {
	s.coord.Think()
	s.runTurn(turnBegin, func(ctx context.Context) (interview.Outcome, error) {
		return interview.Outcome{}, s.ctrl.Begin(ctx)
	})
}

// runTurn runs one controller exchange off the loop and posts its result.
func (s *Session) runTurn(kind turnKind, fn func(context.Context) (interview.Outcome, error)) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.turnCancel = cancel
	go func() {
		defer cancel()
		start := time.Now()
		out, err := fn(ctx)
		metrics.TurnDuration.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
		s.post(event{kind: evTurnDone, turn: kind, outcome: out, err: err})
	}()
}

func (s *Session) onTurnDone(ev event) {
	s.turnCancel = nil
	now := s.clk.Now()
	if ev.err == nil {
		if ev.outcome.Complete {
			s.complete()
			return
		}
		s.apply(s.coord.ResponseReady(now))
		return
	}
	if errors.Is(ev.err, context.Canceled) && s.ctx.Err() != nil {
		return
	}

	kind := faults.KindOf(ev.err)
	switch {
	case kind.Fatal():
		s.log.Error().Err(ev.err).Str("turn", ev.turn.String()).Msg("avatar unavailable, ending interview")
		s.emit(Notice{Kind: NoticeFatal, Persistent: true, Error: ev.err.Error()})
		s.endReason = "fatal"
	case ev.outcome.Complete || ev.turn == turnAssess:
		if ev.outcome.Assessment != nil {
			s.log.Warn().Err(ev.err).Msg("assessment produced but not fully spoken")
			s.complete()
			return
		}
		s.log.Warn().Err(ev.err).Msg("assessment failed")
		s.apply(s.coord.ResponseReady(now))
		s.emit(Notice{Kind: NoticeRetryAvailable, Persistent: true, Text: "assessment", Error: ev.err.Error()})
	case ev.turn == turnBegin:
		// Nothing has been asked yet, so there is nothing to listen for.
		d := s.cfg.Turn.ResumeDelay
		s.log.Warn().Err(ev.err).Dur("retry_in", d).Msg("opening question failed, asking again")
		s.coord.Think()
		s.beginTimer = s.clk.AfterFunc(d, func() { s.post(event{kind: evBegin}) })
	case kind == faults.KindEmptyTranscript || kind == faults.KindEmptyResponse:
		s.emit(Notice{Kind: NoticeRetryAvailable, Error: ev.err.Error()})
		s.apply(s.coord.TurnAborted(now))
	default:
		s.log.Warn().Err(ev.err).Str("turn", ev.turn.String()).Msg("turn aborted, resuming listening")
		s.apply(s.coord.TurnAborted(now))
	}
}

func (s *Session) complete() {
	s.apply(s.coord.ResponseReady(s.clk.Now()))
	rep := NewReport(s.ctrl.Snapshot())
	ev := s.log.Info().Int("questions", rep.QuestionsAsked)
	if rep.Scored {
		ev = ev.Float64("percent", rep.Percent)
	}
	ev.Msg("interview complete")
	s.emit(Notice{Kind: NoticeComplete, Persistent: true, Report: rep})
	s.endReason = "complete"
}

func (s *Session) scheduleListen(at time.Time) {
	s.cancelListen()
	s.listenSeq++
	seq := s.listenSeq
	d := at.Sub(s.clk.Now())
	if d < 0 {
		d = 0
	}
	s.listenTimer = s.clk.AfterFunc(d, func() { s.post(event{kind: evListen, seq: seq}) })
}

func (s *Session) cancelListen() {
	if s.listenTimer != nil {
		s.listenTimer.Stop()
		s.listenTimer = nil
	}
	s.listenSeq++
}

func (s *Session) startRecording() {
	if s.deps.Recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RecordingStartTimeout)
	s.recCancel = cancel
	go func() {
		defer cancel()
		err := s.deps.Recorder.Start(ctx)
		s.post(event{kind: evRecording, err: err})
	}()
}

func (s *Session) onRecordingStarted(err error) {
	switch {
	case err == nil:
		s.setRecording(true)
	case errors.Is(err, recording.ErrVideoDegraded):
		s.setRecording(true)
		s.log.Warn().Err(err).Msg("recording without video")
		s.emit(Notice{Kind: NoticeVideoDegraded, Persistent: true, Error: err.Error()})
	default:
		s.log.Error().Err(err).Msg("recording unavailable")
		s.emit(Notice{Kind: NoticeRecordingFailed, Persistent: true, Error: err.Error()})
	}
}

func (s *Session) setRecording(on bool) {
	s.mu.Lock()
	s.recording = on
	s.mu.Unlock()
}

// finish tears everything down on the loop goroutine. Events posted after
// this point are dropped.
func (s *Session) finish(reason string) *Result {
	if s.finished {
		return s.Result()
	}
	s.finished = true
	close(s.stopping)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.cfg.FinalizeTimeout)
	defer cancel()

	s.cancelListen()
	if s.beginTimer != nil {
		s.beginTimer.Stop()
		s.beginTimer = nil
	}
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	if s.recCancel != nil {
		s.recCancel()
	}
	s.apply(s.coord.Teardown(s.clk.Now()))
	s.speech.Teardown()
	if err := s.driver.Close(ctx); err != nil {
		s.log.Debug().Err(err).Msg("avatar stop")
	}

	res := &Result{Reason: reason}
	var errs []error
	var rec *recording.Session
	if s.deps.Recorder != nil {
		r, err := s.deps.Recorder.Stop(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("recording stop")
			errs = append(errs, err)
		}
		rec = r
		res.Recording = r
	}
	s.setRecording(false)

	if s.deps.Archive != nil {
		art := storage.Artifacts{Transcript: s.ctrl.Transcript()}
		if rec != nil {
			art.Audio = recording.Bytes(rec.AudioChunks)
			art.Video = recording.Bytes(rec.VideoChunks)
		}
		if st := s.ctrl.Snapshot(); st.Assessment != nil {
			if b, err := json.Marshal(NewReport(st)); err == nil {
				art.Assessment = b
			}
		}
		keys, err := s.deps.Archive.Save(ctx, s.id, art)
		res.Keys = keys
		if err != nil {
			errs = append(errs, err)
		}
		if len(keys) > 0 {
			s.emit(Notice{Kind: NoticeUploaded, Text: storage.Prefix(s.id)})
		}
	}
	res.Err = errors.Join(errs...)

	s.syncState()
	s.mu.Lock()
	s.ended = true
	s.result = res
	s.mu.Unlock()
	s.emit(Notice{Kind: NoticeEnded, Text: reason})
	s.notices.Close()
	s.log.Info().Str("reason", reason).Strs("uploaded", res.Keys).Msg("interview ended")
	return res
}

func (s *Session) onTransition(tr turn.Transition) {
	metrics.PhaseTransitions.WithLabelValues(tr.From.String(), tr.To.String()).Inc()
	s.emit(Notice{Kind: NoticePhase, Phase: tr.To.String(), Text: tr.Cause})
}

func (s *Session) emit(n Notice) {
	n.InterviewID = s.id
	if n.At.IsZero() {
		n.At = s.clk.Now()
	}
	s.notices.Notify(n)
	if s.notify != nil {
		s.notify.Notify(n)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
