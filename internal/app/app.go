// Package app builds and tracks interview sessions: one WebRTC peer, one
// recognizer, one avatar voice and one recorder per interview, wired into a
// session.Session.
package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/chadiek/interview-agent/internal/avatar"
	"github.com/chadiek/interview-agent/internal/clock"
	"github.com/chadiek/interview-agent/internal/config"
	"github.com/chadiek/interview-agent/internal/interview"
	"github.com/chadiek/interview-agent/internal/llm"
	"github.com/chadiek/interview-agent/internal/recording"
	"github.com/chadiek/interview-agent/internal/rtc"
	"github.com/chadiek/interview-agent/internal/session"
	"github.com/chadiek/interview-agent/internal/speech"
	"github.com/chadiek/interview-agent/internal/storage"
	"github.com/chadiek/interview-agent/internal/transcript"
	"github.com/chadiek/interview-agent/internal/tts"
	"github.com/chadiek/interview-agent/internal/turn"
)

const (
	// ConnectTimeout bounds the wait for the media connection after the answer.
	ConnectTimeout = 30 * time.Second
	// teardownTimeout bounds a teardown requested by the client or the peer.
	teardownTimeout = 45 * time.Second
)

var ErrNotFound = errors.New("interview not found")

// Interview is the control surface of one live interview.
type Interview interface {
	ID() string
	Status() session.Status
	Transcript() string
	Resume() error
	RetryAssessment() error
	Teardown(ctx context.Context, reason string) (*session.Result, error)
	Subscribe(buffer int) (<-chan session.Notice, func())
}

// Options describe a new interview.
type Options struct {
	Platform string
	// Trickle returns the answer before ICE gathering completes; local
	// candidates are delivered through Prepare's OnICECandidate hook.
	Trickle bool
	// Prepare runs after the peer is built and before the offer is applied.
	Prepare func(p *rtc.Peer)
}

// App owns every live interview.
type App struct {
	cfg       config.Config
	log       zerolog.Logger
	ice       []webrtc.ICEServer
	model     interview.Completer
	archive   session.Archiver
	evaluator *interview.SpeakingEvaluator
	registry  *session.Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the shared collaborators. Storage is optional: without it
// recordings are kept in memory only for the session's lifetime.
func New(cfg config.Config, log zerolog.Logger) *App {
	ctx, cancel := context.WithCancel(context.Background())
	model := llm.NewCerebrasClient(cfg.CerebrasKey, cfg.CerebrasModelID)
	a := &App{
		cfg:       cfg,
		log:       log.With().Str("component", "app").Logger(),
		ice:       rtc.ParseICEServers(cfg.ICEServersJSON),
		model:     model,
		evaluator: interview.NewSpeakingEvaluator(transcript.NewBatchTranscriber(cfg.AssemblyAIKey), model, log),
		registry:  session.NewRegistry(),
		ctx:       ctx,
		cancel:    cancel,
	}
	st, err := storage.New(storage.Config{
		URL:            cfg.SupabaseURL,
		ServiceRoleKey: cfg.SupabaseServiceRoleKey,
		Bucket:         cfg.SupabaseBucket,
	})
	if err != nil {
		a.log.Warn().Err(err).Msg("uploads disabled")
	} else {
		a.archive = storage.NewArchive(st, log)
	}
	return a
}

// SessionConfig maps the configured timings onto a session for platform.
func SessionConfig(ic config.InterviewConfig, platform speech.Platform) session.Config {
	policy := speech.PolicyFor(platform)
	if policy.Finalization == speech.FinalizeOnSilence {
		if ic.SilenceTimeout > 0 {
			policy.SilenceTimeout = ic.SilenceTimeout
		}
		policy.ContinuationGrace = ic.ContinuationGrace
	}
	iv := interview.DefaultConfig()
	if ic.TotalQuestions > 0 {
		iv.TotalQuestions = ic.TotalQuestions
	}
	return session.Config{
		Turn: turn.Config{Cooldown: ic.AvatarCooldown, ResumeDelay: ic.TurnResumeDelay},
		Speech: speech.Options{
			Policy:               policy,
			MaxConsecutiveErrors: ic.MaxConsecutiveErrors,
			RestartMinInterval:   ic.RestartMinInterval,
		},
		Interview: iv,
	}
}

// NewSynthesizer picks the TTS provider.
func NewSynthesizer(cfg config.Config, log zerolog.Logger) tts.Synthesizer {
	if cfg.TTSProvider == "elevenlabs" {
		return tts.NewElevenLabsClient(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, log)
	}
	return tts.NewDeepgramClient(cfg.DeepgramKey, cfg.DeepgramModel, log)
}

// Create answers offer and starts the interview once media is connected.
func (a *App) Create(ctx context.Context, offer rtc.SessionDescription, opts Options) (Interview, rtc.SessionDescription, error) {
	id := uuid.NewString()
	log := a.log.With().Str("interview_id", id).Logger()
	platform := speech.ParsePlatform(opts.Platform)

	peer, err := rtc.NewPeer(id, a.ice, log)
	if err != nil {
		return nil, rtc.SessionDescription{}, err
	}

	var sess *session.Session
	engine := transcript.NewAssemblyAIEngine(a.cfg.AssemblyAIKey, func(ev speech.EngineEvent) { sess.PostEngine(ev) }, log)
	voice := tts.NewAvatarSession(NewSynthesizer(a.cfg, log), peer.Output(), func(ev avatar.Event) { sess.PostAvatar(ev) }, log)
	rec := recording.NewManager(peer, rtc.ClientCompositor{}, rtc.RecorderFactory{}, platform == speech.Mobile, log)

	deps := session.Deps{
		Engine:   engine,
		Probe:    peer,
		Avatar:   voice,
		Audio:    peer.Output(),
		Model:    a.model,
		Recorder: rec,
		Clock:    clock.Real(),
	}
	if a.archive != nil {
		deps.Archive = a.archive
	}
	sess = session.New(id, SessionConfig(a.cfg.Interview, platform), deps, log)

	peer.SetRecognizer(engine)
	peer.OnControl(func(cmd string) { a.control(sess, cmd) })
	peer.OnClosed(func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
			defer cancel()
			_, _ = sess.Teardown(ctx, "disconnected")
		}()
	})
	if opts.Prepare != nil {
		opts.Prepare(peer)
	}

	answer, err := peer.Answer(ctx, offer, opts.Trickle)
	if err != nil {
		_ = peer.Close()
		return nil, rtc.SessionDescription{}, err
	}
	if !a.registry.Add(sess) {
		_ = peer.Close()
		return nil, rtc.SessionDescription{}, errors.New("duplicate interview id")
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.registry.Remove(id)
		defer func() { _ = peer.Close() }()

		select {
		case <-peer.Connected():
		case <-peer.Closed():
			log.Info().Msg("peer closed before connecting")
			sess.Abandon("disconnected")
			return
		case <-time.After(ConnectTimeout):
			log.Warn().Dur("timeout", ConnectTimeout).Msg("media never connected")
			sess.Abandon("connect_timeout")
			return
		case <-a.ctx.Done():
			sess.Abandon("shutdown")
			return
		}
		voice.Open()
		if err := sess.Run(a.ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("interview session")
		}
		if res := sess.Result(); res != nil && res.Err != nil {
			log.Error().Err(res.Err).Msg("interview finalized with errors")
		}
	}()

	log.Info().Str("platform", platform.String()).Bool("trickle", opts.Trickle).Msg("interview created")
	return sess, answer, nil
}

func (a *App) control(sess *session.Session, cmd string) {
	switch cmd {
	case "resume":
		_ = sess.Resume()
	case "retry", "retry-assessment":
		_ = sess.RetryAssessment()
	case "end", "stop", "bye":
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
			defer cancel()
			_, _ = sess.Teardown(ctx, "user_ended")
		}()
	default:
		a.log.Debug().Str("cmd", cmd).Msg("unknown control command")
	}
}

// Control applies a client command to a live interview.
func (a *App) Control(id, cmd string) error {
	s, ok := a.registry.Get(id)
	if !ok {
		return ErrNotFound
	}
	a.control(s, cmd)
	return nil
}

// Get returns a live interview.
func (a *App) Get(id string) (Interview, bool) {
	s, ok := a.registry.Get(id)
	if !ok {
		return nil, false
	}
	return s, true
}

// Active returns the number of live interviews.
func (a *App) Active() int { return a.registry.Len() }

// EvaluateSpeaking scores one recorded answer.
func (a *App) EvaluateSpeaking(ctx context.Context, audio []byte, prompt string) (interview.SpeakingResult, error) {
	return a.evaluator.Evaluate(ctx, audio, prompt)
}

// List reports every live interview, ordered by id.
func (a *App) List() []session.Status {
	all := a.registry.All()
	out := make([]session.Status, 0, len(all))
	for _, s := range all {
		out = append(out, s.Status())
	}
	return out
}

// Shutdown ends every live interview and waits for their recordings to be
// finalized and uploaded.
func (a *App) Shutdown(ctx context.Context) error {
	a.cancel()
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
