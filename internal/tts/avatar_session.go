package tts

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/chadiek/interview-agent/internal/avatar"
	"github.com/chadiek/interview-agent/internal/faults"
)

// PCMSink consumes 48 kHz PCM and plays it out in real time.
type PCMSink interface {
	WritePCM(pcm []byte)
	FlushTail()
	// Reset drops queued audio immediately.
	Reset()
	// Drain blocks until queued audio has been played out.
	Drain(ctx context.Context) error
}

// AvatarSession is an avatar.Session that voices text through a Synthesizer
// into a PCMSink and reports the avatar event contract.
type AvatarSession struct {
	synth Synthesizer
	sink  PCMSink
	emit  func(avatar.Event)
	log   zerolog.Logger

	mu     sync.Mutex
	open   bool
	closed bool
}

func NewAvatarSession(synth Synthesizer, sink PCMSink, emit func(avatar.Event), log zerolog.Logger) *AvatarSession {
	return &AvatarSession{
		synth: synth,
		sink:  sink,
		emit:  emit,
		log:   log.With().Str("component", "tts_avatar").Logger(),
	}
}

// Open marks the stream ready.
func (a *AvatarSession) Open() {
	a.mu.Lock()
	if a.open || a.closed {
		a.mu.Unlock()
		return
	}
	a.open = true
	a.mu.Unlock()
	a.emit(avatar.Event{Kind: avatar.StreamReady})
}

// Speak synthesizes text and returns after it has been played out. Stop
// events are always emitted once StartTalking was, even on failure.
func (a *AvatarSession) Speak(ctx context.Context, text string, _ avatar.Mode) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return faults.Newf(faults.KindEngineUnavailable, "tts.speak", "avatar session closed")
	}

	a.emit(avatar.Event{Kind: avatar.StartTalking})
	defer func() {
		a.emit(avatar.Event{Kind: avatar.EndMessage})
		a.emit(avatar.Event{Kind: avatar.StopTalking})
	}()
	a.emit(avatar.Event{Kind: avatar.TalkingMessage, Text: text})

	pcmCh, errCh := a.synth.StreamPCM48k(ctx, text)
	frames := 0
	for pcm := range pcmCh {
		a.sink.WritePCM(pcm)
		frames++
	}
	var err error
	for e := range errCh {
		if e != nil {
			err = e
		}
	}
	if err != nil {
		a.sink.Reset()
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		a.sink.Reset()
		return ctxErr
	}
	a.sink.FlushTail()
	if err := a.sink.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.log.Debug().Int("chunks", frames).Int("chars", len(text)).Msg("utterance played")
	return nil
}

// StopSession drops queued audio and disconnects. Later Speak calls fail.
func (a *AvatarSession) StopSession(context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()
	a.sink.Reset()
	a.emit(avatar.Event{Kind: avatar.Disconnected})
	return nil
}
