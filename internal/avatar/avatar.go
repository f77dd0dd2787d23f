// Package avatar drives the speaking side of the interview: it serializes
// speak calls to the avatar session, chunks long outputs and keeps the
// output audio channel audible.
package avatar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Mode selects how the avatar treats the text.
type Mode string

const (
	// ModeRepeat speaks the text verbatim.
	ModeRepeat Mode = "repeat"
	// ModeTalk lets the avatar respond conversationally.
	ModeTalk Mode = "talk"
)

// EventKind enumerates avatar session events.
type EventKind int

const (
	StreamReady EventKind = iota
	StartTalking
	TalkingMessage
	EndMessage
	StopTalking
	Disconnected
)

var eventNames = [...]string{"stream_ready", "start_talking", "talking_message", "end_message", "stop_talking", "disconnected"}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

// Event is one avatar session event. Text is set for TalkingMessage.
type Event struct {
	Kind EventKind
	Text string
}

// Session is the avatar streaming session. Speak returns once the speak task
// settles; events are delivered separately through the sink the session was
// created with.
type Session interface {
	Speak(ctx context.Context, text string, mode Mode) error
	StopSession(ctx context.Context) error
}

// AudioChannel is the output channel the avatar is heard through.
type AudioChannel interface {
	Muted() bool
	SetMuted(muted bool)
	Volume() float64
	SetVolume(v float64)
}

// Driver wraps a Session. At most one speak task is in flight at a time.
type Driver struct {
	session  Session
	audio    AudioChannel
	log      zerolog.Logger
	maxChunk int

	speakMu sync.Mutex

	mu        sync.Mutex
	utterance strings.Builder
	ready     bool
}

// NewDriver creates a driver. audio may be nil when the channel is not controllable.
func NewDriver(session Session, audio AudioChannel, log zerolog.Logger) *Driver {
	return &Driver{
		session:  session,
		audio:    audio,
		log:      log.With().Str("component", "avatar").Logger(),
		maxChunk: DefaultMaxChunk,
	}
}

// Speak speaks text verbatim and waits for the task to settle.
func (d *Driver) Speak(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	d.speakMu.Lock()
	defer d.speakMu.Unlock()
	return d.speak(ctx, text)
}

// SpeakLong speaks text as a sequence of sentence-aligned chunks. Each chunk
// is retried once; a chunk that fails twice is skipped and reported in the
// returned error.
func (d *Driver) SpeakLong(ctx context.Context, text string) error {
	chunks := Chunk(text, d.maxChunk)
	if len(chunks) == 0 {
		return nil
	}
	d.speakMu.Lock()
	defer d.speakMu.Unlock()

	var errs []error
	for i, c := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := d.speak(ctx, c)
		if err == nil {
			continue
		}
		d.log.Warn().Err(err).Int("chunk", i).Int("chunks", len(chunks)).Msg("speak chunk failed, retrying")
		if err = d.speak(ctx, c); err != nil {
			d.log.Error().Err(err).Int("chunk", i).Msg("speak chunk failed twice, skipping")
			errs = append(errs, fmt.Errorf("chunk %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Driver) speak(ctx context.Context, text string) error {
	if err := d.session.Speak(ctx, text, ModeRepeat); err != nil {
		return fmt.Errorf("avatar speak: %w", err)
	}
	return nil
}

// HandleEvent updates the driver from an avatar session event. On
// StartTalking the audio channel is made audible.
func (d *Driver) HandleEvent(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch ev.Kind {
	case StreamReady:
		d.ready = true
	case StartTalking:
		d.utterance.Reset()
		d.ensureAudible()
	case TalkingMessage:
		if ev.Text != "" {
			if d.utterance.Len() > 0 {
				d.utterance.WriteByte(' ')
			}
			d.utterance.WriteString(strings.TrimSpace(ev.Text))
		}
	case Disconnected:
		d.ready = false
	}
}

// Utterance returns the text of the current (or last) avatar utterance.
func (d *Driver) Utterance() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.utterance.String()
}

// Ready reports whether the stream is up.
func (d *Driver) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready
}

func (d *Driver) ensureAudible() {
	if d.audio == nil {
		return
	}
	if d.audio.Muted() {
		d.audio.SetMuted(false)
		d.log.Debug().Msg("output was muted, unmuted")
	}
	if d.audio.Volume() < 1 {
		d.audio.SetVolume(1)
	}
}

// Close stops the avatar session.
func (d *Driver) Close(ctx context.Context) error {
	return d.session.StopSession(ctx)
}
