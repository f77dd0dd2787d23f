// Package tts synthesizes the interviewer's voice and exposes it as an
// avatar session streaming 48 kHz PCM into the call's audio output.
package tts

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
	"github.com/rs/zerolog"

	"github.com/chadiek/interview-agent/internal/faults"
)

// Synthesizer streams 48 kHz mono PCM for text. The PCM channel is closed
// when synthesis is complete; at most one error is delivered.
type Synthesizer interface {
	StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

type DeepgramClient struct {
	apiKey     string
	model      string
	sampleRate int
	encoding   string
	log        zerolog.Logger

	// IdleWindow ends synthesis once audio stopped arriving for this long.
	IdleWindow time.Duration
	// MaxDuration bounds one synthesis.
	MaxDuration time.Duration
}

func NewDeepgramClient(apiKey, model string, log zerolog.Logger) *DeepgramClient {
	if model == "" {
		model = "aura-2-thalia-en"
	}
	return &DeepgramClient{
		apiKey:      apiKey,
		model:       model,
		sampleRate:  48000,
		encoding:    "linear16",
		log:         log.With().Str("component", "deepgram_tts").Logger(),
		IdleWindow:  400 * time.Millisecond,
		MaxDuration: 30 * time.Second,
	}
}

func (d *DeepgramClient) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 4096)
	errCh := make(chan error, 1)

	go func() {
		defer close(pcmCh)
		defer close(errCh)
		const op = "tts.deepgram"

		if d.apiKey == "" {
			errCh <- faults.Newf(faults.KindEngineUnavailable, op, "deepgram API key missing")
			return
		}
		if text == "" {
			return
		}

		options := &clientinterfaces.WSSpeakOptions{
			Model:      d.model,
			Encoding:   d.encoding,
			SampleRate: d.sampleRate,
		}

		var lastRecvUnix int64
		var seenAudio int32
		var remoteErr atomic.Value

		cb := &speakCallback{
			onBinary: func(data []byte) error {
				if len(data) == 0 {
					return nil
				}
				atomic.StoreInt64(&lastRecvUnix, time.Now().UnixNano())
				atomic.StoreInt32(&seenAudio, 1)
				b := make([]byte, len(data))
				copy(b, data)
				select {
				case pcmCh <- b:
				case <-ctx.Done():
				}
				return nil
			},
			onError: func(e *msginterfaces.ErrorResponse) {
				if e != nil {
					remoteErr.Store(fmt.Sprintf("%+v", e))
				}
			},
		}

		dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
		if err != nil {
			errCh <- faults.New(faults.KindEngineUnavailable, op, err)
			return
		}
		defer dg.Stop()

		if ok := dg.Connect(); !ok {
			errCh <- faults.Newf(faults.KindTransientEngineError, op, "connect failed")
			return
		}
		if err := dg.SpeakWithText(text); err != nil {
			errCh <- faults.New(faults.KindTransientEngineError, op, err)
			return
		}
		if err := dg.Flush(); err != nil {
			d.log.Debug().Err(err).Msg("flush error")
		}

		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		deadline := time.Now().Add(d.MaxDuration)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if msg, ok := remoteErr.Load().(string); ok && atomic.LoadInt32(&seenAudio) == 0 {
					errCh <- faults.Newf(faults.KindTransientEngineError, op, "remote error: %s", msg)
					return
				}
				if atomic.LoadInt32(&seenAudio) == 1 {
					last := time.Unix(0, atomic.LoadInt64(&lastRecvUnix))
					if time.Since(last) > d.IdleWindow {
						return
					}
				}
				if time.Now().After(deadline) {
					d.log.Warn().Dur("max", d.MaxDuration).Msg("synthesis deadline reached")
					return
				}
			}
		}
	}()

	return pcmCh, errCh
}

type speakCallback struct {
	onBinary func([]byte) error
	onError  func(*msginterfaces.ErrorResponse)
}

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) Error(e *msginterfaces.ErrorResponse) error {
	if s.onError != nil {
		s.onError(e)
	}
	return nil
}
func (s *speakCallback) UnhandledEvent([]byte) error { return nil }
func (s *speakCallback) Binary(byMsg []byte) error {
	if s.onBinary != nil {
		return s.onBinary(byMsg)
	}
	return nil
}
