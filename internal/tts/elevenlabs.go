package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/chadiek/interview-agent/internal/faults"
)

const elevenLabsBaseURL = "https://api.elevenlabs.io"

// ElevenLabsClient streams pcm_48000 audio from the HTTP streaming endpoint.
type ElevenLabsClient struct {
	APIKey     string
	VoiceID    string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
	log        zerolog.Logger
}

func NewElevenLabsClient(apiKey, voiceID string, log zerolog.Logger) *ElevenLabsClient {
	return &ElevenLabsClient{
		APIKey:     apiKey,
		VoiceID:    voiceID,
		Model:      "eleven_flash_v2_5",
		BaseURL:    elevenLabsBaseURL,
		HTTPClient: &http.Client{Timeout: 0},
		log:        log.With().Str("component", "elevenlabs_tts").Logger(),
	}
}

func (e *ElevenLabsClient) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 4096)
	errCh := make(chan error, 1)
	go func() {
		defer close(pcmCh)
		defer close(errCh)
		if e.APIKey == "" || e.VoiceID == "" {
			errCh <- faults.Newf(faults.KindEngineUnavailable, "tts.elevenlabs", "api key or voice id missing")
			return
		}
		if err := e.stream(ctx, text, pcmCh); err != nil {
			errCh <- err
		}
	}()
	return pcmCh, errCh
}

func (e *ElevenLabsClient) stream(ctx context.Context, text string, pcmCh chan<- []byte) error {
	const op = "tts.elevenlabs"
	u, err := url.Parse(strings.TrimRight(e.BaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(e.VoiceID) + "/stream")
	if err != nil {
		return faults.New(faults.KindEngineUnavailable, op, err)
	}
	q := u.Query()
	q.Set("model_id", e.Model)
	q.Set("output_format", "pcm_48000")
	// 0..4, lower is lower latency
	q.Set("optimize_streaming_latency", "2")
	u.RawQuery = q.Encode()

	body := map[string]any{
		"model_id": e.Model,
		"text":     text,
		"voice_settings": map[string]any{
			"stability":         0.5,
			"similarity_boost":  0.75,
			"style":             0.0,
			"use_speaker_boost": true,
		},
	}
	buf, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(buf))
	if err != nil {
		return faults.New(faults.KindTransientEngineError, op, err)
	}
	req.Header.Set("xi-api-key", e.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return faults.New(faults.KindTransientEngineError, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind := faults.KindTransientEngineError
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			kind = faults.KindEngineUnavailable
		}
		return faults.Newf(kind, op, "status=%d body=%s", resp.StatusCode, string(b))
	}

	chunk := make([]byte, 4096)
	total := 0
	for {
		n, rerr := resp.Body.Read(chunk)
		if n > 0 {
			if total == 0 {
				e.log.Debug().Int("bytes", n).Msg("receiving audio stream")
			}
			total += n
			out := make([]byte, n)
			copy(out, chunk[:n])
			select {
			case pcmCh <- out:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return faults.New(faults.KindTransientEngineError, op, rerr)
		}
	}
}
