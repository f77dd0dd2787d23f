package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chadiek/interview-agent/internal/faults"
)

const defaultBatchBaseURL = "https://api.assemblyai.com"

// BatchTranscriber transcribes a complete recording with the AssemblyAI
// upload + transcript REST API.
type BatchTranscriber struct {
	HTTPClient   *http.Client
	APIKey       string
	BaseURL      string
	PollInterval time.Duration
}

func NewBatchTranscriber(apiKey string) *BatchTranscriber {
	return &BatchTranscriber{
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
		APIKey:       apiKey,
		BaseURL:      defaultBatchBaseURL,
		PollInterval: time.Second,
	}
}

type uploadResponse struct {
	UploadURL string `json:"upload_url"`
}

type transcriptRequest struct {
	AudioURL string `json:"audio_url"`
}

type transcriptResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Text   string `json:"text"`
	Error  string `json:"error"`
}

// Transcribe uploads audio and waits for the transcript. A completed job
// with no text returns EmptyTranscript.
func (b *BatchTranscriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	const op = "transcript.batch"
	if b.APIKey == "" {
		return "", faults.Newf(faults.KindEngineUnavailable, op, "AssemblyAI API key is empty")
	}
	if len(audio) == 0 {
		return "", faults.Newf(faults.KindEmptyTranscript, op, "no audio")
	}

	var up uploadResponse
	if err := b.do(ctx, http.MethodPost, "/v2/upload", "application/octet-stream", bytes.NewReader(audio), &up); err != nil {
		return "", faults.New(faults.KindTransientEngineError, op, fmt.Errorf("upload: %w", err))
	}
	body, _ := json.Marshal(transcriptRequest{AudioURL: up.UploadURL})
	var tr transcriptResponse
	if err := b.do(ctx, http.MethodPost, "/v2/transcript", "application/json", bytes.NewReader(body), &tr); err != nil {
		return "", faults.New(faults.KindTransientEngineError, op, fmt.Errorf("create transcript: %w", err))
	}

	ticker := time.NewTicker(b.PollInterval)
	defer ticker.Stop()
	for {
		switch tr.Status {
		case "completed":
			text := strings.TrimSpace(tr.Text)
			if text == "" {
				return "", faults.Newf(faults.KindEmptyTranscript, op, "transcript %s has no text", tr.ID)
			}
			return text, nil
		case "error":
			return "", faults.Newf(faults.KindTransientEngineError, op, "transcript %s failed: %s", tr.ID, tr.Error)
		}
		select {
		case <-ctx.Done():
			return "", faults.New(faults.KindTransientEngineError, op, ctx.Err())
		case <-ticker.C:
		}
		if err := b.do(ctx, http.MethodGet, "/v2/transcript/"+tr.ID, "", nil, &tr); err != nil {
			return "", faults.New(faults.KindTransientEngineError, op, fmt.Errorf("poll transcript: %w", err))
		}
	}
}

func (b *BatchTranscriber) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(b.BaseURL, "/")+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", b.APIKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("assemblyai error: status=%d body=%s", resp.StatusCode, string(msg))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
