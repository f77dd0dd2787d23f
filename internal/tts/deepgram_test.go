package tts

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/chadiek/interview-agent/internal/faults"
)

// Without an API key the stream fails fast.
func TestDeepgram_StreamPCM48k_NoKey(t *testing.T) {
	d := NewDeepgramClient("", "", zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	pcmCh, errCh := d.StreamPCM48k(ctx, "hello")
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, faults.ErrEngineUnavailable)
	case <-pcmCh:
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("timeout waiting for error")
	}
}
