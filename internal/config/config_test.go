package config

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("HTTP_ADDRESS", "")
	t.Setenv("ICE_SERVERS_JSON", "")
	t.Setenv("CEREBRAS_MODEL_ID", "")
	t.Setenv("INTERVIEW_TOTAL_QUESTIONS", "")
	t.Setenv("AVATAR_COOLDOWN", "")

	cfg := Load(zerolog.Nop())
	assert.Equal(t, ":8080", cfg.HTTPAddress)
	assert.NotEmpty(t, cfg.ICEServersJSON)
	assert.NotEmpty(t, cfg.CerebrasModelID)
	assert.Equal(t, DefaultInterview(), cfg.Interview)
}

func TestLoad_InterviewOverrides(t *testing.T) {
	t.Setenv("INTERVIEW_TOTAL_QUESTIONS", "8")
	t.Setenv("AVATAR_COOLDOWN", "2s")
	t.Setenv("SILENCE_TIMEOUT", "1500ms")
	t.Setenv("RESTART_MIN_INTERVAL", "bogus")
	t.Setenv("TTS_PROVIDER", "ElevenLabs")

	cfg := Load(zerolog.Nop())
	assert.Equal(t, 8, cfg.Interview.TotalQuestions)
	assert.Equal(t, 2*time.Second, cfg.Interview.AvatarCooldown)
	assert.Equal(t, 1500*time.Millisecond, cfg.Interview.SilenceTimeout)
	assert.Equal(t, 3*time.Second, cfg.Interview.RestartMinInterval)
	assert.Equal(t, "elevenlabs", cfg.TTSProvider)
}

func TestLoad_InvalidQuestionCountFallsBack(t *testing.T) {
	t.Setenv("INTERVIEW_TOTAL_QUESTIONS", "-3")
	cfg := Load(zerolog.Nop())
	assert.Equal(t, 5, cfg.Interview.TotalQuestions)
}
