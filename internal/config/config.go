package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress  string
	AuthPassword string
	LogLevel     string
	LogPretty    bool

	AssemblyAIKey     string
	CerebrasKey       string
	CerebrasModelID   string
	TTSProvider       string // deepgram or elevenlabs
	DeepgramKey       string
	DeepgramModel     string
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	SupabaseURL            string
	SupabaseServiceRoleKey string
	SupabaseBucket         string

	ICEServersJSON string

	Interview InterviewConfig
}

// InterviewConfig tunes the turn-taking core.
type InterviewConfig struct {
	TotalQuestions       int
	AvatarCooldown       time.Duration
	RestartMinInterval   time.Duration
	SilenceTimeout       time.Duration
	ContinuationGrace    time.Duration
	MaxConsecutiveErrors int
	TurnResumeDelay      time.Duration
}

// DefaultInterview returns the turn-taking defaults.
func DefaultInterview() InterviewConfig {
	return InterviewConfig{
		TotalQuestions:       5,
		AvatarCooldown:       1500 * time.Millisecond,
		RestartMinInterval:   3 * time.Second,
		SilenceTimeout:       2 * time.Second,
		MaxConsecutiveErrors: 5,
		TurnResumeDelay:      2 * time.Second,
	}
}

const defaultICEServers = `[{"urls":["stun:stun.l.google.com:19302"]}]`

// Load reads environment variables (and .env when present) and returns Config with sane defaults.
func Load(log zerolog.Logger) Config {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	cfg := Config{
		HTTPAddress:            getEnv("HTTP_ADDRESS", ":8080"),
		AuthPassword:           os.Getenv("AUTH_PASSWORD"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		LogPretty:              getBool(log, "LOG_PRETTY", false),
		AssemblyAIKey:          os.Getenv("ASSEMBLYAI_API_KEY"),
		CerebrasKey:            os.Getenv("CEREBRAS_API_KEY"),
		CerebrasModelID:        getEnv("CEREBRAS_MODEL_ID", "gpt-oss-120b"),
		TTSProvider:            strings.ToLower(getEnv("TTS_PROVIDER", "deepgram")),
		DeepgramKey:            os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramModel:          getEnv("DEEPGRAM_MODEL", "aura-2-thalia-en"),
		ElevenLabsKey:          os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID:      os.Getenv("ELEVENLABS_VOICE_ID"),
		SupabaseURL:            os.Getenv("SUPABASE_URL"),
		SupabaseServiceRoleKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:         getEnv("SUPABASE_BUCKET", "interview-recordings"),
		ICEServersJSON:         getEnv("ICE_SERVERS_JSON", defaultICEServers),
	}

	d := DefaultInterview()
	cfg.Interview = InterviewConfig{
		TotalQuestions:       getInt(log, "INTERVIEW_TOTAL_QUESTIONS", d.TotalQuestions),
		AvatarCooldown:       getDuration(log, "AVATAR_COOLDOWN", d.AvatarCooldown),
		RestartMinInterval:   getDuration(log, "RESTART_MIN_INTERVAL", d.RestartMinInterval),
		SilenceTimeout:       getDuration(log, "SILENCE_TIMEOUT", d.SilenceTimeout),
		ContinuationGrace:    getDuration(log, "SILENCE_CONTINUATION_GRACE", d.ContinuationGrace),
		MaxConsecutiveErrors: getInt(log, "MAX_CONSECUTIVE_ERRORS", d.MaxConsecutiveErrors),
		TurnResumeDelay:      getDuration(log, "TURN_RESUME_DELAY", d.TurnResumeDelay),
	}

	if cfg.AssemblyAIKey == "" {
		log.Warn().Msg("ASSEMBLYAI_API_KEY not set - speech recognition will not work")
	}
	if cfg.CerebrasKey == "" {
		log.Warn().Msg("CEREBRAS_API_KEY not set - interview questions will not work")
	}
	switch cfg.TTSProvider {
	case "elevenlabs":
		if cfg.ElevenLabsKey == "" || cfg.ElevenLabsVoiceID == "" {
			log.Warn().Msg("ELEVENLABS_API_KEY or ELEVENLABS_VOICE_ID not set - avatar speech will not work")
		}
	default:
		if cfg.DeepgramKey == "" {
			log.Warn().Msg("DEEPGRAM_API_KEY not set - avatar speech will not work")
		}
	}
	if cfg.SupabaseURL == "" || cfg.SupabaseServiceRoleKey == "" {
		log.Warn().Msg("Supabase not configured - recordings will not be uploaded")
	}

	log.Info().Str("http_address", cfg.HTTPAddress).Int("total_questions", cfg.Interview.TotalQuestions).Msg("config loaded")
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(log zerolog.Logger, key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid integer, using default")
		return def
	}
	return n
}

func getBool(log zerolog.Logger, key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid boolean, using default")
		return def
	}
	return b
}

func getDuration(log zerolog.Logger, key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid duration, using default")
		return def
	}
	return d
}
