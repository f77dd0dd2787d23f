package speech

import (
	"strings"
	"time"
)

// Platform selects the recognition policy.
type Platform int

const (
	Desktop Platform = iota
	Mobile
)

func (p Platform) String() string {
	if p == Mobile {
		return "mobile"
	}
	return "desktop"
}

// ParsePlatform maps a client hint ("mobile", "ios", "android", ...) to a Platform.
func ParsePlatform(s string) Platform {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mobile", "ios", "android", "iphone", "ipad":
		return Mobile
	}
	return Desktop
}

// Finalization decides when buffered recognition text becomes a final transcript.
type Finalization int

const (
	// FinalizeOnSilence treats buffered text as final after an inactivity timeout.
	FinalizeOnSilence Finalization = iota
	// FinalizeOnEngineFinal trusts the engine's per-result final flag.
	FinalizeOnEngineFinal
)

// Policy is the per-platform recognition configuration, selected once per session.
type Policy struct {
	Platform       Platform
	Continuous     bool
	InterimResults bool
	Finalization   Finalization
	Language       string

	// SilenceTimeout is the inactivity window for FinalizeOnSilence.
	SilenceTimeout time.Duration
	// ContinuationGrace extends SilenceTimeout when the buffer ends on a continuation word.
	ContinuationGrace time.Duration
	// HungTimeout stops an engine session that produced nothing for this long (0 disables).
	HungTimeout time.Duration
	// ProbeMicrophone re-acquires microphone permission before each start.
	ProbeMicrophone bool
	// StartDelay is waited between the probe and the engine start.
	StartDelay time.Duration
	// StartRetries is how many times a failed start is retried.
	StartRetries int
}

// DesktopPolicy: continuous recognition with interim results, finalized by 2s of silence.
func DesktopPolicy() Policy {
	return Policy{
		Platform:       Desktop,
		Continuous:     true,
		InterimResults: true,
		Finalization:   FinalizeOnSilence,
		Language:       "en-US",
		SilenceTimeout: 2 * time.Second,
	}
}

// MobilePolicy: single-shot recognition finalized by the engine, with a
// permission probe, a start delay and a hung-session reclaim timer.
func MobilePolicy() Policy {
	return Policy{
		Platform:        Mobile,
		Continuous:      false,
		InterimResults:  false,
		Finalization:    FinalizeOnEngineFinal,
		Language:        "en-US",
		HungTimeout:     10 * time.Second,
		ProbeMicrophone: true,
		StartDelay:      300 * time.Millisecond,
		StartRetries:    1,
	}
}

// PolicyFor returns the default policy of a platform.
func PolicyFor(p Platform) Policy {
	if p == Mobile {
		return MobilePolicy()
	}
	return DesktopPolicy()
}

// EngineConfig is the subset of the policy passed to the engine on start.
func (p Policy) EngineConfig() EngineConfig {
	return EngineConfig{Continuous: p.Continuous, InterimResults: p.InterimResults, Language: p.Language}
}
