package speech

import "time"

// Cause identifies why a recognition restart is requested.
type Cause int

const (
	// CauseCompletion: the engine ended on its own.
	CauseCompletion Cause = iota
	// CauseError: the engine ended after reporting an error.
	CauseError
	// CauseHung: the engine was reclaimed after producing nothing.
	CauseHung
	// CauseStartRetry: a start attempt failed and is retried.
	CauseStartRetry
)

func (c Cause) String() string {
	switch c {
	case CauseError:
		return "error"
	case CauseHung:
		return "hung"
	case CauseStartRetry:
		return "start_retry"
	}
	return "completion"
}

// Governor spaces automatic restarts (engine completion, error, hung reclaim,
// start retry): a restart is never scheduled closer than MinInterval to the
// previous attempt, whatever its cause. Turn-driven starts are gated by the
// coordinator's cooldown instead and are only recorded here.
type Governor struct {
	MinInterval time.Duration
	Delays      map[Cause]time.Duration
	last        time.Time
}

// NewGovernor returns a governor with the default per-cause delays.
func NewGovernor(minInterval time.Duration) *Governor {
	if minInterval <= 0 {
		minInterval = 3 * time.Second
	}
	return &Governor{
		MinInterval: minInterval,
		Delays: map[Cause]time.Duration{
			CauseCompletion: 0,
			CauseError:      500 * time.Millisecond,
			CauseHung:       0,
			CauseStartRetry: time.Second,
		},
	}
}

// Next returns the earliest time a restart for cause may be attempted.
func (g *Governor) Next(now time.Time, cause Cause) time.Time {
	at := now.Add(g.Delays[cause])
	if !g.last.IsZero() {
		if earliest := g.last.Add(g.MinInterval); at.Before(earliest) {
			at = earliest
		}
	}
	return at
}

// Record marks an attempt at now.
func (g *Governor) Record(now time.Time) { g.last = now }

// Last returns the time of the last recorded attempt.
func (g *Governor) Last() time.Time { return g.last }
