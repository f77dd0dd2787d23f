package interview

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/interview-agent/internal/faults"
	"github.com/chadiek/interview-agent/internal/llm"
)

// Config tunes a Controller.
type Config struct {
	Position         string
	TotalQuestions   int
	Categories       []string
	QuestionParams   llm.Params
	AssessmentParams llm.Params
	// QuestionRetries is how many times a failed question call is retried.
	QuestionRetries int
}

// DefaultConfig returns the standard interview shape.
func DefaultConfig() Config {
	return Config{
		Position:         "software engineer",
		TotalQuestions:   5,
		Categories:       []string{"Communication", "Technical Knowledge", "Problem Solving"},
		QuestionParams:   llm.Params{MaxTokens: 200, Temperature: 0.7},
		AssessmentParams: llm.Params{MaxTokens: 1200, Temperature: 0.3},
		QuestionRetries:  1,
	}
}

// Controller is the sole writer of the ConversationState.
type Controller struct {
	cfg     Config
	model   Completer
	speaker Speaker
	now     func() time.Time
	log     zerolog.Logger

	mu    sync.RWMutex
	state ConversationState
}

// NewController creates a controller with an empty history.
func NewController(cfg Config, model Completer, speaker Speaker, now func() time.Time, log zerolog.Logger) *Controller {
	if cfg.TotalQuestions <= 0 {
		cfg.TotalQuestions = DefaultConfig().TotalQuestions
	}
	if now == nil {
		now = time.Now
	}
	return &Controller{
		cfg:     cfg,
		model:   model,
		speaker: speaker,
		now:     now,
		log:     log.With().Str("component", "interview").Logger(),
		state:   ConversationState{TotalQuestions: cfg.TotalQuestions},
	}
}

// Snapshot returns a copy of the conversation state.
func (c *Controller) Snapshot() ConversationState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.state
	s.History = append([]DialogueTurn(nil), c.state.History...)
	return s
}

// IsComplete reports whether the interview has moved to (or past) assessment.
func (c *Controller) IsComplete() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Complete
}

// QuestionIndex returns the number of questions asked.
func (c *Controller) QuestionIndex() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.QuestionIndex
}

// Begin asks and speaks the opening question. It is a no-op once the
// conversation has started.
func (c *Controller) Begin(ctx context.Context) error {
	c.mu.RLock()
	started := len(c.state.History) > 0
	c.mu.RUnlock()
	if started {
		return nil
	}

	msgs := c.messages(llm.Message{Role: llm.RoleUser, Content: openingInstruction})
	question, err := c.completeWithRetry(ctx, msgs, c.cfg.QuestionParams)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.appendLocked(RoleAssistant, question)
	c.state.QuestionIndex = 1
	c.mu.Unlock()

	c.log.Info().Int("question", 1).Msg("asking opening question")
	return c.speaker.Speak(ctx, question)
}

// SubmitUserTurn records the user's answer and either asks the next question
// or, once every question has been asked, runs the assessment.
func (c *Controller) SubmitUserTurn(ctx context.Context, text string) (Outcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Outcome{}, faults.Newf(faults.KindEmptyTranscript, "interview.submit", "empty answer")
	}

	c.mu.Lock()
	if c.state.Complete {
		c.mu.Unlock()
		return Outcome{Complete: true}, nil
	}
	c.appendLocked(RoleUser, text)
	assess := c.state.QuestionIndex >= c.state.TotalQuestions
	if assess {
		c.state.Complete = true
	}
	c.mu.Unlock()

	if assess {
		return c.assess(ctx)
	}

	reply, err := c.completeWithRetry(ctx, c.messages(), c.cfg.QuestionParams)
	if err != nil {
		return Outcome{}, err
	}
	c.mu.Lock()
	c.appendLocked(RoleAssistant, reply)
	c.state.QuestionIndex++
	idx := c.state.QuestionIndex
	c.mu.Unlock()

	c.log.Info().Int("question", idx).Int("total", c.cfg.TotalQuestions).Msg("asking next question")
	if err := c.speaker.Speak(ctx, reply); err != nil {
		return Outcome{Reply: reply}, err
	}
	return Outcome{Reply: reply}, nil
}

func (c *Controller) assess(ctx context.Context) (Outcome, error) {
	msgs := c.messages(llm.Message{Role: llm.RoleUser, Content: assessmentInstruction(c.cfg.Categories)})
	feedback, err := c.model.Complete(ctx, msgs, c.cfg.AssessmentParams)
	if err != nil {
		return Outcome{Complete: true}, classifyModelErr("interview.assess", err)
	}

	a := &Assessment{
		Feedback:   feedback,
		Score:      ParseScore(feedback),
		Categories: ParseCategories(feedback, c.cfg.Categories),
	}
	c.mu.Lock()
	c.appendLocked(RoleAssistant, feedback)
	c.state.Assessment = a
	c.mu.Unlock()

	ev := c.log.Info()
	if a.Score != nil {
		ev = ev.Float64("score", a.Score.Value).Float64("out_of", a.Score.OutOf)
	} else {
		ev = ev.Bool("unscored", true)
	}
	ev.Msg("assessment generated")

	out := Outcome{Reply: feedback, Assessment: a, Complete: true}
	if err := c.speaker.SpeakLong(ctx, feedback); err != nil {
		return out, err
	}
	return out, nil
}

// RetryAssessment reruns a failed assessment. It returns the existing
// assessment if one was already produced.
func (c *Controller) RetryAssessment(ctx context.Context) (Outcome, error) {
	c.mu.RLock()
	complete, a := c.state.Complete, c.state.Assessment
	c.mu.RUnlock()
	if !complete {
		return Outcome{}, errors.New("interview is still in progress")
	}
	if a != nil {
		return Outcome{Reply: a.Feedback, Assessment: a, Complete: true}, nil
	}
	return c.assess(ctx)
}

func (c *Controller) completeWithRetry(ctx context.Context, msgs []llm.Message, p llm.Params) (string, error) {
	var err error
	for attempt := 0; attempt <= c.cfg.QuestionRetries; attempt++ {
		var out string
		out, err = c.model.Complete(ctx, msgs, p)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			break
		}
		c.log.Warn().Err(err).Int("attempt", attempt+1).Msg("model call failed")
	}
	return "", classifyModelErr("interview.question", err)
}

func classifyModelErr(op string, err error) error {
	if errors.Is(err, faults.ErrEmptyResponse) || errors.Is(err, faults.ErrModelUnavailable) {
		return err
	}
	return faults.New(faults.KindModelUnavailable, op, err)
}

// messages renders the history as a chat conversation, followed by extra.
func (c *Controller) messages(extra ...llm.Message) []llm.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs := make([]llm.Message, 0, len(c.state.History)+1+len(extra))
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: systemPrompt(c.cfg.Position, c.cfg.TotalQuestions)})
	for _, t := range c.state.History {
		role := llm.RoleUser
		if t.Role == RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Text})
	}
	return append(msgs, extra...)
}

func (c *Controller) appendLocked(role Role, text string) {
	c.state.History = append(c.state.History, DialogueTurn{Role: role, Text: text, At: c.now()})
}

// Transcript renders the history as plain text, one turn per line.
func (c *Controller) Transcript() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var b strings.Builder
	for _, t := range c.state.History {
		name := "Interviewer"
		if t.Role == RoleUser {
			name = "Candidate"
		}
		b.WriteString(t.At.UTC().Format(time.RFC3339))
		b.WriteString(" ")
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(t.Text)
		b.WriteString("\n")
	}
	return b.String()
}
