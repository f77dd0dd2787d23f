package interview

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/chadiek/interview-agent/internal/faults"
	"github.com/chadiek/interview-agent/internal/llm"
)

// Transcriber turns recorded audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// SpeakingResult is the evaluation of one recorded answer.
type SpeakingResult struct {
	Transcript string `json:"transcript"`
	Feedback   string `json:"feedback"`
	Score      *Score `json:"score"`
}

// SpeakingEvaluator scores a recorded spoken answer against a prompt.
type SpeakingEvaluator struct {
	stt    Transcriber
	model  Completer
	params llm.Params
	log    zerolog.Logger
}

func NewSpeakingEvaluator(stt Transcriber, model Completer, log zerolog.Logger) *SpeakingEvaluator {
	return &SpeakingEvaluator{
		stt:    stt,
		model:  model,
		params: llm.Params{MaxTokens: 400, Temperature: 0.3},
		log:    log.With().Str("component", "speaking_evaluator").Logger(),
	}
}

// Evaluate transcribes audio and asks the model to assess it. A blank
// transcript is EmptyTranscript; a blank assessment is EmptyResponse.
func (e *SpeakingEvaluator) Evaluate(ctx context.Context, audio []byte, prompt string) (SpeakingResult, error) {
	const op = "interview.evaluate_speaking"
	text, err := e.stt.Transcribe(ctx, audio)
	if err != nil {
		return SpeakingResult{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return SpeakingResult{}, faults.Newf(faults.KindEmptyTranscript, op, "no speech in %d bytes of audio", len(audio))
	}

	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: speakingInstruction},
		{Role: llm.RoleUser, Content: "Prompt: " + prompt + "\n\nAnswer: " + text},
	}
	feedback, err := e.model.Complete(ctx, msgs, e.params)
	if err != nil {
		return SpeakingResult{Transcript: text}, classifyModelErr(op, err)
	}
	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		return SpeakingResult{Transcript: text}, faults.Newf(faults.KindEmptyResponse, op, "blank assessment")
	}
	res := SpeakingResult{Transcript: text, Feedback: feedback, Score: ParseScore(feedback)}
	e.log.Debug().Int("words", len(strings.Fields(text))).Bool("scored", res.Score != nil).Msg("speaking answer evaluated")
	return res, nil
}
