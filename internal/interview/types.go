// Package interview holds the conversation state of one interview and the
// controller that advances it: asking questions, collecting answers and
// producing the final assessment.
package interview

import (
	"context"
	"time"

	"github.com/chadiek/interview-agent/internal/llm"
)

// Role is the speaker of a dialogue turn.
type Role string

const (
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

// DialogueTurn is one utterance in the conversation history.
type DialogueTurn struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// ConversationState is the interview progress. QuestionIndex counts the
// questions asked so far.
type ConversationState struct {
	History        []DialogueTurn `json:"history"`
	QuestionIndex  int            `json:"question_index"`
	TotalQuestions int            `json:"total_questions"`
	Complete       bool           `json:"complete"`
	Assessment     *Assessment    `json:"assessment,omitempty"`
}

// Completer is the chat-completion collaborator.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message, p llm.Params) (string, error)
}

// Speaker is the avatar output the controller speaks through.
type Speaker interface {
	Speak(ctx context.Context, text string) error
	SpeakLong(ctx context.Context, text string) error
}

// Outcome is the result of one user turn.
type Outcome struct {
	Reply      string
	Assessment *Assessment
	Complete   bool
}
