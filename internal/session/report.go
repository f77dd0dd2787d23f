package session

import "github.com/chadiek/interview-agent/internal/interview"

// CategoryReport is one category of the final report.
type CategoryReport struct {
	Name    string  `json:"name"`
	Percent float64 `json:"percent"`
	Scored  bool    `json:"scored"`
}

// Report is the candidate-facing summary of an interview. Unscored values
// are reported as 0 with Scored false.
type Report struct {
	QuestionsAsked int              `json:"questions_asked"`
	TotalQuestions int              `json:"total_questions"`
	Complete       bool             `json:"complete"`
	Scored         bool             `json:"scored"`
	Percent        float64          `json:"percent"`
	Feedback       string           `json:"feedback,omitempty"`
	Categories     []CategoryReport `json:"categories,omitempty"`
}

// NewReport summarizes a conversation state.
func NewReport(st interview.ConversationState) *Report {
	r := &Report{
		QuestionsAsked: st.QuestionIndex,
		TotalQuestions: st.TotalQuestions,
		Complete:       st.Complete,
	}
	a := st.Assessment
	if a == nil {
		return r
	}
	r.Feedback = a.Feedback
	r.Scored = a.Score != nil
	r.Percent = interview.PercentOrZero(a.Score)
	for _, c := range a.Categories {
		r.Categories = append(r.Categories, CategoryReport{
			Name:    c.Name,
			Percent: interview.PercentOrZero(c.Score),
			Scored:  c.Score != nil,
		})
	}
	return r
}
