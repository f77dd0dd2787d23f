package interview

import (
	"fmt"
	"strings"
)

func systemPrompt(position string, total int) string {
	return fmt.Sprintf(`You are a professional job interviewer conducting a spoken interview for the position of %s.
Ask exactly one question at a time. Keep each question under 40 words and do not use lists or markdown.
Build on the candidate's previous answers. The interview has %d questions in total.`, position, total)
}

const openingInstruction = "Greet the candidate briefly and ask the first interview question."

func assessmentInstruction(categories []string) string {
	var b strings.Builder
	b.WriteString("The interview is over. Write spoken feedback for the candidate in plain sentences without markdown. ")
	b.WriteString("Mention strengths and areas to improve, then state the result on its own line as \"Overall Score: X/10\".")
	if len(categories) > 0 {
		b.WriteString(" Then rate each of these on its own line as \"Name: X/10\": ")
		b.WriteString(strings.Join(categories, ", "))
		b.WriteString(".")
	}
	return b.String()
}

const speakingInstruction = `You are evaluating a recorded spoken answer. Judge fluency, clarity and relevance to the prompt.
Reply with two or three sentences of feedback followed by "Score: X/10" on its own line.`
