package skills

import (
	"context"
	"encoding/json"
	"math"

	"github.com/calderahq/caldera"
)

// QuestionAnswering answers a question from supplied context by picking the
// sentence with the highest word overlap.
type QuestionAnswering struct{}

// NewQuestionAnswering creates the question_answering skill.
func NewQuestionAnswering() *QuestionAnswering { return &QuestionAnswering{} }

func (q *QuestionAnswering) Metadata() caldera.SkillMetadata {
	return caldera.SkillMetadata{
		ID:          "question_answering",
		Name:        "Question Answering",
		Description: "Answer a question from a provided context passage.",
		Version:     "1.0.0",
		InputSchema: json.RawMessage(`{"type":"object","properties":{
			"question":{"type":"string"},
			"context":{"type":"string"}
		},"required":["question","context"]}`),
		OutputSchema: json.RawMessage(`{"type":"object","properties":{
			"answer":{"type":"string"},
			"confidence":{"type":"number"}
		}}`),
	}
}

func (q *QuestionAnswering) Execute(ctx context.Context, sc *caldera.SkillContext, input json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Question string `json:"question"`
		Context  string `json:"context"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, caldera.BadRequest("question_answering: invalid input: %v", err)
	}
	if in.Question == "" || in.Context == "" {
		return nil, caldera.BadRequest("question_answering: question and context are required")
	}

	qWords := contentWords(in.Question)
	best, bestScore := "", -1
	for _, sent := range sentences(in.Context) {
		score := overlap(qWords, contentWords(sent))
		if score > bestScore {
			best, bestScore = sent, score
		}
	}

	confidence := 0.0
	if len(qWords) > 0 && bestScore > 0 {
		confidence = math.Min(1, float64(bestScore)/float64(len(qWords)))
	}
	if bestScore <= 0 {
		best = "The context does not contain an answer to this question."
	}

	out := struct {
		Answer     string  `json:"answer"`
		Confidence float64 `json:"confidence"`
	}{best, confidence}
	return json.Marshal(out)
}

var _ caldera.Skill = (*QuestionAnswering)(nil)
