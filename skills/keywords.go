package skills

import (
	"context"
	"encoding/json"

	"github.com/calderahq/caldera"
)

// Keywords extracts the highest-frequency content words from a text.
type Keywords struct{}

// NewKeywords creates the keyword_extraction skill.
func NewKeywords() *Keywords { return &Keywords{} }

func (k *Keywords) Metadata() caldera.SkillMetadata {
	return caldera.SkillMetadata{
		ID:          "keyword_extraction",
		Name:        "Keyword Extraction",
		Description: "Extract the most salient keywords from a text.",
		Version:     "1.0.0",
		InputSchema: json.RawMessage(`{"type":"object","properties":{
			"text":{"type":"string"},
			"max_keywords":{"type":"integer","minimum":1}
		},"required":["text"]}`),
		OutputSchema: json.RawMessage(`{"type":"object","properties":{
			"keywords":{"type":"array","items":{"type":"object","properties":{
				"word":{"type":"string"},"score":{"type":"number"}}}}
		}}`),
	}
}

func (k *Keywords) Execute(ctx context.Context, sc *caldera.SkillContext, input json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Text        string `json:"text"`
		MaxKeywords int    `json:"max_keywords"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, caldera.BadRequest("keyword_extraction: invalid input: %v", err)
	}
	if in.Text == "" {
		return nil, caldera.BadRequest("keyword_extraction: text is required")
	}
	if in.MaxKeywords <= 0 {
		in.MaxKeywords = 10
	}

	freq := make(map[string]int)
	total := 0
	for _, w := range contentWords(in.Text) {
		if len(w) < 3 {
			continue
		}
		freq[w]++
		total++
	}

	type keyword struct {
		Word  string  `json:"word"`
		Score float64 `json:"score"`
	}
	var keywords []keyword
	for _, w := range topByCount(freq, in.MaxKeywords) {
		keywords = append(keywords, keyword{Word: w, Score: float64(freq[w]) / float64(total)})
	}

	out := struct {
		Keywords []keyword `json:"keywords"`
	}{keywords}
	return json.Marshal(out)
}

var _ caldera.Skill = (*Keywords)(nil)
