package skills

import (
	"context"
	"encoding/json"

	"github.com/calderahq/caldera"
)

// Classify assigns a text to one of a set of labels by keyword affinity.
// Callers may pass their own labels; unknown labels score only on literal
// occurrences of the label word itself.
type Classify struct{}

// NewClassify creates the text_classification skill.
func NewClassify() *Classify { return &Classify{} }

// labelHints seeds each default label with indicative vocabulary.
var labelHints = map[string][]string{
	"technology":    {"software", "computer", "code", "data", "internet", "app", "device", "digital", "model", "server", "cloud", "programming"},
	"sports":        {"game", "team", "player", "season", "match", "score", "league", "championship", "coach", "tournament", "win"},
	"business":      {"market", "company", "revenue", "profit", "stock", "investor", "startup", "economy", "trade", "price", "sales"},
	"entertainment": {"film", "movie", "music", "album", "actor", "show", "series", "concert", "celebrity", "song"},
	"politics":      {"government", "election", "policy", "president", "vote", "senate", "party", "minister", "law", "campaign"},
	"science":       {"research", "study", "scientists", "experiment", "discovery", "theory", "species", "climate", "physics", "biology"},
	"health":        {"health", "disease", "patient", "treatment", "doctor", "medicine", "vaccine", "hospital", "symptoms", "diet"},
}

func (c *Classify) Metadata() caldera.SkillMetadata {
	return caldera.SkillMetadata{
		ID:          "text_classification",
		Name:        "Text Classification",
		Description: "Classify a text into one of the given labels, or the default topic set.",
		Version:     "1.0.0",
		InputSchema: json.RawMessage(`{"type":"object","properties":{
			"text":{"type":"string"},
			"labels":{"type":"array","items":{"type":"string"}}
		},"required":["text"]}`),
		OutputSchema: json.RawMessage(`{"type":"object","properties":{
			"label":{"type":"string"},
			"scores":{"type":"object","additionalProperties":{"type":"number"}}
		}}`),
	}
}

func (c *Classify) Execute(ctx context.Context, sc *caldera.SkillContext, input json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Text   string   `json:"text"`
		Labels []string `json:"labels"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, caldera.BadRequest("text_classification: invalid input: %v", err)
	}
	if in.Text == "" {
		return nil, caldera.BadRequest("text_classification: text is required")
	}

	labels := in.Labels
	if len(labels) == 0 {
		labels = []string{"technology", "sports", "business", "entertainment", "politics", "science", "health"}
	}

	freq := make(map[string]int)
	total := 0
	for _, w := range tokenize(in.Text) {
		freq[w]++
		total++
	}
	if total == 0 {
		total = 1
	}

	scores := make(map[string]float64, len(labels))
	best := labels[0]
	for _, label := range labels {
		hits := freq[label]
		for _, hint := range labelHints[label] {
			hits += freq[hint]
		}
		scores[label] = float64(hits) / float64(total)
		if scores[label] > scores[best] {
			best = label
		}
	}

	out := struct {
		Label  string             `json:"label"`
		Scores map[string]float64 `json:"scores"`
	}{best, scores}
	return json.Marshal(out)
}

var _ caldera.Skill = (*Classify)(nil)
