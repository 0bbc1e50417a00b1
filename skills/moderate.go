package skills

import (
	"context"
	"encoding/json"
	"math"
	"sort"

	"github.com/calderahq/caldera"
)

// Moderation flags text against keyword category lists. It errs toward
// under-flagging; deployments needing real moderation should replace it with
// a model-backed skill.
type Moderation struct{}

// NewModeration creates the content_moderation skill.
func NewModeration() *Moderation { return &Moderation{} }

var moderationCategories = map[string][]string{
	"violence":  {"kill", "attack", "murder", "assault", "bomb", "shoot", "stab", "weapon"},
	"hate":      {"hate", "racist", "bigot", "slur", "nazi"},
	"self-harm": {"suicide", "self-harm", "cutting", "overdose"},
	"sexual":    {"porn", "explicit", "nude", "nsfw"},
	"profanity": {"damn", "hell", "crap", "bastard"},
}

func (m *Moderation) Metadata() caldera.SkillMetadata {
	return caldera.SkillMetadata{
		ID:          "content_moderation",
		Name:        "Content Moderation",
		Description: "Flag text containing violent, hateful, sexual or otherwise unsafe content.",
		Version:     "1.0.0",
		InputSchema: json.RawMessage(`{"type":"object","properties":{
			"text":{"type":"string"}
		},"required":["text"]}`),
		OutputSchema: json.RawMessage(`{"type":"object","properties":{
			"flagged":{"type":"boolean"},
			"categories":{"type":"array","items":{"type":"string"}},
			"scores":{"type":"object","additionalProperties":{"type":"number"}}
		}}`),
	}
}

func (m *Moderation) Execute(ctx context.Context, sc *caldera.SkillContext, input json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, caldera.BadRequest("content_moderation: invalid input: %v", err)
	}
	if in.Text == "" {
		return nil, caldera.BadRequest("content_moderation: text is required")
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

	scores := make(map[string]float64, len(moderationCategories))
	var flaggedCats []string
	for cat, words := range moderationCategories {
		hits := 0
		for _, w := range words {
			hits += freq[w]
		}
		score := math.Min(1, float64(hits)/float64(total)*10)
		scores[cat] = score
		if hits > 0 {
			flaggedCats = append(flaggedCats, cat)
		}
	}

	sort.Strings(flaggedCats)
	out := struct {
		Flagged    bool               `json:"flagged"`
		Categories []string           `json:"categories"`
		Scores     map[string]float64 `json:"scores"`
	}{len(flaggedCats) > 0, flaggedCats, scores}
	return json.Marshal(out)
}

var _ caldera.Skill = (*Moderation)(nil)
