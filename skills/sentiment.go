package skills

import (
	"context"
	"encoding/json"
	"math"

	"github.com/calderahq/caldera"
)

// Sentiment scores text with a polarity lexicon.
type Sentiment struct{}

// NewSentiment creates the sentiment_analysis skill.
func NewSentiment() *Sentiment { return &Sentiment{} }

var positiveWords = map[string]bool{
	"good": true, "great": true, "excellent": true, "amazing": true,
	"love": true, "loved": true, "wonderful": true, "fantastic": true,
	"happy": true, "best": true, "awesome": true, "perfect": true,
	"nice": true, "helpful": true, "thanks": true, "beautiful": true,
	"brilliant": true, "enjoy": true, "enjoyed": true, "glad": true,
	"impressive": true, "delightful": true, "pleased": true, "superb": true,
}

var negativeWords = map[string]bool{
	"bad": true, "terrible": true, "awful": true, "horrible": true,
	"hate": true, "hated": true, "worst": true, "poor": true,
	"sad": true, "angry": true, "disappointing": true, "disappointed": true,
	"broken": true, "useless": true, "wrong": true, "slow": true,
	"annoying": true, "fail": true, "failed": true, "failure": true,
	"ugly": true, "boring": true, "mediocre": true, "frustrating": true,
}

func (s *Sentiment) Metadata() caldera.SkillMetadata {
	return caldera.SkillMetadata{
		ID:          "sentiment_analysis",
		Name:        "Sentiment Analysis",
		Description: "Classify the sentiment of a text as positive, negative or neutral.",
		Version:     "1.0.0",
		InputSchema: json.RawMessage(`{"type":"object","properties":{
			"text":{"type":"string"}
		},"required":["text"]}`),
		OutputSchema: json.RawMessage(`{"type":"object","properties":{
			"sentiment":{"type":"string","enum":["positive","negative","neutral"]},
			"score":{"type":"number"},
			"confidence":{"type":"number"}
		}}`),
	}
}

func (s *Sentiment) Execute(ctx context.Context, sc *caldera.SkillContext, input json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, caldera.BadRequest("sentiment_analysis: invalid input: %v", err)
	}
	if in.Text == "" {
		return nil, caldera.BadRequest("sentiment_analysis: text is required")
	}

	var pos, neg int
	words := tokenize(in.Text)
	for _, w := range words {
		if positiveWords[w] {
			pos++
		}
		if negativeWords[w] {
			neg++
		}
	}

	// Score in [-1, 1]; confidence grows with the share of polar words.
	score := 0.0
	if pos+neg > 0 {
		score = float64(pos-neg) / float64(pos+neg)
	}
	label := "neutral"
	switch {
	case score > 0.1:
		label = "positive"
	case score < -0.1:
		label = "negative"
	}
	confidence := 0.0
	if len(words) > 0 {
		confidence = math.Min(1, float64(pos+neg)/float64(len(words))*4)
	}

	out := struct {
		Sentiment  string  `json:"sentiment"`
		Score      float64 `json:"score"`
		Confidence float64 `json:"confidence"`
	}{label, score, confidence}
	return json.Marshal(out)
}

var _ caldera.Skill = (*Sentiment)(nil)
