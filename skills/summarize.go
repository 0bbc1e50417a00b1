package skills

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/calderahq/caldera"
)

// Summarize produces an extractive summary: the sentences that share the
// most vocabulary with the document, in original order.
type Summarize struct{}

// NewSummarize creates the summarize skill.
func NewSummarize() *Summarize { return &Summarize{} }

func (s *Summarize) Metadata() caldera.SkillMetadata {
	return caldera.SkillMetadata{
		ID:          "summarize",
		Name:        "Summarize",
		Description: "Produce a short extractive summary of a text.",
		Version:     "1.0.0",
		InputSchema: json.RawMessage(`{"type":"object","properties":{
			"text":{"type":"string"},
			"max_sentences":{"type":"integer","minimum":1}
		},"required":["text"]}`),
		OutputSchema: json.RawMessage(`{"type":"object","properties":{
			"summary":{"type":"string"},
			"sentence_count":{"type":"integer"},
			"original_length":{"type":"integer"}
		}}`),
	}
}

func (s *Summarize) Execute(ctx context.Context, sc *caldera.SkillContext, input json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Text         string `json:"text"`
		MaxSentences int    `json:"max_sentences"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, caldera.BadRequest("summarize: invalid input: %v", err)
	}
	if in.Text == "" {
		return nil, caldera.BadRequest("summarize: text is required")
	}
	if in.MaxSentences <= 0 {
		in.MaxSentences = 3
	}

	sents := sentences(in.Text)
	docWords := contentWords(in.Text)

	type scored struct {
		idx   int
		score int
	}
	ranked := make([]scored, len(sents))
	for i, sent := range sents {
		ranked[i] = scored{idx: i, score: overlap(contentWords(sent), docWords)}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	n := in.MaxSentences
	if n > len(ranked) {
		n = len(ranked)
	}
	keep := ranked[:n]
	sort.Slice(keep, func(i, j int) bool { return keep[i].idx < keep[j].idx })

	parts := make([]string, len(keep))
	for i, k := range keep {
		parts[i] = sents[k.idx]
	}

	out := struct {
		Summary        string `json:"summary"`
		SentenceCount  int    `json:"sentence_count"`
		OriginalLength int    `json:"original_length"`
	}{
		Summary:        joinSentences(parts),
		SentenceCount:  len(parts),
		OriginalLength: len(in.Text),
	}
	return json.Marshal(out)
}

func joinSentences(parts []string) string {
	var b []byte
	for i, p := range parts {
		if i > 0 {
			b = append(b, ' ')
		}
		b = append(b, p...)
	}
	return string(b)
}

var _ caldera.Skill = (*Summarize)(nil)
