package skills

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/calderahq/caldera"
)

// ExtractEntities pulls structured entities out of free text with pattern
// matching: emails, URLs, dates, numbers and capitalized name sequences.
type ExtractEntities struct{}

// NewExtractEntities creates the extract_entities skill.
func NewExtractEntities() *ExtractEntities { return &ExtractEntities{} }

var (
	emailRe  = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	urlRe    = regexp.MustCompile(`https?://[^\s<>"')]+`)
	dateRe   = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b|\b\d{1,2}/\d{1,2}/\d{2,4}\b`)
	numberRe = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	// Two or more adjacent capitalized words, a crude person/org detector.
	properRe = regexp.MustCompile(`\b[A-Z][a-z]+(?: [A-Z][a-z]+)+\b`)
)

// Entity is one extracted span.
type Entity struct {
	Text string `json:"text"`
	Type string `json:"type"`
}

func (e *ExtractEntities) Metadata() caldera.SkillMetadata {
	return caldera.SkillMetadata{
		ID:          "extract_entities",
		Name:        "Extract Entities",
		Description: "Extract emails, URLs, dates, numbers and proper names from text.",
		Version:     "1.0.0",
		InputSchema: json.RawMessage(`{"type":"object","properties":{
			"text":{"type":"string"}
		},"required":["text"]}`),
		OutputSchema: json.RawMessage(`{"type":"object","properties":{
			"entities":{"type":"array","items":{"type":"object","properties":{
				"text":{"type":"string"},"type":{"type":"string"}}}}
		}}`),
	}
}

func (e *ExtractEntities) Execute(ctx context.Context, sc *caldera.SkillContext, input json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, caldera.BadRequest("extract_entities: invalid input: %v", err)
	}
	if in.Text == "" {
		return nil, caldera.BadRequest("extract_entities: text is required")
	}

	seen := make(map[string]bool)
	var entities []Entity
	add := func(typ string, matches []string) {
		for _, m := range matches {
			key := typ + "\x00" + m
			if seen[key] {
				continue
			}
			seen[key] = true
			entities = append(entities, Entity{Text: m, Type: typ})
		}
	}

	add("email", emailRe.FindAllString(in.Text, -1))
	add("url", urlRe.FindAllString(in.Text, -1))
	add("date", dateRe.FindAllString(in.Text, -1))

	// Proper names, skipping sentence-initial false positives that are
	// really just a capitalized stopword pair.
	var names []string
	for _, m := range properRe.FindAllString(in.Text, -1) {
		if !stopwords[strings.ToLower(strings.Fields(m)[0])] {
			names = append(names, m)
		}
	}
	add("name", names)
	add("number", numberRe.FindAllString(in.Text, -1))

	out := struct {
		Entities []Entity `json:"entities"`
	}{entities}
	return json.Marshal(out)
}

var _ caldera.Skill = (*ExtractEntities)(nil)
