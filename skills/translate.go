package skills

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/calderahq/caldera"
)

// Translate is a phrasebook translator. Common words and greetings are
// translated from the embedded lexicon; everything else passes through
// unchanged, marked as such in the output.
type Translate struct{}

// NewTranslate creates the translate skill.
func NewTranslate() *Translate { return &Translate{} }

// lexicon maps target language code to a lowercase english→target table.
var lexicon = map[string]map[string]string{
	"es": {
		"hello": "hola", "goodbye": "adiós", "thanks": "gracias",
		"thank": "gracias", "please": "por favor", "yes": "sí", "no": "no",
		"good": "bueno", "morning": "mañana", "friend": "amigo",
		"world": "mundo", "welcome": "bienvenido",
	},
	"fr": {
		"hello": "bonjour", "goodbye": "au revoir", "thanks": "merci",
		"thank": "merci", "please": "s'il vous plaît", "yes": "oui",
		"no": "non", "good": "bon", "morning": "matin", "friend": "ami",
		"world": "monde", "welcome": "bienvenue",
	},
	"de": {
		"hello": "hallo", "goodbye": "auf wiedersehen", "thanks": "danke",
		"thank": "danke", "please": "bitte", "yes": "ja", "no": "nein",
		"good": "gut", "morning": "morgen", "friend": "freund",
		"world": "welt", "welcome": "willkommen",
	},
}

func (t *Translate) Metadata() caldera.SkillMetadata {
	return caldera.SkillMetadata{
		ID:          "translate",
		Name:        "Translate",
		Description: "Translate text to a target language. Coverage is limited to the built-in lexicon; unknown words pass through.",
		Version:     "1.0.0",
		InputSchema: json.RawMessage(`{"type":"object","properties":{
			"text":{"type":"string"},
			"target_language":{"type":"string","description":"ISO 639-1 code, e.g. es, fr, de"}
		},"required":["text","target_language"]}`),
		OutputSchema: json.RawMessage(`{"type":"object","properties":{
			"translated_text":{"type":"string"},
			"source_language":{"type":"string"},
			"target_language":{"type":"string"},
			"coverage":{"type":"number"}
		}}`),
	}
}

func (t *Translate) Execute(ctx context.Context, sc *caldera.SkillContext, input json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Text   string `json:"text"`
		Target string `json:"target_language"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, caldera.BadRequest("translate: invalid input: %v", err)
	}
	if in.Text == "" || in.Target == "" {
		return nil, caldera.BadRequest("translate: text and target_language are required")
	}

	target := strings.ToLower(in.Target)
	table, ok := lexicon[target]
	if !ok {
		return nil, caldera.BadRequest("translate: unsupported target language %q", in.Target)
	}

	words := strings.Fields(in.Text)
	translated := 0
	out := make([]string, len(words))
	for i, w := range words {
		key := strings.ToLower(strings.Trim(w, ".,!?;:"))
		if repl, ok := table[key]; ok {
			out[i] = repl
			translated++
		} else {
			out[i] = w
		}
	}

	coverage := 0.0
	if len(words) > 0 {
		coverage = float64(translated) / float64(len(words))
	}
	result := struct {
		TranslatedText string  `json:"translated_text"`
		SourceLanguage string  `json:"source_language"`
		TargetLanguage string  `json:"target_language"`
		Coverage       float64 `json:"coverage"`
	}{
		TranslatedText: strings.Join(out, " "),
		SourceLanguage: "en",
		TargetLanguage: target,
		Coverage:       coverage,
	}
	return json.Marshal(result)
}

var _ caldera.Skill = (*Translate)(nil)
