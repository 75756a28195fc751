package checkpointgen

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Draft is one generated question and the tags its answer should fill.
type Draft struct {
	Text           string   `json:"text"`
	ExpectedInputs []string `json:"expected_inputs"`
}

const (
	GenericText = "I'm sorry, but I need to understand your situation better. " +
		"Could you please tell me more about what you're experiencing or what you need help with?"
	minSentenceLen = 10
)

// Generic is the single checkpoint used when nothing usable was produced.
func Generic() []Draft {
	return []Draft{{
		Text:           GenericText,
		ExpectedInputs: []string{"symptoms", "request_details", "clarification"},
	}}
}

const draftSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "properties": {
      "text": {"type": "string"}
    },
    "required": ["text"]
  }
}`

var (
	schemaLoader = gojsonschema.NewStringLoader(draftSchema)
	embeddedJSON = regexp.MustCompile(`(?s)\[\s*\{.*\}\s*\]`)
	itemPrefix   = regexp.MustCompile(`^(?:\d+[.)]\s*|-\s*|\*\s*|Q\d+:\s*|Question\s*\d+:\s*)`)
	labelPrefix  = regexp.MustCompile(`^.*?[:\-]`)
	inputSplit   = regexp.MustCompile(`[,;]`)
	sentence     = regexp.MustCompile(`[^.!?]+[.!?]`)
)

// ParseDrafts turns raw generator output into drafts. It tries, in order:
// the whole reply as a JSON array, the first JSON array embedded in the
// reply, numbered or bulleted lines, then plain sentences. If every stage
// yields nothing it returns Generic. It never fails.
func ParseDrafts(raw string) []Draft {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Generic()
	}
	if drafts, ok := decodeJSON(raw); ok {
		return orGeneric(drafts)
	}
	if m := embeddedJSON.FindString(raw); m != "" {
		if drafts, ok := decodeJSON(m); ok {
			return orGeneric(drafts)
		}
	}
	if drafts := parseLines(raw); len(drafts) > 0 {
		return orGeneric(Normalize(drafts))
	}
	return orGeneric(Normalize(parseSentences(raw)))
}

func orGeneric(drafts []Draft) []Draft {
	if len(drafts) == 0 {
		return Generic()
	}
	return drafts
}

type wireDraft struct {
	Text           string          `json:"text"`
	ExpectedInputs json.RawMessage `json:"expected_inputs"`
}

// decodeJSON accepts raw only if it is a JSON array matching draftSchema.
func decodeJSON(raw string) ([]Draft, bool) {
	if !json.Valid([]byte(raw)) {
		return nil, false
	}
	res, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewStringLoader(raw))
	if err != nil || !res.Valid() {
		return nil, false
	}
	var wire []wireDraft
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, false
	}
	drafts := make([]Draft, 0, len(wire))
	for _, w := range wire {
		var inputs []string
		if len(w.ExpectedInputs) > 0 {
			var anyInputs []any
			if json.Unmarshal(w.ExpectedInputs, &anyInputs) == nil {
				for _, v := range anyInputs {
					if s, ok := v.(string); ok {
						inputs = append(inputs, s)
					}
				}
			}
		}
		drafts = append(drafts, Draft{Text: w.Text, ExpectedInputs: inputs})
	}
	return Normalize(drafts), true
}

// Normalize drops drafts without text and folds tags to lowercase with
// underscores for spaces.
func Normalize(drafts []Draft) []Draft {
	out := make([]Draft, 0, len(drafts))
	for _, d := range drafts {
		text := strings.TrimSpace(d.Text)
		if text == "" {
			continue
		}
		inputs := make([]string, 0, len(d.ExpectedInputs))
		for _, tag := range d.ExpectedInputs {
			if t := NormalizeTag(tag); t != "" {
				inputs = append(inputs, t)
			}
		}
		out = append(out, Draft{Text: text, ExpectedInputs: inputs})
	}
	return out
}

func NormalizeTag(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return ""
	}
	// Casers hold state, so one per call.
	return strings.ReplaceAll(cases.Lower(language.Und).String(tag), " ", "_")
}

func parseLines(raw string) []Draft {
	var lines []string
	for _, l := range strings.Split(raw, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	anyItem := false
	for _, l := range lines {
		if itemPrefix.MatchString(l) {
			anyItem = true
			break
		}
	}

	var (
		drafts  []Draft
		current string
		inputs  []string
	)
	flush := func() {
		if current != "" {
			drafts = append(drafts, Draft{Text: current, ExpectedInputs: inputs})
		}
		current, inputs = "", nil
	}
	for i, line := range lines {
		if itemPrefix.MatchString(line) || (i == 0 && !anyItem) {
			flush()
			current = strings.TrimSpace(itemPrefix.ReplaceAllString(line, ""))
			continue
		}
		if current == "" {
			continue
		}
		if describesInputs(line) {
			rest := strings.TrimSpace(labelPrefix.ReplaceAllString(line, ""))
			for _, item := range inputSplit.Split(rest, -1) {
				tag := NormalizeTag(item)
				if len([]rune(tag)) > 1 {
					inputs = append(inputs, tag)
				}
			}
			continue
		}
		current += " " + line
	}
	flush()
	return drafts
}

func describesInputs(line string) bool {
	l := strings.ToLower(line)
	return strings.Contains(l, "expected input") ||
		strings.Contains(l, "possible response") ||
		strings.Contains(l, "user might")
}

func parseSentences(raw string) []Draft {
	var drafts []Draft
	for _, s := range sentence.FindAllString(raw, -1) {
		if s = strings.TrimSpace(s); len([]rune(s)) > minSentenceLen {
			drafts = append(drafts, Draft{Text: s})
		}
	}
	return drafts
}
