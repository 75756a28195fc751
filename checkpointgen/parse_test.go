package checkpointgen

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseDrafts_Stages(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want []Draft
	}{
		{
			name: "direct json",
			raw:  `[{"text": "Where does it hurt?", "expected_inputs": ["Pain Location", "severity"]}]`,
			want: []Draft{{Text: "Where does it hurt?", ExpectedInputs: []string{"pain_location", "severity"}}},
		},
		{
			name: "json embedded in prose",
			raw: "Sure, here you go:\n```json\n" +
				`[{"text": "How long has this lasted?", "expected_inputs": ["duration"]}]` +
				"\n```\nHope that helps.",
			want: []Draft{{Text: "How long has this lasted?", ExpectedInputs: []string{"duration"}}},
		},
		{
			name: "numbered lines with input hints",
			raw: "1. How are you feeling today?\n" +
				"Expected inputs: mood, energy level\n" +
				"2. Did you sleep well?\n" +
				"Possible responses: yes; no",
			want: []Draft{
				{Text: "How are you feeling today?", ExpectedInputs: []string{"mood", "energy_level"}},
				{Text: "Did you sleep well?", ExpectedInputs: []string{"yes", "no"}},
			},
		},
		{
			name: "bullets continue over lines",
			raw:  "- Tell me about the pain\nand where it spreads.\n* Any fever?",
			want: []Draft{
				{Text: "Tell me about the pain and where it spreads.", ExpectedInputs: []string{}},
				{Text: "Any fever?", ExpectedInputs: []string{}},
			},
		},
		{
			name: "unprefixed first line",
			raw:  "What brings you in today?",
			want: []Draft{{Text: "What brings you in today?", ExpectedInputs: []string{}}},
		},
		{
			name: "empty output",
			raw:  "   ",
			want: Generic(),
		},
		{
			name: "json without text falls through to lines",
			raw:  `[{"question": "x"}]`,
			want: []Draft{{Text: `[{"question": "x"}]`, ExpectedInputs: []string{}}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseDrafts(tc.raw)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("ParseDrafts mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseDrafts_EmptyJSONArrayIsGeneric(t *testing.T) {
	got := ParseDrafts(`[]`)
	if diff := cmp.Diff(Generic(), got); diff != "" {
		t.Fatalf("expected generic checkpoint (-want +got):\n%s", diff)
	}
}

func TestParseSentences(t *testing.T) {
	got := parseSentences("Hi. Can you describe the pain? It started recently! Ok.")
	want := []Draft{{Text: "Can you describe the pain?"}, {Text: "It started recently!"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("parseSentences mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalize(t *testing.T) {
	got := Normalize([]Draft{
		{Text: "  ", ExpectedInputs: []string{"x"}},
		{Text: " Question? ", ExpectedInputs: []string{" Blood Pressure ", "", "ÉTAT Général"}},
	})
	want := []Draft{{Text: "Question?", ExpectedInputs: []string{"blood_pressure", "état_général"}}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Normalize mismatch (-want +got):\n%s", diff)
	}
}
