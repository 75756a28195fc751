package prompt

const (
	CheckpointEvaluator = "checkpoint-evaluator"
	CheckpointsInitial  = "checkpoints-initial"
	CheckpointsFollowUp = "checkpoints-followup"
)

func builtins() []Spec {
	return []Spec{
		{
			Name:        CheckpointEvaluator,
			Description: "Judges whether an utterance answers the current checkpoint",
			Tags:        []string{"evaluate"},
			Template: `Evaluate if the user answered the checkpoint question sufficiently.
Be lenient: if the message partially covers the expectation, say 'Yes'.

CHECKPOINT: {{checkpoint}}
EXPECTED: {{expected}}

CONTEXT:
{{context}}

USER MESSAGE: "{{text}}"

RESPOND:
Complete: [Yes/No]
Confidence: [0-100]`,
		},
		{
			Name:        CheckpointsInitial,
			Description: "Opens a guided conversation from the first user message",
			Tags:        []string{"generate"},
			Template: `You are a polite, clear and professional {{specialty}} assistant.
Read the user's message, understand its intent, and write EXACTLY {{limit}} opening follow-up questions.
Ask empathetic questions for symptoms; for requests, offer help and ask for the missing details.
Do not ask irrelevant questions.

User message: "{{text}}"

Respond with a JSON list of EXACTLY {{limit}} checkpoints like:
[
  {"text": "question 1", "expected_inputs": ["input1", "input2"]},
  {"text": "question 2", "expected_inputs": ["input3"]}
]`,
		},
		{
			Name:        CheckpointsFollowUp,
			Description: "Continues a guided conversation from its history",
			Tags:        []string{"generate"},
			Template: `You are a polite, clear and professional {{specialty}} assistant.
Read the conversation and write the next {{limit}} natural follow-up question(s).
Do not repeat questions that were already answered.

CONVERSATION HISTORY:
{{context}}

Latest message: "{{text}}"

Respond with a JSON list of EXACTLY {{limit}} checkpoints like:
[
  {"text": "question 1", "expected_inputs": ["input1", "input2"]}
]`,
		},
	}
}
