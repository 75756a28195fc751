package evaluate

import (
	"strings"
	"unicode/utf8"
)

var timeoutKeywords = []string{"yes", "no", "mg", "daily", "morning"}

// timeoutFallback judges the utterance on length and a few answer-like
// keywords when the generator ran out of time.
func timeoutFallback(text string) Result {
	trimmed := strings.TrimSpace(text)
	n := utf8.RuneCountInString(trimmed)
	lowered := strings.ToLower(text)
	hasKeyword := false
	for _, k := range timeoutKeywords {
		if strings.Contains(lowered, k) {
			hasKeyword = true
			break
		}
	}
	complete := n > 5 && (hasKeyword || n > 15)
	if complete {
		return Result{CheckpointComplete: true, ProgressPercentage: 90, Confidence: 0.75, Source: SourceTimeoutFallback}
	}
	return Result{CheckpointComplete: false, ProgressPercentage: 40, Confidence: 0.45, Source: SourceTimeoutFallback}
}

// errorFallback only looks at length.
func errorFallback(text string) Result {
	complete := utf8.RuneCountInString(strings.TrimSpace(text)) > 8
	if complete {
		return Result{CheckpointComplete: true, ProgressPercentage: 85, Confidence: 0.65, Source: SourceErrorFallback}
	}
	return Result{CheckpointComplete: false, ProgressPercentage: 35, Confidence: 0.65, Source: SourceErrorFallback}
}
