package evaluate

import (
	"math"
	"strconv"
	"strings"
)

const (
	// CompletionThreshold is the minimum confidence for a "Yes" to count.
	CompletionThreshold = 0.6
	// unparsableConfidence applies when a Confidence line is present but
	// its value is not a number.
	unparsableConfidence  = 0.6
	maxIncompleteProgress = 95.0
	progressLift          = 0.15
)

type verdict struct {
	yes        bool
	confidence float64
}

// parseVerdict reads "Complete:" and "Confidence:" lines. A missing
// confidence line leaves confidence at zero.
func parseVerdict(raw string) verdict {
	var v verdict
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Complete:"):
			v.yes = strings.Contains(strings.ToLower(line), "yes")
		case strings.HasPrefix(line, "Confidence:"):
			val := strings.TrimSpace(strings.TrimPrefix(line, "Confidence:"))
			val = strings.ReplaceAll(val, "%", "")
			f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
			if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
				v.confidence = unparsableConfidence
				continue
			}
			v.confidence = clamp(f/100, 0, 1)
		}
	}
	return v
}

// decide turns a verdict into completion and progress.
func decide(v verdict) (complete bool, progress float64) {
	if v.yes && v.confidence >= CompletionThreshold {
		return true, 100
	}
	return false, round2(math.Min(maxIncompleteProgress, (v.confidence+progressLift)*100))
}

func clamp(f, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, f))
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
