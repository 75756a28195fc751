package tiered

import (
	"errors"
	"fmt"
	"time"
)

// ErrDurableWriteFailed is returned when a WritePolicy refuses a write the
// durable tier did not take.
var ErrDurableWriteFailed = errors.New("tiered: durable write failed")

// TierOutcome records what happened to one tier during a write.
type TierOutcome struct {
	Tier      string        `json:"tier"`
	Attempted bool          `json:"attempted"`
	Err       error         `json:"-"`
	Duration  time.Duration `json:"duration"`
}

func (o TierOutcome) Failed() bool { return o.Attempted && o.Err != nil }

// WriteOutcome is the per-tier result of a write.
type WriteOutcome struct {
	Op             string `json:"op"`
	ConversationID string `json:"conversation_id"`
	// NewConversation is set on the first write after a lookup found
	// nothing in either tier.
	NewConversation bool        `json:"new_conversation"`
	Fast            TierOutcome `json:"fast"`
	Durable         TierOutcome `json:"durable"`
}

// Degraded reports whether any attempted tier failed.
func (o WriteOutcome) Degraded() bool { return o.Fast.Failed() || o.Durable.Failed() }

// Err joins the tier errors, or nil when every attempted tier succeeded.
func (o WriteOutcome) Err() error {
	var errs []error
	if o.Fast.Failed() {
		errs = append(errs, fmt.Errorf("%s: %w", o.Fast.Tier, o.Fast.Err))
	}
	if o.Durable.Failed() {
		errs = append(errs, fmt.Errorf("%s: %w", o.Durable.Tier, o.Durable.Err))
	}
	return errors.Join(errs...)
}

// WritePolicy turns a write outcome into the error returned to the caller.
// A nil return accepts the write, degraded or not.
type WritePolicy func(WriteOutcome) error

// DegradedPolicy accepts every write. Tier failures are only logged and
// reported through the outcome.
func DegradedPolicy(WriteOutcome) error { return nil }

// StrictNewConversationPolicy rejects the first write of a brand-new
// conversation when the durable tier failed to store it. Later writes are
// accepted degraded.
func StrictNewConversationPolicy(o WriteOutcome) error {
	if o.NewConversation && o.Durable.Failed() {
		return fmt.Errorf("%w: %s %s: %v", ErrDurableWriteFailed, o.Op, o.ConversationID, o.Durable.Err)
	}
	return nil
}

// StrictPolicy rejects any write the durable tier failed.
func StrictPolicy(o WriteOutcome) error {
	if o.Durable.Failed() {
		return fmt.Errorf("%w: %s %s: %v", ErrDurableWriteFailed, o.Op, o.ConversationID, o.Durable.Err)
	}
	return nil
}

// TierHealth is the probe result for one tier.
type TierHealth struct {
	Name       string `json:"name"`
	Configured bool   `json:"configured"`
	Healthy    bool   `json:"healthy"`
	Error      string `json:"error,omitempty"`
	LatencyMs  int64  `json:"latency_ms"`
}

type Health struct {
	Initialized bool       `json:"initialized"`
	Fast        TierHealth `json:"fast"`
	Durable     TierHealth `json:"durable"`
}

// Healthy is true when the durable tier answers and the fast tier, if
// configured, answers too.
func (h Health) Healthy() bool {
	if !h.Durable.Healthy {
		return false
	}
	return !h.Fast.Configured || h.Fast.Healthy
}
