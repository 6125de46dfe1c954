// Package flagstack provides client interfaces and domain types for the
// flagstack feature flag service.
//
// Use the sub-package to create a transport client:
//
//	import flagstackhttp "github.com/flagstack/flagstack/clients/go/http"
package flagstack

import (
	"context"
	"encoding/json"
)

// Evaluator resolves every flag in an environment for one user.
type Evaluator interface {
	Evaluate(ctx context.Context, user UserContext) (Evaluation, error)
}

// Streamer delivers real-time flag change events for an environment.
// The returned channel is closed when ctx is cancelled or the connection drops.
type Streamer interface {
	Stream(ctx context.Context, environmentID string, lastEventID int64) (<-chan Event, error)
}

// UserContext identifies the user an evaluation is for: a stable key used
// for rollout bucketing plus arbitrary attributes for rule matching.
type UserContext struct {
	Key        string         `json:"key"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Reason explains which step of the decision chain produced a result.
type Reason string

const (
	ReasonOff             Reason = "off"
	ReasonRolloutExcluded Reason = "rollout_excluded"
	ReasonRuleMatch       Reason = "rule_match"
	ReasonDefault         Reason = "default"
)

// VariationPair carries the on/off variation values alongside a result.
type VariationPair struct {
	On  json.RawMessage `json:"on"`
	Off json.RawMessage `json:"off"`
}

// Result is the outcome of evaluating one flag. Value holds the raw JSON
// of the served variation; use the typed accessors for common cases.
type Result struct {
	Value     json.RawMessage `json:"value"`
	Reason    Reason          `json:"reason"`
	Variation VariationPair   `json:"variation"`
}

// BoolValue returns the result value as a bool, or def when the value is
// absent or not a JSON boolean.
func (r Result) BoolValue(def bool) bool {
	var v bool
	if err := json.Unmarshal(r.Value, &v); err != nil {
		return def
	}
	return v
}

// StringValue returns the result value as a string, or def when the value
// is absent or not a JSON string.
func (r Result) StringValue(def string) string {
	var v string
	if err := json.Unmarshal(r.Value, &v); err != nil {
		return def
	}
	return v
}

// FloatValue returns the result value as a float64, or def when the value
// is absent or not a JSON number.
func (r Result) FloatValue(def float64) float64 {
	var v float64
	if err := json.Unmarshal(r.Value, &v); err != nil {
		return def
	}
	return v
}

// Evaluation is every flag in one environment evaluated for one user.
type Evaluation struct {
	Environment string            `json:"environment"`
	Flags       map[string]Result `json:"flags"`
}

// Event is a real-time notification of a flag change in one environment.
type Event struct {
	// EventID is the server-assigned monotonic event ID. Pass the last
	// seen value when reconnecting to resume without gaps.
	EventID int64
	// Type is the event name, e.g. "flag.created" or "flag_state.updated".
	Type string
	// FlagKey is the affected flag, when the event payload names one.
	FlagKey string
	// Payload is the raw event payload.
	Payload json.RawMessage
}
