// Package core implements the flag evaluation engine: stable percentage
// bucketing, clause and rule matching, and the per-flag decision chain.
// Everything in this package is pure and safe for concurrent use.
package core

import (
	"encoding/json"
	"fmt"
)

// Operator is a clause comparison operator. The set is closed; unknown
// operators never match.
type Operator string

const (
	// OperatorEquals tests exact, type-sensitive membership of the
	// attribute value in the clause value list.
	OperatorEquals Operator = "equals"
	// OperatorIn is identical to OperatorEquals. Both names exist for
	// rule authors; do not merge them.
	OperatorIn Operator = "in"
	// OperatorContains tests case-insensitive substring match against a
	// textual attribute value.
	OperatorContains Operator = "contains"
)

// Clause is a single targeting condition. Field names follow the stored
// JSON authored by rule editors.
type Clause struct {
	Attribute string   `json:"attr"`
	Operator  Operator `json:"op"`
	Values    []any    `json:"values"`
}

// Rule is an ordered targeting rule within a flag state. ID is the
// (Priority, ID) tie-breaker and the namespace for the rule-scoped
// rollout hash, so it must remain stable for the rule's lifetime.
type Rule struct {
	ID                string    `json:"id"`
	Priority          int       `json:"priority"`
	Clauses           []Clause  `json:"clauses"`
	Variation         Variation `json:"variation"`
	RolloutPercentage int       `json:"rollout_percentage"`
}

// FlagState is the evaluable configuration of one flag in one environment.
// Rules must be ordered with [SortRules] before evaluation.
type FlagState struct {
	FlagKey           string
	Enabled           bool
	OnVariation       Variation
	OffVariation      Variation
	DefaultVariation  Variation
	RolloutPercentage int
	Rules             []Rule
}

// UserContext is the requesting user: a stable key used for rollout
// bucketing plus arbitrary attributes for rule matching.
type UserContext struct {
	Key        string         `json:"key"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// UnmarshalJSON accepts the SDK wire shape, where attributes sit flat
// beside "key" inside the user object. A nested "attributes" object is
// also accepted and merged first, so a flat field with the same name wins.
func (u *UserContext) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := UserContext{}
	if keyRaw, ok := raw["key"]; ok {
		if err := json.Unmarshal(keyRaw, &out.Key); err != nil {
			return fmt.Errorf("user key: %w", err)
		}
	}

	attrs := make(map[string]any, len(raw))
	if nestedRaw, ok := raw["attributes"]; ok {
		var nested map[string]any
		if err := json.Unmarshal(nestedRaw, &nested); err == nil {
			for name, value := range nested {
				attrs[name] = value
			}
		} else {
			var value any
			if err := json.Unmarshal(nestedRaw, &value); err != nil {
				return fmt.Errorf("user attribute %q: %w", "attributes", err)
			}
			attrs["attributes"] = value
		}
	}
	for name, valueRaw := range raw {
		if name == "key" || name == "attributes" {
			continue
		}
		var value any
		if err := json.Unmarshal(valueRaw, &value); err != nil {
			return fmt.Errorf("user attribute %q: %w", name, err)
		}
		attrs[name] = value
	}
	if len(attrs) > 0 {
		out.Attributes = attrs
	}

	*u = out
	return nil
}

// clauseAttributes is the view rule clauses match against: the user's
// attributes plus the key under "key". The real key always wins over an
// attribute of the same name, so targeting on "key" cannot be spoofed.
func (u UserContext) clauseAttributes() map[string]any {
	view := make(map[string]any, len(u.Attributes)+1)
	for name, value := range u.Attributes {
		view[name] = value
	}
	view["key"] = u.Key
	return view
}

// Reason explains which step of the decision chain produced a result.
type Reason string

const (
	ReasonOff             Reason = "off"
	ReasonRolloutExcluded Reason = "rollout_excluded"
	ReasonRuleMatch       Reason = "rule_match"
	ReasonDefault         Reason = "default"
)

// VariationPair carries the on/off variation values for observability.
type VariationPair struct {
	On  Value `json:"on"`
	Off Value `json:"off"`
}

// Result is the outcome of evaluating one flag for one user.
type Result struct {
	Value     Value         `json:"value"`
	Reason    Reason        `json:"reason"`
	Variation VariationPair `json:"variation"`
}
