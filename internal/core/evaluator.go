package core

import "sort"

// SortRules orders rules by ascending (Priority, ID). ID is a stable
// tie-breaker so evaluation order is deterministic even when priorities
// collide. Call once at load time, not per request.
func SortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

// Evaluate resolves one flag state for one user. The decision chain, first
// match wins:
//
//  1. disabled flag: off variation, reason "off"
//  2. global rollout: users whose stable bucket is at or above the flag's
//     rollout percentage get the off variation, reason "rollout_excluded"
//  3. rules in (priority, id) order: the first rule whose clauses all
//     match and whose own rollout does not exclude the user wins, reason
//     "rule_match"; a rollout-excluded rule is skipped, not recorded
//  4. otherwise the default variation, reason "default"
//
// A user's inclusion at a given rollout percentage is stable across
// requests and monotonic as the percentage grows. Rule clauses see the
// user's attributes plus the key under the attribute name "key". Every
// result carries the on/off variation pair.
func Evaluate(state FlagState, user UserContext) Result {
	return evaluate(state, user, user.clauseAttributes())
}

// evaluate runs the decision chain against a prebuilt attribute view, so
// batch callers merge the user key into the view once. Rollout hashing
// uses user.Key directly, never the view.
func evaluate(state FlagState, user UserContext, attrs map[string]any) Result {
	pair := VariationPair{On: state.OnVariation.Value, Off: state.OffVariation.Value}

	if !state.Enabled {
		return Result{Value: state.OffVariation.Value, Reason: ReasonOff, Variation: pair}
	}

	if state.RolloutPercentage < 100 {
		if Percent(user.Key, state.FlagKey) >= state.RolloutPercentage {
			return Result{Value: state.OffVariation.Value, Reason: ReasonRolloutExcluded, Variation: pair}
		}
	}

	for _, rule := range state.Rules {
		if !RuleApplies(attrs, rule.Clauses) {
			continue
		}
		if rule.RolloutPercentage < 100 {
			// Rule rollouts hash in their own namespace so inclusion in
			// one rule is independent of the flag rollout and of every
			// other rule.
			if Percent(user.Key, state.FlagKey+":rule:"+rule.ID) >= rule.RolloutPercentage {
				continue
			}
		}
		return Result{Value: rule.Variation.Value, Reason: ReasonRuleMatch, Variation: pair}
	}

	return Result{Value: state.DefaultVariation.Value, Reason: ReasonDefault, Variation: pair}
}

// EvaluateAll evaluates every state for the same user. Flags are
// independent; results are keyed by flag key.
func EvaluateAll(states []FlagState, user UserContext) map[string]Result {
	attrs := user.clauseAttributes()
	results := make(map[string]Result, len(states))
	for _, state := range states {
		results[state.FlagKey] = evaluate(state, user, attrs)
	}
	return results
}
