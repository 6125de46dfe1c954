package service

import (
	"encoding/json"
	"fmt"

	"github.com/flagstack/flagstack/internal/core"
	"github.com/flagstack/flagstack/internal/repository"
)

// stateToCore converts a stored flag state into its evaluable form.
// Rules whose stored JSON no longer decodes are dropped rather than
// failing the whole environment; a single corrupt rule must not take
// down evaluation for every flag.
func stateToCore(state repository.FlagState) core.FlagState {
	converted := core.FlagState{
		FlagKey:           state.FlagKey,
		Enabled:           state.Enabled,
		OnVariation:       parseVariationContainer(state.OnVariation),
		OffVariation:      parseVariationContainer(state.OffVariation),
		DefaultVariation:  parseVariationContainer(state.DefaultVariation),
		RolloutPercentage: state.RolloutPercentage,
	}

	for _, rule := range state.Rules {
		coreRule, err := ruleToCore(rule)
		if err != nil {
			continue
		}
		converted.Rules = append(converted.Rules, coreRule)
	}

	core.SortRules(converted.Rules)

	return converted
}

func statesToCore(states []repository.FlagState) []core.FlagState {
	converted := make([]core.FlagState, 0, len(states))
	for _, state := range states {
		converted = append(converted, stateToCore(state))
	}

	return converted
}

func ruleToCore(rule repository.FlagRule) (core.Rule, error) {
	clauses, err := parseClausesJSON(rule.Clauses)
	if err != nil {
		return core.Rule{}, err
	}

	return core.Rule{
		ID:                rule.ID,
		Priority:          rule.Priority,
		Clauses:           clauses,
		Variation:         parseVariationContainer(rule.Variation),
		RolloutPercentage: rule.RolloutPercentage,
	}, nil
}

// parseVariationContainer decodes a stored {"value": ...} container. A
// missing or malformed container yields the null variation.
func parseVariationContainer(payload json.RawMessage) core.Variation {
	if len(payload) == 0 {
		return core.Variation{}
	}

	var variation core.Variation
	if err := json.Unmarshal(payload, &variation); err != nil {
		return core.Variation{}
	}

	return variation
}

func parseClausesJSON(payload json.RawMessage) ([]core.Clause, error) {
	clauses := make([]core.Clause, 0)
	if len(payload) == 0 {
		return clauses, nil
	}

	if err := json.Unmarshal(payload, &clauses); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClauses, err)
	}

	return clauses, nil
}

// validateVariationContainer rejects stored variation payloads that are
// not a JSON object carrying a valid JSON value under "value".
func validateVariationContainer(payload json.RawMessage) error {
	if len(payload) == 0 {
		return nil
	}

	var container map[string]json.RawMessage
	if err := json.Unmarshal(payload, &container); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidVariation, err)
	}

	if raw, ok := container["value"]; ok {
		if _, err := core.ParseValue(raw); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidVariation, err)
		}
	}

	return nil
}

func validateRolloutPercentage(pct int) error {
	if pct < 0 || pct > 100 {
		return fmt.Errorf("%w: rollout_percentage %d out of range [0,100]", ErrValidation, pct)
	}

	return nil
}
