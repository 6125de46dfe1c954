package service

import (
	"encoding/json"
	"testing"

	"github.com/flagstack/flagstack/internal/core"
	"github.com/flagstack/flagstack/internal/repository"
)

func TestStateToCore(t *testing.T) {
	state := repository.FlagState{
		FlagKey:           "new-checkout",
		Enabled:           true,
		OnVariation:       json.RawMessage(`{"value": "treatment"}`),
		OffVariation:      json.RawMessage(`{"value": "off"}`),
		DefaultVariation:  json.RawMessage(`{"value": "control"}`),
		RolloutPercentage: 75,
		Rules: []repository.FlagRule{
			{
				ID:                "r-bbb",
				Priority:          1,
				Clauses:           json.RawMessage(`[{"attr":"country","op":"equals","values":["US"]}]`),
				Variation:         json.RawMessage(`{"value": true}`),
				RolloutPercentage: 100,
			},
			{
				ID:                "r-aaa",
				Priority:          1,
				Clauses:           json.RawMessage(`[]`),
				Variation:         json.RawMessage(`{"value": false}`),
				RolloutPercentage: 50,
			},
		},
	}

	converted := stateToCore(state)
	if converted.FlagKey != "new-checkout" || !converted.Enabled || converted.RolloutPercentage != 75 {
		t.Fatalf("stateToCore() = %+v, want scalar fields preserved", converted)
	}
	if got, _ := converted.OnVariation.Value.AsString(); got != "treatment" {
		t.Fatalf("OnVariation = %v, want treatment", converted.OnVariation.Value)
	}
	if got, _ := converted.DefaultVariation.Value.AsString(); got != "control" {
		t.Fatalf("DefaultVariation = %v, want control", converted.DefaultVariation.Value)
	}

	if len(converted.Rules) != 2 {
		t.Fatalf("rules = %d, want 2", len(converted.Rules))
	}
	// Equal priority, so IDs break the tie.
	if converted.Rules[0].ID != "r-aaa" || converted.Rules[1].ID != "r-bbb" {
		t.Fatalf("rule order = [%s %s], want [r-aaa r-bbb]", converted.Rules[0].ID, converted.Rules[1].ID)
	}
	if len(converted.Rules[1].Clauses) != 1 || converted.Rules[1].Clauses[0].Attribute != "country" {
		t.Fatalf("clauses = %+v, want decoded country clause", converted.Rules[1].Clauses)
	}
}

func TestStateToCoreDropsUndecodableRules(t *testing.T) {
	state := repository.FlagState{
		FlagKey: "new-checkout",
		Enabled: true,
		Rules: []repository.FlagRule{
			{ID: "good", Clauses: json.RawMessage(`[]`), RolloutPercentage: 100},
			{ID: "corrupt", Clauses: json.RawMessage(`{"attr":`), RolloutPercentage: 100},
		},
	}

	converted := stateToCore(state)
	if len(converted.Rules) != 1 || converted.Rules[0].ID != "good" {
		t.Fatalf("rules = %+v, want only the decodable rule", converted.Rules)
	}
}

func TestParseVariationContainer(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    core.Kind
	}{
		{"missing", "", core.KindNull},
		{"malformed", `{"value":`, core.KindNull},
		{"bool", `{"value": true}`, core.KindBool},
		{"string", `{"value": "on"}`, core.KindString},
		{"object", `{"value": {"theme": "dark"}}`, core.KindObject},
		{"explicit null", `{"value": null}`, core.KindNull},
		{"no value field", `{}`, core.KindNull},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			variation := parseVariationContainer(json.RawMessage(tt.payload))
			if variation.Value.Kind() != tt.want {
				t.Fatalf("Kind = %v, want %v", variation.Value.Kind(), tt.want)
			}
		})
	}
}

func TestValidateRolloutPercentage(t *testing.T) {
	for _, pct := range []int{0, 50, 100} {
		if err := validateRolloutPercentage(pct); err != nil {
			t.Fatalf("validateRolloutPercentage(%d) error = %v, want nil", pct, err)
		}
	}
	for _, pct := range []int{-1, 101, 1000} {
		if err := validateRolloutPercentage(pct); err == nil {
			t.Fatalf("validateRolloutPercentage(%d) error = nil, want out-of-range error", pct)
		}
	}
}
