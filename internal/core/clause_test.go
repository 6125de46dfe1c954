package core

import "testing"

func TestClauseMatches(t *testing.T) {
	attrs := map[string]any{
		"plan":    "pro",
		"email":   "Ada@Example.COM",
		"seats":   float64(25),
		"beta":    true,
		"company": nil,
	}

	tests := []struct {
		name   string
		clause Clause
		want   bool
	}{
		{
			name:   "equals matches member",
			clause: Clause{Attribute: "plan", Operator: OperatorEquals, Values: []any{"free", "pro"}},
			want:   true,
		},
		{
			name:   "equals non-member",
			clause: Clause{Attribute: "plan", Operator: OperatorEquals, Values: []any{"enterprise"}},
			want:   false,
		},
		{
			name:   "equals is case sensitive",
			clause: Clause{Attribute: "plan", Operator: OperatorEquals, Values: []any{"PRO"}},
			want:   false,
		},
		{
			name:   "equals is type sensitive",
			clause: Clause{Attribute: "seats", Operator: OperatorEquals, Values: []any{"25"}},
			want:   false,
		},
		{
			name:   "equals tolerates numeric representation",
			clause: Clause{Attribute: "seats", Operator: OperatorEquals, Values: []any{25}},
			want:   true,
		},
		{
			name:   "equals matches bool",
			clause: Clause{Attribute: "beta", Operator: OperatorEquals, Values: []any{true}},
			want:   true,
		},
		{
			name:   "in is identical to equals",
			clause: Clause{Attribute: "plan", Operator: OperatorIn, Values: []any{"free", "pro"}},
			want:   true,
		},
		{
			name:   "in non-member",
			clause: Clause{Attribute: "plan", Operator: OperatorIn, Values: []any{"free"}},
			want:   false,
		},
		{
			name:   "contains case folds both sides",
			clause: Clause{Attribute: "email", Operator: OperatorContains, Values: []any{"@example.com"}},
			want:   true,
		},
		{
			name:   "contains no substring",
			clause: Clause{Attribute: "email", Operator: OperatorContains, Values: []any{"@other.com"}},
			want:   false,
		},
		{
			name:   "contains on non-text attribute",
			clause: Clause{Attribute: "seats", Operator: OperatorContains, Values: []any{"2"}},
			want:   false,
		},
		{
			name:   "contains stringifies candidates",
			clause: Clause{Attribute: "email", Operator: OperatorContains, Values: []any{123, "ada"}},
			want:   true,
		},
		{
			name:   "absent attribute never equals",
			clause: Clause{Attribute: "region", Operator: OperatorEquals, Values: []any{"eu"}},
			want:   false,
		},
		{
			name:   "absent attribute matches explicit null",
			clause: Clause{Attribute: "region", Operator: OperatorEquals, Values: []any{nil}},
			want:   true,
		},
		{
			name:   "empty attribute fails closed",
			clause: Clause{Attribute: "", Operator: OperatorEquals, Values: []any{"pro"}},
			want:   false,
		},
		{
			name:   "empty operator fails closed",
			clause: Clause{Attribute: "plan", Operator: "", Values: []any{"pro"}},
			want:   false,
		},
		{
			name:   "unknown operator fails closed",
			clause: Clause{Attribute: "plan", Operator: "regex", Values: []any{".*"}},
			want:   false,
		},
		{
			name:   "empty value list never matches",
			clause: Clause{Attribute: "plan", Operator: OperatorEquals, Values: nil},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClauseMatches(attrs, tt.clause); got != tt.want {
				t.Fatalf("ClauseMatches(%+v) = %v, want %v", tt.clause, got, tt.want)
			}
		})
	}
}

func TestClauseMatchesNilAttributes(t *testing.T) {
	clause := Clause{Attribute: "plan", Operator: OperatorEquals, Values: []any{"pro"}}
	if ClauseMatches(nil, clause) {
		t.Fatal("clause matched against nil attributes")
	}
}

func TestRuleApplies(t *testing.T) {
	attrs := map[string]any{"plan": "pro", "region": "eu"}

	tests := []struct {
		name    string
		clauses []Clause
		want    bool
	}{
		{
			name:    "empty clause list applies vacuously",
			clauses: nil,
			want:    true,
		},
		{
			name: "all clauses match",
			clauses: []Clause{
				{Attribute: "plan", Operator: OperatorEquals, Values: []any{"pro"}},
				{Attribute: "region", Operator: OperatorIn, Values: []any{"eu", "us"}},
			},
			want: true,
		},
		{
			name: "one failing clause fails the rule",
			clauses: []Clause{
				{Attribute: "plan", Operator: OperatorEquals, Values: []any{"pro"}},
				{Attribute: "region", Operator: OperatorEquals, Values: []any{"us"}},
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RuleApplies(attrs, tt.clauses); got != tt.want {
				t.Fatalf("RuleApplies = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLiteralEqualsNumericBoundaries(t *testing.T) {
	tests := []struct {
		name  string
		left  any
		right any
		want  bool
	}{
		{"int equals float", 1, 1.0, true},
		{"int64 equals int", int64(42), 42, true},
		{"uint equals float", uint(7), 7.0, true},
		{"number never equals string", 1, "1", false},
		{"number never equals bool", 1, true, false},
		{"different numbers", 1.5, 1, false},
		{"strings compare exactly", "a", "a", true},
		{"nil equals nil", nil, nil, true},
		{"slice deep equality", []any{"a", 1.0}, []any{"a", 1.0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := literalEquals(tt.left, tt.right); got != tt.want {
				t.Fatalf("literalEquals(%v, %v) = %v, want %v", tt.left, tt.right, got, tt.want)
			}
		})
	}
}
