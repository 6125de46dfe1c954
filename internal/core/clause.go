package core

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// ClauseMatches evaluates one clause against a user's attributes.
//
// Clauses fail closed: a missing attribute name, a missing operator, or
// an operator outside the known set never matches. An attribute absent
// from the user context is treated as an undefined value, not an error.
func ClauseMatches(attrs map[string]any, clause Clause) bool {
	if clause.Attribute == "" || clause.Operator == "" {
		return false
	}

	value := attrs[clause.Attribute]

	switch clause.Operator {
	case OperatorEquals, OperatorIn:
		return literalIn(value, clause.Values)
	case OperatorContains:
		text, ok := value.(string)
		if !ok {
			return false
		}
		return containsAny(text, clause.Values)
	default:
		return false
	}
}

// RuleApplies reports whether every clause matches. An empty clause list
// applies vacuously.
func RuleApplies(attrs map[string]any, clauses []Clause) bool {
	for _, clause := range clauses {
		if !ClauseMatches(attrs, clause) {
			return false
		}
	}
	return true
}

func literalIn(value any, candidates []any) bool {
	for _, candidate := range candidates {
		if literalEquals(value, candidate) {
			return true
		}
	}
	return false
}

// literalEquals compares two JSON-decoded literals. Numbers compare
// numerically regardless of Go representation (int 1 equals float64 1),
// but never equal strings or booleans. Everything else falls back to
// deep equality.
func literalEquals(left, right any) bool {
	leftNum, leftIsNum := asFloat64(left)
	rightNum, rightIsNum := asFloat64(right)
	if leftIsNum || rightIsNum {
		return leftIsNum && rightIsNum && leftNum == rightNum
	}
	return reflect.DeepEqual(left, right)
}

func containsAny(text string, candidates []any) bool {
	folded := strings.ToLower(text)
	for _, candidate := range candidates {
		if strings.Contains(folded, strings.ToLower(stringify(candidate))) {
			return true
		}
	}
	return false
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func asFloat64(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
