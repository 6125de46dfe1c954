package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
)

// Kind identifies the JSON type held by a [Value].
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "invalid"
	}
}

// Value is a tagged JSON value: null, bool, number, string, array, or
// object. The original encoding is retained so that client-supplied
// variation payloads round-trip byte-for-byte. The zero Value is null.
type Value struct {
	kind Kind
	raw  json.RawMessage
}

// Null returns the null Value. Identical to the zero Value.
func Null() Value {
	return Value{}
}

// BoolValue returns a Value holding b.
func BoolValue(b bool) Value {
	if b {
		return Value{kind: KindBool, raw: json.RawMessage("true")}
	}
	return Value{kind: KindBool, raw: json.RawMessage("false")}
}

// StringValue returns a Value holding s.
func StringValue(s string) Value {
	raw, _ := json.Marshal(s)
	return Value{kind: KindString, raw: raw}
}

// NumberValue returns a Value holding n.
func NumberValue(n float64) Value {
	return Value{kind: KindNumber, raw: json.RawMessage(strconv.FormatFloat(n, 'g', -1, 64))}
}

// ParseValue decodes a single JSON document into a Value.
func ParseValue(raw []byte) (Value, error) {
	var v Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return Value{}, fmt.Errorf("parse value: %w", err)
	}
	return v, nil
}

// Kind reports the JSON type of the value.
func (v Value) Kind() Kind {
	return v.kind
}

// IsNull reports whether the value is JSON null.
func (v Value) IsNull() bool {
	return v.kind == KindNull
}

// AsBool returns the boolean payload; ok is false for non-bool values.
func (v Value) AsBool() (value, ok bool) {
	if v.kind != KindBool {
		return false, false
	}
	return bytes.Equal(v.raw, []byte("true")), true
}

// AsString returns the string payload; ok is false for non-string values.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v.raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// AsFloat64 returns the numeric payload; ok is false for non-number values.
func (v Value) AsFloat64() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	f, err := strconv.ParseFloat(string(v.raw), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Interface decodes the value into the generic JSON representation
// (nil, bool, json.Number, string, []any, map[string]any).
func (v Value) Interface() (any, error) {
	if v.kind == KindNull {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(v.raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return out, nil
}

// Equal reports structural equality. Numbers compare numerically
// (1 equals 1.0); objects compare key order insensitively.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindNumber:
		a, _ := v.AsFloat64()
		b, _ := other.AsFloat64()
		return a == b
	default:
		a, errA := v.Interface()
		b, errB := other.Interface()
		if errA != nil || errB != nil {
			return bytes.Equal(v.raw, other.raw)
		}
		return reflect.DeepEqual(a, b)
	}
}

// MarshalJSON emits the value's original encoding unchanged.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindNull || len(v.raw) == 0 {
		return []byte("null"), nil
	}
	return v.raw, nil
}

// UnmarshalJSON stores a copy of the raw encoding and tags its kind.
func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("parse value: empty input")
	}

	kind, err := sniffKind(trimmed[0])
	if err != nil {
		return err
	}
	if kind == KindNull {
		*v = Value{}
		return nil
	}
	if !json.Valid(trimmed) {
		return fmt.Errorf("parse value: invalid JSON")
	}

	v.kind = kind
	v.raw = append(v.raw[:0], trimmed...)
	return nil
}

func sniffKind(first byte) (Kind, error) {
	switch first {
	case 'n':
		return KindNull, nil
	case 't', 'f':
		return KindBool, nil
	case '"':
		return KindString, nil
	case '[':
		return KindArray, nil
	case '{':
		return KindObject, nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return KindNumber, nil
	default:
		return KindNull, fmt.Errorf("parse value: unexpected character %q", first)
	}
}

// Variation is the payload container attached to a flag state or targeting
// rule. A missing value field resolves to null, never an error.
type Variation struct {
	Value Value `json:"value"`
}
