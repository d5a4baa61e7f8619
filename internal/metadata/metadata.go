// Package metadata holds the typed key/value bag attached to notifications
// and delivery log rows.
package metadata

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// MaxDepth bounds nesting of maps and lists accepted from callers.
const MaxDepth = 8

var (
	ErrUnsupportedValue = errors.New("unsupported metadata value")
	ErrTooDeep          = errors.New("metadata nested too deeply")
)

// Kind identifies which member of the union a Value holds.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindNumber
	KindBool
	KindMap
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindMap:
		return "map"
	case KindList:
		return "list"
	default:
		return "invalid"
	}
}

// Value is a constrained union: string, number, bool, nested map or list.
// The zero Value is invalid and is rejected when marshalled.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	m    Map
	l    []Value
}

// Map is a metadata object.
type Map map[string]Value

func String(s string) Value   { return Value{kind: KindString, str: s} }
func Number(n float64) Value  { return Value{kind: KindNumber, num: n} }
func Bool(b bool) Value       { return Value{kind: KindBool, b: b} }
func Object(m Map) Value      { return Value{kind: KindMap, m: m} }
func List(vs ...Value) Value  { return Value{kind: KindList, l: vs} }
func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsValid() bool { return v.kind != KindInvalid }

func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }
func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }
func (v Value) AsBool() (bool, bool)      { return v.b, v.kind == KindBool }
func (v Value) AsMap() (Map, bool)        { return v.m, v.kind == KindMap }
func (v Value) AsList() ([]Value, bool)   { return v.l, v.kind == KindList }

// FromAny converts a decoded JSON value into a Value, rejecting nulls and
// anything outside the union.
func FromAny(x any) (Value, error) {
	return fromAny(x, 0)
}

func fromAny(x any, depth int) (Value, error) {
	if depth > MaxDepth {
		return Value{}, ErrTooDeep
	}

	switch t := x.(type) {
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q", ErrUnsupportedValue, t.String())
		}
		return Number(f), nil
	case map[string]any:
		m, err := fromMap(t, depth+1)
		if err != nil {
			return Value{}, err
		}
		return Object(m), nil
	case []any:
		vs := make([]Value, 0, len(t))
		for i, item := range t {
			v, err := fromAny(item, depth+1)
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			vs = append(vs, v)
		}
		return List(vs...), nil
	case Value:
		if !t.IsValid() {
			return Value{}, ErrUnsupportedValue
		}
		return t, nil
	case nil:
		return Value{}, fmt.Errorf("%w: null", ErrUnsupportedValue)
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedValue, x)
	}
}

// FromMap validates an untyped object at the system boundary.
func FromMap(raw map[string]any) (Map, error) {
	if raw == nil {
		return nil, nil
	}
	return fromMap(raw, 0)
}

func fromMap(raw map[string]any, depth int) (Map, error) {
	if depth > MaxDepth {
		return nil, ErrTooDeep
	}
	m := make(Map, len(raw))
	for k, x := range raw {
		v, err := fromAny(x, depth)
		if err != nil {
			return nil, fmt.Errorf("metadata %q: %w", k, err)
		}
		m[k] = v
	}
	return m, nil
}

// Any converts back to plain Go values.
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.Any()
		}
		return out
	case KindList:
		out := make([]any, len(v.l))
		for i, e := range v.l {
			out[i] = e.Any()
		}
		return out
	default:
		return nil
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	if !v.IsValid() {
		return nil, ErrUnsupportedValue
	}
	return json.Marshal(v.Any())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Flatten renders top-level entries as strings, the shape push providers
// accept for data payloads. Non-string values are JSON encoded.
func (m Map) Flatten() map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch v.kind {
		case KindString:
			out[k] = v.str
		case KindNumber:
			out[k] = strconv.FormatFloat(v.num, 'f', -1, 64)
		case KindBool:
			out[k] = strconv.FormatBool(v.b)
		case KindMap, KindList:
			b, err := json.Marshal(v)
			if err != nil {
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}

// Keys returns the map keys in sorted order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
