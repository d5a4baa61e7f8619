package metadata

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestFromMap_AcceptsUnion(t *testing.T) {
	raw := map[string]any{
		"name":   "Ana",
		"points": 120.0,
		"first":  true,
		"badge":  map[string]any{"tier": "gold"},
		"tags":   []any{"quiz", 3.0},
	}

	m, err := FromMap(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if s, ok := m["name"].AsString(); !ok || s != "Ana" {
		t.Errorf("name = %q, %v", s, ok)
	}
	if n, ok := m["points"].AsNumber(); !ok || n != 120 {
		t.Errorf("points = %v, %v", n, ok)
	}
	if b, ok := m["first"].AsBool(); !ok || !b {
		t.Errorf("first = %v, %v", b, ok)
	}
	if inner, ok := m["badge"].AsMap(); !ok || inner["tier"].Kind() != KindString {
		t.Errorf("badge = %+v, %v", inner, ok)
	}
	if l, ok := m["tags"].AsList(); !ok || len(l) != 2 {
		t.Errorf("tags = %+v, %v", l, ok)
	}
}

func TestFromMap_Rejects(t *testing.T) {
	deep := map[string]any{}
	cur := deep
	for i := 0; i < MaxDepth+2; i++ {
		next := map[string]any{}
		cur["n"] = next
		cur = next
	}

	tests := []struct {
		name string
		raw  map[string]any
		want error
	}{
		{"null value", map[string]any{"x": nil}, ErrUnsupportedValue},
		{"unsupported type", map[string]any{"x": struct{}{}}, ErrUnsupportedValue},
		{"null inside list", map[string]any{"x": []any{"a", nil}}, ErrUnsupportedValue},
		{"too deep", deep, ErrTooDeep},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromMap(tt.raw)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestMap_JSON(t *testing.T) {
	var m Map
	if err := json.Unmarshal([]byte(`{"level":3,"tags":["a"],"meta":{"ok":true}}`), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n, _ := m["level"].AsNumber(); n != 3 {
		t.Errorf("level = %v", n)
	}

	out, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"level":3,"meta":{"ok":true},"tags":["a"]}` {
		t.Errorf("unexpected json: %s", out)
	}

	if err := json.Unmarshal([]byte(`{"bad":null}`), &m); err == nil {
		t.Fatal("expected null to be rejected")
	}
}

func TestMap_Flatten(t *testing.T) {
	m := Map{
		"s": String("x"),
		"n": Number(2.5),
		"b": Bool(false),
		"l": List(String("a"), Number(1)),
	}

	got := m.Flatten()
	want := map[string]string{"s": "x", "n": "2.5", "b": "false", "l": `["a",1]`}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}

func TestValue_ZeroIsInvalid(t *testing.T) {
	var v Value
	if v.IsValid() {
		t.Fatal("zero value should be invalid")
	}
	if _, err := json.Marshal(v); err == nil {
		t.Fatal("expected marshal error for zero value")
	}
}
