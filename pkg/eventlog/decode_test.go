package eventlog

import (
	"errors"
	"strings"
	"testing"
)

func TestDecodeJSON_Numbers(t *testing.T) {
	doc, err := DecodeJSON([]byte(`{"max":9007199254740992,"min":-9007199254740992,"f":1.5,"e":1e3,"neg":-0,"list":[1,2]}`))
	if err != nil {
		t.Fatalf("Expected exact numbers to decode, got %v", err)
	}
	fields := doc.(map[string]interface{})

	want := map[string]float64{"max": 9007199254740992, "min": -9007199254740992, "f": 1.5, "e": 1000, "neg": 0}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("Expected %s=%v, got %v (%T)", k, v, fields[k], fields[k])
		}
	}
	list := fields["list"].([]interface{})
	if list[0] != 1.0 || list[1] != 2.0 {
		t.Errorf("Expected list numbers as float64, got %v", list)
	}

	// 2^63 is a power of two and survives float64
	if _, err := DecodeJSON([]byte(`9223372036854775808`)); err != nil {
		t.Errorf("Expected 2^63 to decode, got %v", err)
	}
}

func TestDecodeJSON_RejectsInexactIntegers(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantPath string
	}{
		{"top level field", `{"ticks":9007199254740993}`, "/ticks"},
		{"negative", `{"ticks":-9007199254740993}`, "/ticks"},
		{"nested", `{"odo":{"ticks":12345678901234567891}}`, "/odo/ticks"},
		{"in array", `{"ticks":[1,9007199254740995]}`, "/ticks/1"},
		{"overflow", `{"huge":1e400}`, "/huge"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeJSON([]byte(tt.raw))
			if !errors.Is(err, ErrInexactNumber) {
				t.Fatalf("Expected ErrInexactNumber, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantPath) {
				t.Errorf("Expected error to name %s, got %v", tt.wantPath, err)
			}
		})
	}
}

func TestDecodeJSON_Malformed(t *testing.T) {
	for _, raw := range []string{``, `{`, `{"a":1} {"b":2}`, `{"a":1}x`} {
		_, err := DecodeJSON([]byte(raw))
		if err == nil {
			t.Errorf("Expected error for %q", raw)
		}
		if errors.Is(err, ErrInexactNumber) {
			t.Errorf("Expected a syntax error for %q, got %v", raw, err)
		}
	}
}

func TestDecodeObject(t *testing.T) {
	fields, err := DecodeObject([]byte(`{"x":1}`))
	if err != nil || fields["x"] != 1.0 {
		t.Errorf("Expected object with x=1, got %v (%v)", fields, err)
	}

	for _, raw := range []string{`[1]`, `null`, `"s"`} {
		if _, err := DecodeObject([]byte(raw)); err == nil {
			t.Errorf("Expected error for non-object %s", raw)
		}
	}
}
