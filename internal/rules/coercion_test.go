package rules

import (
	"reflect"
	"testing"
)

func TestCoerceScalar(t *testing.T) {
	tests := []struct {
		input    string
		expected any
	}{
		{"42", int64(42)},
		{"-7", int64(-7)},
		{"007", int64(7)},
		{"3.25", 3.25},
		{"-0.5", -0.5},
		{"true", true},
		{"FALSE", false},
		{"True", true},
		{"1e3", "1e3"},
		{" 42", " 42"},
		{"4.", "4."},
		{"abc", "abc"},
		{"", ""},
		{"99999999999999999999", 1e20},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := CoerceScalar(tt.input)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("CoerceScalar(%q) = %#v, want %#v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestToNumeric(t *testing.T) {
	tests := []struct {
		name   string
		input  any
		want   float64
		wantOK bool
	}{
		{"float64", 3.5, 3.5, true},
		{"int", 7, 7, true},
		{"int64", int64(-2), -2, true},
		{"uint8", uint8(9), 9, true},
		{"numeric string", "42", 42, true},
		{"padded numeric string", "  1.5 ", 1.5, true},
		{"whitespace string", "   ", 0, false},
		{"text", "abc", 0, false},
		{"bool rejected", true, 0, false},
		{"nil", nil, 0, false},
		{"list", []any{1}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := toNumeric(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("toNumeric(%#v) ok = %v, want %v", tt.input, ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("toNumeric(%#v) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestStringify(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  string
	}{
		{"nil", nil, ""},
		{"string", "s", "s"},
		{"bool", false, "false"},
		{"int", 12, "12"},
		{"float", 1.5, "1.5"},
		{"whole float", float64(3), "3"},
		{"list", []any{"a", float64(1)}, `["a",1]`},
		{"map", map[string]any{"k": "v"}, `{"k":"v"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Stringify(tt.input); got != tt.want {
				t.Errorf("Stringify(%#v) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestTruthyAndEmpty(t *testing.T) {
	truthyCases := []struct {
		input any
		want  bool
	}{
		{true, true},
		{false, false},
		{"true", true},
		{"False", false},
		{"yes", true},
		{"", false},
		{0, false},
		{2.5, true},
		{nil, false},
		{[]any{}, false},
		{[]any{1}, true},
	}
	for _, tt := range truthyCases {
		if got := truthy(tt.input); got != tt.want {
			t.Errorf("truthy(%#v) = %v, want %v", tt.input, got, tt.want)
		}
	}

	emptyCases := []struct {
		input any
		want  bool
	}{
		{nil, true},
		{"", true},
		{[]any{}, true},
		{map[string]any{}, true},
		{[]string{}, true},
		{"x", false},
		{0, false},
		{false, false},
	}
	for _, tt := range emptyCases {
		if got := isEmpty(tt.input); got != tt.want {
			t.Errorf("isEmpty(%#v) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
