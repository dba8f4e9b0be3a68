package records

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRecord(t *testing.T) {
	got, ok := IsRecord(map[string]any{"a": 1})
	require.True(t, ok)
	assert.Equal(t, Record{"a": 1}, got)

	got, ok = IsRecord(Record{"b": 2})
	require.True(t, ok)
	assert.Equal(t, Record{"b": 2}, got)

	_, ok = IsRecord("not an object")
	assert.False(t, ok)
	_, ok = IsRecord(nil)
	assert.False(t, ok)
	_, ok = IsRecord([]any{1, 2})
	assert.False(t, ok)
}

func TestGetNested(t *testing.T) {
	var payload Record
	require.NoError(t, json.Unmarshal([]byte(`{"data":{"id":123,"empty":null},"flat":"x"}`), &payload))

	value, ok := payload.GetNested("data", "id")
	require.True(t, ok)
	assert.Equal(t, float64(123), value)

	value, ok = payload.GetNested("flat")
	require.True(t, ok)
	assert.Equal(t, "x", value)

	_, ok = payload.GetNested("data", "missing")
	assert.False(t, ok)

	_, ok = payload.GetNested("data", "empty")
	assert.False(t, ok)

	_, ok = payload.GetNested("flat", "deeper")
	assert.False(t, ok)
}

func TestAsString(t *testing.T) {
	cases := []struct {
		name  string
		input any
		want  string
		ok    bool
	}{
		{name: "plain string", input: "abc", want: "abc", ok: true},
		{name: "trims whitespace", input: "  abc  ", want: "abc", ok: true},
		{name: "blank string", input: "   ", ok: false},
		{name: "whole float", input: float64(123), want: "123", ok: true},
		{name: "fractional float", input: 1.5, want: "1.5", ok: true},
		{name: "int", input: 42, want: "42", ok: true},
		{name: "int64", input: int64(9), want: "9", ok: true},
		{name: "bool rejected", input: true, ok: false},
		{name: "nil rejected", input: nil, ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := AsString(tc.input)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestAsNumber(t *testing.T) {
	got, ok := AsNumber(49.9)
	require.True(t, ok)
	assert.Equal(t, 49.9, got)

	got, ok = AsNumber(7)
	require.True(t, ok)
	assert.Equal(t, float64(7), got)

	got, ok = AsNumber(" 12.5 ")
	require.True(t, ok)
	assert.Equal(t, 12.5, got)

	_, ok = AsNumber("abc")
	assert.False(t, ok)
	_, ok = AsNumber(nil)
	assert.False(t, ok)
	_, ok = AsNumber(true)
	assert.False(t, ok)
}

func TestAsBool(t *testing.T) {
	got, ok := AsBool(true)
	require.True(t, ok)
	assert.True(t, got)

	_, ok = AsBool("true")
	assert.False(t, ok)
	_, ok = AsBool(1)
	assert.False(t, ok)
}
