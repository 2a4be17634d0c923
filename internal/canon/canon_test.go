package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_Basic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", "hello", `"hello"`},
		{"empty string", "", `""`},
		{"int", 42, "42"},
		{"negative int64", int64(-100), "-100"},
		{"uint64", uint64(7), "7"},
		{"bool", true, "true"},
		{"empty array", []any{}, "[]"},
		{"strings", []string{"a", "b"}, `["a","b"]`},
		{"empty object", map[string]any{}, "{}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Marshal(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(got))
		})
	}
}

func TestMarshal_SortedNestedKeys(t *testing.T) {
	obj := map[string]any{
		"z": map[string]any{"b": 1, "a": 2},
		"a": []map[string]any{{"y": false, "x": "v"}},
	}

	got, err := Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":[{"x":"v","y":false}],"z":{"a":2,"b":1}}`, string(got))
}

func TestMarshal_UTF16KeyOrder(t *testing.T) {
	obj := map[string]any{
		"\uE000": 1,
		"\U00010000": 2,
	}

	got, err := Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U00010000\":2,\"\uE000\":1}", string(got))
}

func TestMarshal_NoHTMLEscapeAndNFC(t *testing.T) {
	got, err := Marshal("<a&b> e\u0301")
	require.NoError(t, err)
	assert.Equal(t, "\"<a&b> \u00e9\"", string(got))
}

func TestMarshal_LineSeparators(t *testing.T) {
	got, err := Marshal("a\u2028b\u2029c")
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\u2029c\"", string(got))

	got, err = Marshal("\\u2028")
	require.NoError(t, err)
	assert.Equal(t, `"\\u2028"`, string(got), "escaped backslash stays escaped")
}

func TestMarshal_Rejects(t *testing.T) {
	_, err := Marshal(nil)
	assert.ErrorContains(t, err, "null")

	_, err = Marshal(map[string]any{"f": 1.5})
	assert.ErrorContains(t, err, "floats")

	_, err = Marshal(struct{}{})
	assert.ErrorContains(t, err, "unsupported")
}

func TestMarshalLines(t *testing.T) {
	got, err := MarshalLines([]map[string]any{
		{"task": "a", "t": int64(0)},
		{"task": "b", "t": int64(10)},
	})
	require.NoError(t, err)
	assert.Equal(t, "{\"t\":0,\"task\":\"a\"}\n{\"t\":10,\"task\":\"b\"}\n", string(got))

	_, err = MarshalLines([]any{1.0})
	assert.ErrorContains(t, err, "line 1")
}
