package extract

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaves_DepthFirstKeyThenIndexOrder(t *testing.T) {
	n, err := Parse([]byte(`{"a": {"b": ["x","y"]}, "c": "z"}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"x", "y", "z"}, Leaves(n))
	assert.Equal(t, "xyz", Text(n))
}

func TestLeaves_KeepsDocumentKeyOrder(t *testing.T) {
	// reverse-alphabetical on purpose; a map-based decode would reorder these
	n, err := Parse([]byte(`{"z": "1", "m": "2", "a": "3"}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "2", "3"}, Leaves(n))
}

func TestLeaves_SkipsNonStringScalars(t *testing.T) {
	n, err := Parse([]byte(`{"n": 12, "b": true, "nil": null, "s": ["a", 3.5, {"t": "b"}]}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, Leaves(n))
}

func TestParse_BareString(t *testing.T) {
	n, err := Parse([]byte(`"hello"`))
	require.NoError(t, err)
	assert.Equal(t, String, n.Kind)
	assert.Equal(t, "hello", Text(n))
}

func TestParse_RejectsMalformedAndTrailing(t *testing.T) {
	for _, in := range []string{`{"a":`, `not json`, `{"a":1} {"b":2}`, `{1: 2}`} {
		_, err := Parse([]byte(in))
		assert.Error(t, err, "input %q", in)
	}
}

func TestParse_DepthLimit(t *testing.T) {
	deep := strings.Repeat("[", maxDepth+10) + strings.Repeat("]", maxDepth+10)
	_, err := Parse([]byte(deep))
	require.Error(t, err)
}

func TestPathAccessors(t *testing.T) {
	n, err := Parse([]byte(`{"choices":[{"delta":{"content":"hi"}}],"usage":{"total_tokens":7},"done":true}`))
	require.NoError(t, err)

	s, ok := n.StringAt("choices", 0, "delta", "content")
	require.True(t, ok)
	assert.Equal(t, "hi", s)

	_, ok = n.StringAt("choices", 1, "delta", "content")
	assert.False(t, ok)

	total, ok := n.IntAt("usage", "total_tokens")
	require.True(t, ok)
	assert.Equal(t, 7, total)

	assert.True(t, n.BoolAt("done"))
	assert.True(t, n.Has("usage"))
	assert.False(t, n.Has("missing"))
}

func TestDecode_StreamedArrayElements(t *testing.T) {
	dec := json.NewDecoder(strings.NewReader(`[{"t":"a"},{"t":"b"}]`))
	_, err := dec.Token()
	require.NoError(t, err)

	var got []string
	for dec.More() {
		n, err := Decode(dec)
		require.NoError(t, err)
		got = append(got, Text(n))
	}
	assert.Equal(t, []string{"a", "b"}, got)
}
