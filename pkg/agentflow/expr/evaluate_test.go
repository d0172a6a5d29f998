package expr

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEval(t *testing.T) {
	vars := map[string]any{
		"success": true,
		"output": map[string]any{
			"score":   0.85,
			"verdict": "approve",
			"tags":    []any{"urgent", "billing"},
			"count":   3,
			"nested":  map[string]any{"ok": true},
		},
		"memory": map[string]any{
			"status":  "draft",
			"retries": json.Number("2"),
			"empty":   "",
		},
		"flat.key": "flat",
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"bare truthy var", "success", true},
		{"negated", "not success", false},
		{"bang negated", "!success", false},
		{"numeric compare", "output.score >= 0.8", true},
		{"numeric compare false", "output.score > 0.9", false},
		{"int to float equality", "output.count == 3.0", true},
		{"numeric string equality", "output.count == '3'", true},
		{"string equality", "output.verdict == 'approve'", true},
		{"double quoted", `output.verdict == "approve"`, true},
		{"not equal", "memory.status != 'final'", true},
		{"and", "success and output.score > 0.5", true},
		{"symbolic and", "success && memory.status == 'final'", false},
		{"or", "memory.status == 'final' or output.verdict == 'approve'", true},
		{"symbolic or", "false || true", true},
		{"precedence and over or", "true or false and false", true},
		{"parentheses", "(true or false) and false", false},
		{"list contains", "output.tags contains 'billing'", true},
		{"string contains", "output.verdict contains 'pp'", true},
		{"in list literal", "memory.status in ['draft', 'review']", true},
		{"not in list", "not memory.status in ['final']", true},
		{"deep path", "output.nested.ok", true},
		{"missing path is null", "output.missing == null", true},
		{"missing path falsy", "output.missing", false},
		{"empty string falsy", "memory.empty", false},
		{"json number", "memory.retries < 3", true},
		{"flat dotted key", "flat.key == 'flat'", true},
		{"lexical string order", "'apple' < 'banana'", true},
		{"mixed order false", "output.verdict > 1", false},
		{"keywords case-insensitive", "TRUE AND NOT False", true},
		{"negative number", "-1 < 0", true},
		{"escaped quote", `'it\'s' == "it's"`, true},
		{"null equals null", "null == nil", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Eval(tt.expr, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompile_SyntaxErrors(t *testing.T) {
	tests := []string{
		"",
		"   ",
		"a ==",
		"(a == 1",
		"a = 1",
		"'unterminated",
		"a == 1 b",
		"[1, 2",
		"a & b",
		"and",
		"a == #",
		"a..b",
	}

	for _, src := range tests {
		t.Run(src, func(t *testing.T) {
			_, err := Compile(src)
			var se *SyntaxError
			assert.ErrorAs(t, err, &se)
		})
	}
}

func TestCompile_Reuse(t *testing.T) {
	e := MustCompile("output.route in ['fix', 'retry']")
	assert.Equal(t, "output.route in ['fix', 'retry']", e.String())

	assert.True(t, e.Eval(map[string]any{"output": map[string]any{"route": "fix"}}))
	assert.False(t, e.Eval(map[string]any{"output": map[string]any{"route": "ship"}}))
	assert.False(t, e.Eval(nil))

	assert.Panics(t, func() { MustCompile("(") })
}

func TestCompare(t *testing.T) {
	ok, err := Compare("abc", "b", "contains")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = Compare(1, 2, "~=")
	assert.Error(t, err)
}

func TestIsTruthy(t *testing.T) {
	tests := []struct {
		v    any
		want bool
	}{
		{nil, false},
		{false, false},
		{true, true},
		{"", false},
		{"x", true},
		{0, false},
		{int32(2), true},
		{uint8(0), false},
		{0.0, false},
		{json.Number("0"), false},
		{[]any{}, false},
		{[]any{1}, true},
		{map[string]any{}, false},
		{struct{}{}, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTruthy(tt.v), "%#v", tt.v)
	}
}
