package substitute

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubstituteDirectInput(t *testing.T) {
	out, err := Substitute("Hello ${name}", map[string]any{"name": "Ada"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello Ada", out)
}

func TestSubstituteBothSyntaxesEquivalent(t *testing.T) {
	inputs := map[string]any{"x": "A"}

	dollar, err := Substitute("${x}", inputs, nil, nil)
	require.NoError(t, err)

	braces, err := Substitute("{{x}}", inputs, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "A", dollar)
	assert.Equal(t, "A", braces)
}

func TestSubstituteUnresolvedLeavesLiteral(t *testing.T) {
	out, err := Substitute("Hello ${x}", map[string]any{}, map[int64]string{}, map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, "Hello ${x}", out)
}

func TestSubstituteMappedPreviousOutput(t *testing.T) {
	previous := map[int64]string{1: "Paris"}
	mapping := map[string]string{"city": "prompt_1.output"}

	out, err := Substitute("In ${city}", map[string]any{}, previous, mapping)
	require.NoError(t, err)
	assert.Equal(t, "In Paris", out)
}

func TestSubstituteEmptyPreviousOutputFallsThrough(t *testing.T) {
	// An empty-string output from a previous prompt is "no value": the
	// placeholder stays literal rather than collapsing to nothing.
	previous := map[int64]string{1: ""}
	mapping := map[string]string{"city": "prompt_1.output"}

	out, err := Substitute("In ${city}", map[string]any{}, previous, mapping)
	require.NoError(t, err)
	assert.Equal(t, "In ${city}", out)
}

func TestSubstituteMappedOutputMissingPromptLeavesLiteral(t *testing.T) {
	mapping := map[string]string{"city": "prompt_7.output"}

	out, err := Substitute("In ${city}", map[string]any{}, map[int64]string{}, mapping)
	require.NoError(t, err)
	assert.Equal(t, "In ${city}", out)
}

func TestSubstituteJSONDotPathIntoOutput(t *testing.T) {
	previous := map[int64]string{3: `{"summary": "short version", "score": 0.9}`}
	mapping := map[string]string{"gist": "prompt_3.output.summary"}

	out, err := Substitute("Gist: ${gist}", map[string]any{}, previous, mapping)
	require.NoError(t, err)
	assert.Equal(t, "Gist: short version", out)
}

func TestSubstituteJSONDotPathRepairsMalformedOutput(t *testing.T) {
	// Trailing comma: typical of model-emitted JSON.
	previous := map[int64]string{3: `{"summary": "fixed", }`}
	mapping := map[string]string{"gist": "prompt_3.output.summary"}

	out, err := Substitute("${gist}", map[string]any{}, previous, mapping)
	require.NoError(t, err)
	assert.Equal(t, "fixed", out)
}

func TestSubstituteDotPathAgainstInputs(t *testing.T) {
	inputs := map[string]any{"location": map[string]any{"city": "Oslo"}}
	mapping := map[string]string{"city": "inputs.location.city"}

	out, err := Substitute("In ${city}", inputs, nil, mapping)
	require.NoError(t, err)
	assert.Equal(t, "In Oslo", out)
}

func TestSubstituteDotPathAgainstPreviousOutputs(t *testing.T) {
	previous := map[int64]string{5: "42"}
	mapping := map[string]string{"answer": "previousOutputs.5"}

	out, err := Substitute("Answer: ${answer}", nil, previous, mapping)
	require.NoError(t, err)
	assert.Equal(t, "Answer: 42", out)
}

func TestSubstituteNumericInputStringForm(t *testing.T) {
	out, err := Substitute("${n} items", map[string]any{"n": float64(3)}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "3 items", out)
}

func TestSubstituteContentLengthGuard(t *testing.T) {
	engine := New(Limits{MaxContentLength: 10, MaxPlaceholders: 5})

	_, err := engine.Substitute(strings.Repeat("a", 11), nil, nil, nil)
	require.Error(t, err)

	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestSubstitutePlaceholderCountGuard(t *testing.T) {
	engine := New(Limits{MaxContentLength: 1000, MaxPlaceholders: 2})

	_, err := engine.Substitute("${a} ${b} ${c}", map[string]any{"a": "1"}, nil, nil)
	require.Error(t, err)

	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestSubstituteGuardFailsBeforeAnyWork(t *testing.T) {
	engine := New(Limits{MaxContentLength: 1000, MaxPlaceholders: 1})

	// Even resolvable placeholders must not be substituted when the
	// guard trips: the raw template is rejected up front.
	out, err := engine.Substitute("${a} ${a}", map[string]any{"a": "resolved"}, nil, nil)
	require.Error(t, err)
	assert.Empty(t, out)
}
