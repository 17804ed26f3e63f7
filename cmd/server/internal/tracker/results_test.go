package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testexechq/control-plane/internal/types"
)

func TestParseTestResults(t *testing.T) {
	report := []byte(`<tests>` +
		`<test name='t1' result='Passed' duration='0.5'/>` +
		`<test name='t2' result='Failed' duration='1.2'>` +
		`<failure><message>boom</message><stack-trace>at t2()</stack-trace></failure>` +
		`</test>` +
		`</tests>`)

	parsed, err := ParseTestResults(report)
	require.NoError(t, err)

	assert.Equal(t, 1, parsed.Passed)
	assert.Equal(t, 1, parsed.Failed)
	assert.Equal(t, 0, parsed.Skipped)
	require.Len(t, parsed.Results, 2)

	first := parsed.Results[0]
	assert.Equal(t, "t1", first.TestName)
	assert.Equal(t, types.TestResultPassed, first.Status)
	assert.InDelta(t, 0.5, first.DurationSeconds, 1e-9)

	second := parsed.Results[1]
	assert.Equal(t, "t2", second.TestName)
	assert.Equal(t, types.TestResultFailed, second.Status)
	assert.InDelta(t, 1.2, second.DurationSeconds, 1e-9)
	assert.Equal(t, "boom", second.ErrorMessage)
	assert.Equal(t, "at t2()", second.StackTrace)
}

func TestParseTestResultsMalformed(t *testing.T) {
	parsed, err := ParseTestResults([]byte("<not xml"))
	require.Error(t, err)

	assert.Equal(t, 0, parsed.Passed)
	assert.Equal(t, 0, parsed.Failed)
	assert.Equal(t, 0, parsed.Skipped)
	assert.Empty(t, parsed.Results)
}

func TestParseTestResultsNestedTests(t *testing.T) {
	report := []byte(`<report><suite name='s'>` +
		`<test name='deep' result='passed' duration='0.1'/>` +
		`</suite></report>`)

	parsed, err := ParseTestResults(report)
	require.NoError(t, err)
	require.Len(t, parsed.Results, 1)
	assert.Equal(t, "deep", parsed.Results[0].TestName)
	assert.Equal(t, types.TestResultPassed, parsed.Results[0].Status)
}

func TestNormalizeResult(t *testing.T) {
	tests := []struct {
		input    string
		expected types.TestResultStatus
	}{
		{input: "Passed", expected: types.TestResultPassed},
		{input: "PASS", expected: types.TestResultPassed},
		{input: "fail", expected: types.TestResultFailed},
		{input: "FAILED", expected: types.TestResultFailed},
		{input: "skip", expected: types.TestResultSkipped},
		{input: "Ignored", expected: types.TestResultSkipped},
		{input: "exploded", expected: types.TestResultUnknown},
		{input: "", expected: types.TestResultUnknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, normalizeResult(tt.input), "input %q", tt.input)
	}
}

func TestParseTestResultsBadDurationDefaultsToZero(t *testing.T) {
	report := []byte(`<tests><test name='t' result='passed' duration='fast'/></tests>`)

	parsed, err := ParseTestResults(report)
	require.NoError(t, err)
	require.Len(t, parsed.Results, 1)
	assert.Zero(t, parsed.Results[0].DurationSeconds)
}
