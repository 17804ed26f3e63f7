package policy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testexechq/control-plane/cmd/server/internal/policy"
)

func TestParseCPU(t *testing.T) {
	tests := []struct {
		input    string
		expected float64
		wantErr  bool
	}{
		{input: "500m", expected: 0.5},
		{input: "1", expected: 1.0},
		{input: "2000m", expected: 2.0},
		{input: "0.25", expected: 0.25},
		{input: "250m", expected: 0.25},
		{input: "", wantErr: true},
		{input: "abc", wantErr: true},
		{input: "-1", wantErr: true},
		{input: "-100m", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			cores, err := policy.ParseCPU(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.InDelta(t, tt.expected, cores, 1e-9)
		})
	}
}

func TestParseMemory(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{input: "1Gi", expected: 1073741824},
		{input: "1Mi", expected: 1048576},
		{input: "512Ki", expected: 524288},
		{input: "1024", expected: 1024},
		{input: "", wantErr: true},
		{input: "oneGi", wantErr: true},
		{input: "-1Mi", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			bytes, err := policy.ParseMemory(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, bytes)
		})
	}
}
