package response_test

import (
	"errors"
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testexechq/control-plane/cmd/server/internal/response"
	"github.com/testexechq/control-plane/internal/types"
)

func httpCode(t *testing.T, err error) int {
	t.Helper()

	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	return httpErr.Code
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{name: "JobNotFound", err: types.ErrJobNotFound, expected: http.StatusNotFound},
		{name: "ScheduleNotFound", err: types.ErrScheduleNotFound, expected: http.StatusNotFound},
		{name: "ConfigNotFound", err: types.ErrConfigNotFound, expected: http.StatusNotFound},
		{
			name:     "QuotaExceeded",
			err:      types.ErrQuotaExceeded,
			expected: http.StatusTooManyRequests,
		},
		{
			name:     "InvalidRequest",
			err:      types.InvalidRequest("cpuLimit", "too big"),
			expected: http.StatusBadRequest,
		},
		{
			name:     "ClusterNotFound",
			err:      types.NewClusterError(types.ClusterErrorNotFound, errors.New("missing")),
			expected: http.StatusNotFound,
		},
		{
			name:     "ClusterUnavailable",
			err:      types.NewClusterError(types.ClusterErrorUnavailable, errors.New("down")),
			expected: http.StatusServiceUnavailable,
		},
		{name: "Unknown", err: errors.New("boom"), expected: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, httpCode(t, response.FromError(tt.err)))
		})
	}
}
