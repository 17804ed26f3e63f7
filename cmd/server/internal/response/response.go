package response

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/testexechq/control-plane/internal/types"
)

var (
	InternalServerError = echo.NewHTTPError(
		http.StatusInternalServerError,
		types.StringError("something went wrong"),
	)
	NotFoundError     = echo.NewHTTPError(http.StatusNotFound, types.StringError("not found"))
	TooManyRequests   = echo.NewHTTPError(http.StatusTooManyRequests, types.StringError("rate limited"))
	UnauthorizedError = echo.NewHTTPError(http.StatusUnauthorized, types.StringError("unauthorized"))
)

// FromError maps the domain error taxonomy onto the HTTP surface.
func FromError(err error) error {
	var invalid *types.InvalidRequestError
	if errors.As(err, &invalid) {
		return echo.NewHTTPError(http.StatusBadRequest, types.StringError(invalid.Reason))
	}

	switch {
	case errors.Is(err, types.ErrJobNotFound),
		errors.Is(err, types.ErrScheduleNotFound),
		errors.Is(err, types.ErrConfigNotFound):
		return NotFoundError
	case errors.Is(err, types.ErrQuotaExceeded):
		return echo.NewHTTPError(
			http.StatusTooManyRequests,
			types.StringError("concurrent job quota exceeded"),
		)
	case types.IsClusterNotFound(err):
		return NotFoundError
	case types.IsClusterUnavailable(err):
		return echo.NewHTTPError(
			http.StatusServiceUnavailable,
			types.StringError("cluster unavailable"),
		)
	default:
		return InternalServerError
	}
}
