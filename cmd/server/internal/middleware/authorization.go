package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/testexechq/control-plane/cmd/server/internal/response"
	"github.com/testexechq/control-plane/internal/types"
)

// RequireAdmin rejects keys without the admin claim.
func RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth, ok := AuthFrom(c)
			if !ok {
				return response.UnauthorizedError
			}

			if !auth.Claims.Admin {
				return echo.NewHTTPError(
					http.StatusForbidden,
					types.StringError("admin role required"),
				)
			}

			return next(c)
		}
	}
}
