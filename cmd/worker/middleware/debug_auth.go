// Package middleware holds worker-local echo middleware.
package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
)

// DebugAuth protects the debug endpoint group. Requests must carry an
// X-Debug-Token header matching the configured token; with no token
// configured the group is disabled entirely.
func DebugAuth(expectedToken string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if expectedToken == "" {
				return c.JSON(http.StatusNotFound, map[string]interface{}{
					"error": "debug endpoints are disabled",
				})
			}

			token := c.Request().Header.Get("X-Debug-Token")
			if token == "" {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"error": "debug endpoints require X-Debug-Token header",
				})
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
				return c.JSON(http.StatusForbidden, map[string]interface{}{
					"error": "invalid debug token",
				})
			}
			return next(c)
		}
	}
}
