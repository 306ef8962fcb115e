package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
)

// ServiceTokenHeader carries the shared token workers and operator tools send
const ServiceTokenHeader = "X-Service-Token"

// RequireServiceToken guards mutating routes with a shared-token check. An
// empty configured token disables the check, which is the local development
// default.
//
// Usage:
//
//	api := e.Group("/api/v1", middleware.RequireServiceToken(cfg.Service.ServiceToken))
func RequireServiceToken(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token == "" {
				return next(c)
			}

			presented := c.Request().Header.Get(ServiceTokenHeader)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"error": "missing or invalid service token",
				})
			}
			return next(c)
		}
	}
}
