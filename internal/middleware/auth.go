// Package middleware holds the echo middleware of the HTTP surface.
package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/chadiek/interview-agent/internal/rtc"
)

// Auth rejects requests without the shared password under any of the
// prefixes. An empty password disables the check.
func Auth(password string, prefixes ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if password == "" || !matches(c.Request().URL.Path, prefixes) {
				return next(c)
			}
			if !rtc.CheckAuth(c.Request(), password) {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}
			return next(c)
		}
	}
}

func matches(path string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
