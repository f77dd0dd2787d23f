package middleware

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/chadiek/interview-agent/internal/metrics"
)

// Metrics records request counts and latencies by route pattern.
func Metrics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			endpoint := c.Path()
			if endpoint == "" {
				endpoint = "unmatched"
			}
			method := c.Request().Method
			status := strconv.Itoa(c.Response().Status)
			metrics.RequestCount.WithLabelValues(method, endpoint, status).Inc()
			metrics.RequestDuration.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}
