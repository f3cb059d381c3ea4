package middleware

import (
	"errors"
	"strconv"

	"github.com/labstack/echo/v4"

	"httpask-go/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that counts admin requests.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			// When a handler returns an *echo.HTTPError the status has not
			// been written yet, so take it from the error.
			statusCode := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}

			m.AdminRequestsTotal.WithLabelValues(
				metrics.NormalizeMethod(c.Request().Method),
				strconv.Itoa(statusCode),
				m.NormalizePath(c.Request().URL.Path),
			).Inc()

			return err
		}
	}
}
