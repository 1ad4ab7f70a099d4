package api

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// LoggingMiddleware logs every request with its status and latency.
func LoggingMiddleware(logger logrus.FieldLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			entry := logger.WithFields(logrus.Fields{
				"method":  c.Request().Method,
				"uri":     c.Request().URL.Path,
				"status":  status,
				"latency": time.Since(start),
				"ip":      c.RealIP(),
			})
			if err != nil {
				entry = entry.WithField("error", err.Error())
			}

			switch {
			case status >= 500:
				entry.Error("server error")
			case status >= 400:
				entry.Warn("client error")
			default:
				entry.Debug("request processed")
			}
			return err
		}
	}
}
