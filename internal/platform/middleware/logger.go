package middleware

import (
	"errors"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Logger emits one structured line per request. The level tracks the
// outcome: 5xx and unclassified handler errors log at error, 4xx at warn,
// the rest at info. The authenticated subject is included when the auth
// middleware has resolved one, so thread access patterns can be traced per
// caller.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			// The error handler runs after this middleware, so the committed
			// status may not reflect err yet.
			status := res.Status
			var httpErr *echo.HTTPError
			if err != nil && errors.As(err, &httpErr) {
				status = httpErr.Code
			}

			var evt *zerolog.Event
			switch {
			case status >= 500:
				evt = logger.Error().Err(err)
			case status >= 400:
				evt = logger.Warn().Err(err)
			case err != nil:
				evt = logger.Error().Err(err)
			default:
				evt = logger.Info()
			}

			rid, _ := c.Get("request_id").(string)
			evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("route", c.Path()).
				Str("path", req.URL.Path).
				Int("status", status).
				Int64("bytes_out", res.Size).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP())
			if sub, ok := c.Get("auth_subject").(string); ok && sub != "" {
				evt.Str("subject", sub)
			}
			evt.Msg("request")

			return err
		}
	}
}
