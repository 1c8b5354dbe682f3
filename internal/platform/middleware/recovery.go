package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Recovery converts handler panics into 500 responses. http.ErrAbortHandler
// re-panics so aborted streams keep net/http's usual handling.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}

				rid, _ := c.Get("request_id").(string)
				sub, _ := c.Get("auth_subject").(string)
				logger.Error().
					Str("request_id", rid).
					Str("subject", sub).
					Str("route", c.Path()).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("handler panic recovered")

				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}
