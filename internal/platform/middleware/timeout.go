package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout returns middleware that sets a context deadline on each
// incoming request. If the deadline passes before the handler completes, the
// request context is cancelled and 504 is returned.
//
// overrides maps path prefixes to their own timeout. The longest matching
// prefix wins; bulk uploads use this to get minutes instead of seconds.
func RequestTimeout(timeout time.Duration, overrides map[string]time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeoutFor(c.Request().URL.Path, timeout, overrides))
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			// Run handler in a goroutine so we can select on the context.
			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					return gatewayTimeoutError(c)
				}
				// client went away
				return ctx.Err()
			}
		}
	}
}

func timeoutFor(path string, def time.Duration, overrides map[string]time.Duration) time.Duration {
	best, match := def, -1
	for prefix, d := range overrides {
		if strings.HasPrefix(path, prefix) && len(prefix) > match {
			best, match = d, len(prefix)
		}
	}
	return best
}

func gatewayTimeoutError(c echo.Context) error {
	// A partially written response cannot be replaced.
	if !c.Response().Committed {
		return c.JSON(http.StatusGatewayTimeout, errorBody("request processing exceeded the allowed time limit"))
	}
	return nil
}
