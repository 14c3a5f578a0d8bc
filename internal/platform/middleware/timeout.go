package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// RequestTimeout puts a deadline on each request context. Database calls made
// with that context are cancelled when it expires, and if the handler has not
// written a response by then the client receives 504 Gateway Timeout.
// Websocket connections are long-lived and are not limited. A non-positive
// timeout disables the middleware.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 || isLongLived(c.Request()) {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return c.JSON(http.StatusGatewayTimeout, map[string]string{
					"message": "request processing exceeded the allowed time limit",
				})
			}
			return err
		}
	}
}

// isLongLived matches websocket upgrades and the /ws endpoint under any group
// prefix.
func isLongLived(r *http.Request) bool {
	if websocket.IsWebSocketUpgrade(r) {
		return true
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	return path == "/ws" || strings.HasSuffix(path, "/ws")
}
