package middleware

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// RequestIDKey is the echo.Context key holding the proxy-assigned request ID.
const RequestIDKey = "request_id"

// RequestID wraps Echo's RequestID middleware and also stores the ID in the
// context. Relayed origin headers may replace X-Request-Id on the response,
// so the logger reads the ID from the context.
func RequestID() echo.MiddlewareFunc {
	return echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		RequestIDHandler: func(c echo.Context, id string) {
			c.Set(RequestIDKey, id)
		},
	})
}
