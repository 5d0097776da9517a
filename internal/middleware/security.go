package middleware

import (
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that strips hop-by-hop headers
// from requests and adds default security headers to responses. Values sent
// by the origin are never overridden.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}

			res := c.Response()
			res.Before(func() {
				h := res.Header()
				if h.Get("X-Frame-Options") == "" {
					h.Set("X-Frame-Options", "SAMEORIGIN")
				}
				// nosniff without a declared type would stop browsers rendering proxied pages.
				if h.Get("Content-Type") != "" && h.Get("X-Content-Type-Options") == "" {
					h.Set("X-Content-Type-Options", "nosniff")
				}
			})

			return next(c)
		}
	}
}
