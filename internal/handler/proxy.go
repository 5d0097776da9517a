package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"nyaa-proxy/internal/model"
	"nyaa-proxy/internal/rewrite"
	"nyaa-proxy/internal/service"
)

// Client-visible error bodies.
const (
	msgBadGateway     = "Unable to connect to nyaa"
	msgReadFailure    = "Unable to read response"
	msgCreateResponse = "Unable to create response"
	msgBadUTF8        = "Unable to parse html page as utf-8"
)

// ProxyHandler relays every request to the origin.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request target to the origin as a GET and writes the
// transformed response. The inbound method, headers and body are ignored.
// The full response is buffered before anything is written, so errors are
// always reported with a clean status and body.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	pr := &model.ProxyRequest{
		Ctx:    req.Context(),
		Target: requestTarget(req),
	}

	resp, err := h.service.Proxy(pr)
	if err != nil {
		return h.mapError(c, err)
	}

	// Origin values replace anything the middleware chain set under the same name.
	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst.Del(key)
		dst[key] = vals
	}
	// Content-Type is not relayed; a nil entry stops net/http from sniffing one.
	if _, ok := dst["Content-Type"]; !ok {
		dst["Content-Type"] = nil
	}

	c.Response().WriteHeader(resp.StatusCode)
	if _, err := c.Response().Write(resp.Body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"path", req.URL.Path,
		)
	}
	return nil
}

// requestTarget returns the inbound path and query as received.
func requestTarget(req *http.Request) string {
	if strings.HasPrefix(req.RequestURI, "/") {
		return req.RequestURI
	}
	if t := req.URL.RequestURI(); strings.HasPrefix(t, "/") {
		return t
	}
	return "/"
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	switch {
	case errors.Is(err, service.ErrBadGateway):
		cause := strings.TrimPrefix(err.Error(), service.ErrBadGateway.Error()+": ")
		return c.String(http.StatusBadGateway, msgBadGateway+": "+cause)
	case errors.Is(err, rewrite.ErrBadUTF8):
		return c.String(http.StatusInternalServerError, msgBadUTF8)
	case errors.Is(err, service.ErrReadFailure):
		return c.String(http.StatusInternalServerError, msgReadFailure)
	default:
		return c.String(http.StatusInternalServerError, msgCreateResponse)
	}
}
