// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents a client request to be relayed to the origin.
// Only the request target is carried: the inbound method, headers and body
// are never forwarded.
type ProxyRequest struct {
	Ctx    context.Context
	Target string // path and query, verbatim, with leading slash
}

// UpstreamResponse is the raw origin response. The caller owns Body.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// ProxyResponse is a fully buffered response ready to be written to the client.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	HTML     bool // origin declared text/html
	Injected bool // copy-link fragment was inserted
}
