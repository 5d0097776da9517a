// Package service implements the relay-and-rewrite pipeline between the
// inbound request and the origin.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"

	"golang.org/x/net/http/httpguts"

	"nyaa-proxy/internal/client"
	"nyaa-proxy/internal/config"
	"nyaa-proxy/internal/metrics"
	"nyaa-proxy/internal/model"
	"nyaa-proxy/internal/rewrite"
)

var (
	// ErrBadGateway wraps any failure to obtain a response from the origin.
	ErrBadGateway = errors.New("unable to connect to origin")
	// ErrReadFailure is returned when the origin body cannot be read in full.
	ErrReadFailure = errors.New("unable to read response")
	// ErrCreateResponse is returned when the outbound response cannot be assembled.
	ErrCreateResponse = errors.New("unable to create response")
)

// excludedResponseHeaders are never copied from the origin response: the body
// may be rewritten and re-buffered, and origin caching directives must not
// reach proxy clients.
var excludedResponseHeaders = []string{
	"Transfer-Encoding",
	"Content-Type",
	"Content-Length",
	"Content-Encoding",
	"Cache-Control",
}

// ProxyService relays requests to the origin and transforms its responses.
// All fields are fixed at construction; one instance serves every request.
type ProxyService struct {
	client   *client.OriginClient
	rewriter *rewrite.Rewriter
	logger   *slog.Logger
	metrics  *metrics.Metrics

	originURL        string
	excluded         map[string]bool
	maxBodyBytes     int64
	relayContentType bool
}

// NewProxyService creates a ProxyService.
// The metrics parameter is optional; pass nil to disable rewrite metrics.
func NewProxyService(c *client.OriginClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	excluded := make(map[string]bool, len(excludedResponseHeaders))
	for _, h := range excludedResponseHeaders {
		excluded[http.CanonicalHeaderKey(h)] = true
	}

	return &ProxyService{
		client:           c,
		rewriter:         rewrite.NewRewriter(cfg.Origin.BaseURL, cfg.Origin.PublicURL),
		logger:           logger.With("component", "proxy_service"),
		metrics:          m,
		originURL:        cfg.Origin.BaseURL,
		excluded:         excluded,
		maxBodyBytes:     cfg.Origin.MaxBodyBytes,
		relayContentType: cfg.Origin.RelayContentType,
	}
}

// Proxy forwards pr to the origin and returns the transformed, fully buffered response.
func (s *ProxyService) Proxy(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	resp, err := s.Forward(pr)
	if err != nil {
		return nil, err
	}
	return s.Transform(resp)
}

// Forward issues a GET for the origin URL followed by the request target, verbatim.
// The caller is responsible for closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.UpstreamResponse, error) {
	upstreamURL := s.originURL + pr.Target

	s.logger.Debug("forwarding request", "target", pr.Target)

	resp, err := s.client.Get(pr.Ctx, upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadGateway, err)
	}
	return resp, nil
}

// Transform builds the client response from the origin response and closes
// its body. The status code is kept, excluded headers are dropped and HTML
// bodies are rewritten.
//
// Header names are visited in sorted order; values under one name keep the
// origin's order.
func (s *ProxyService) Transform(resp *model.UpstreamResponse) (*model.ProxyResponse, error) {
	defer func() { _ = resp.Body.Close() }()

	header := make(http.Header, len(resp.Header))
	isHTML := false
	for _, key := range slices.Sorted(maps.Keys(resp.Header)) {
		vals := resp.Header[key]
		if strings.EqualFold(key, "Content-Type") {
			for _, v := range vals {
				isHTML = hasPrefixFold(v, "text/html")
			}
		}
		if s.excluded[http.CanonicalHeaderKey(key)] {
			continue
		}
		header[key] = slices.Clone(vals)
	}

	body, err := s.readBody(resp.Body)
	if err != nil {
		// The client timeout and the inbound context also bound the body read.
		if isTimeoutOrCanceled(err) {
			return nil, fmt.Errorf("%w: %w", ErrBadGateway, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrReadFailure, err)
	}

	out := &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
		HTML:       isHTML,
	}

	if isHTML {
		rewritten, injected, err := s.rewriter.Rewrite(body)
		if err != nil {
			s.recordRewrite(metrics.RewriteBadUTF8)
			return nil, fmt.Errorf("rewrite html: %w", err)
		}
		if injected {
			s.recordRewrite(metrics.RewriteInjected)
		} else {
			s.recordRewrite(metrics.RewriteNoBodyTag)
		}
		out.Body = rewritten
		out.Injected = injected
	}

	if s.relayContentType {
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			out.Header.Set("Content-Type", ct)
		}
	}

	if err := validateResponse(out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreateResponse, err)
	}
	return out, nil
}

// readBody reads r in full, failing once more than maxBodyBytes are read.
func (s *ProxyService) readBody(r io.Reader) ([]byte, error) {
	if s.maxBodyBytes <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, s.maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > s.maxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", s.maxBodyBytes)
	}
	return body, nil
}

func (s *ProxyService) recordRewrite(outcome string) {
	if s.metrics != nil {
		s.metrics.HTMLRewrites.WithLabelValues(outcome).Inc()
	}
}

// validateResponse checks the status code and every header before anything
// is written to the client.
func validateResponse(r *model.ProxyResponse) error {
	if r.StatusCode < 100 || r.StatusCode > 999 {
		return fmt.Errorf("invalid status code %d", r.StatusCode)
	}
	for key, vals := range r.Header {
		if !httpguts.ValidHeaderFieldName(key) {
			return fmt.Errorf("invalid header name %q", key)
		}
		for _, v := range vals {
			if !httpguts.ValidHeaderFieldValue(v) {
				return fmt.Errorf("invalid value for header %q", key)
			}
		}
	}
	return nil
}

func isTimeoutOrCanceled(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
