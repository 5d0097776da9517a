package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"nyaa-proxy/internal/client"
	"nyaa-proxy/internal/config"
	"nyaa-proxy/internal/rewrite"
	"nyaa-proxy/internal/service"
)

// newTestHandler builds the full proxy pipeline against originURL.
func newTestHandler(originURL, publicURL string) *ProxyHandler {
	cfg := &config.Config{
		Origin: config.OriginConfig{
			BaseURL:         originURL,
			PublicURL:       publicURL,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	oc := client.NewOriginClient(cfg, logger, nil)
	return NewProxyHandler(service.NewProxyService(oc, cfg, logger, nil), logger)
}

func serve(t *testing.T, h *ProxyHandler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	return rec
}

func TestProxyHandler_Handle_HTMLExample(t *testing.T) {
	var originURL string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body>click <a href="` + originURL + `/?page=rss">rss</a></body></html>`))
	}))
	defer upstream.Close()
	originURL = upstream.URL

	h := newTestHandler(upstream.URL, "https://proxy.example")
	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	fragment := rewrite.NewRewriter(upstream.URL, "https://proxy.example").Fragment()
	want := `<html><body>click <a href="https://proxy.example/?page=rss">rss</a>` + fragment + `</body></html>`
	if rec.Body.String() != want {
		t.Errorf("body =\n%s\nwant\n%s", rec.Body.String(), want)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "" {
		t.Errorf("Content-Type = %q, want none", ct)
	}
}

func TestProxyHandler_Handle_NonHTMLPassThrough(t *testing.T) {
	payload := []byte("\x00\x01binary https://nyaa.si </body>\xff")
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-bittorrent")
		w.Header().Set("Content-Disposition", `attachment; filename="1.torrent"`)
		_, _ = w.Write(payload)
	}))
	defer upstream.Close()

	h := newTestHandler(upstream.URL, "https://proxy.example")
	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/download/1.torrent", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != string(payload) {
		t.Errorf("body = %q, want unchanged %q", rec.Body.Bytes(), payload)
	}
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="1.torrent"` {
		t.Errorf("Content-Disposition = %q, want origin value", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "" {
		t.Errorf("Content-Type = %q, want none (not relayed, not sniffed)", ct)
	}
}

func TestProxyHandler_Handle_ExcludedHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Cache-Control", "max-age=600")
		w.Header().Set("Content-Encoding", "identity")
		w.Header().Add("Set-Cookie", "a=1")
		w.Header().Add("Set-Cookie", "b=2")
		w.Header().Set("X-Origin", "nyaa")
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	h := newTestHandler(upstream.URL, "https://proxy.example")
	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	for _, name := range []string{"Transfer-Encoding", "Content-Type", "Content-Length", "Content-Encoding", "Cache-Control"} {
		if v := rec.Header().Get(name); v != "" {
			t.Errorf("%s = %q, want excluded", name, v)
		}
	}
	if got := rec.Header().Values("Set-Cookie"); len(got) != 2 || got[0] != "a=1" || got[1] != "b=2" {
		t.Errorf("Set-Cookie = %v, want [a=1 b=2]", got)
	}
	if got := rec.Header().Get("X-Origin"); got != "nyaa" {
		t.Errorf("X-Origin = %q, want %q", got, "nyaa")
	}
}

func TestProxyHandler_Handle_StatusPreserved(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	defer upstream.Close()

	h := newTestHandler(upstream.URL, "https://proxy.example")
	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/teapot", http.NoBody))

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
}

func TestProxyHandler_Handle_AlwaysGETWithoutInboundHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %q, want GET", r.Method)
		}
		if r.RequestURI != "/?page=rss&q=test" {
			t.Errorf("RequestURI = %q, want %q", r.RequestURI, "/?page=rss&q=test")
		}
		if r.Header.Get("Cookie") != "" || r.Header.Get("X-Client") != "" {
			t.Error("inbound headers should not be forwarded upstream")
		}
		if body, _ := io.ReadAll(r.Body); len(body) != 0 {
			t.Errorf("upstream body = %q, want empty", body)
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	h := newTestHandler(upstream.URL, "https://proxy.example")
	req := httptest.NewRequest(http.MethodPost, "/?page=rss&q=test", strings.NewReader("ignored"))
	req.Header.Set("Cookie", "session=abc")
	req.Header.Set("X-Client", "1")
	rec := serve(t, h, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestProxyHandler_Handle_BadUTF8(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=latin1")
		w.Header().Set("X-Origin", "nyaa")
		_, _ = w.Write([]byte("<html><body>caf\xe9</body></html>"))
	}))
	defer upstream.Close()

	h := newTestHandler(upstream.URL, "https://proxy.example")
	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if rec.Body.String() != msgBadUTF8 {
		t.Errorf("body = %q, want %q", rec.Body.String(), msgBadUTF8)
	}
	if rec.Header().Get("X-Origin") != "" {
		t.Error("origin headers leaked into error response")
	}
}

func TestProxyHandler_Handle_ReadFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Promise more bytes than are sent so the client sees an unexpected EOF.
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write([]byte("truncated"))
	}))
	defer upstream.Close()

	h := newTestHandler(upstream.URL, "https://proxy.example")
	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if rec.Body.String() != msgReadFailure {
		t.Errorf("body = %q, want %q", rec.Body.String(), msgReadFailure)
	}
}

func TestProxyHandler_Handle_UnreachableOrigin(t *testing.T) {
	h := newTestHandler("http://127.0.0.1:1", "https://proxy.example")
	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/view/1", http.NoBody))

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, msgBadGateway+": ") {
		t.Errorf("body = %q, want prefix %q", body, msgBadGateway+": ")
	}
	if !strings.Contains(body, "127.0.0.1:1") {
		t.Errorf("body = %q, want transport error detail", body)
	}
}

func TestProxyHandler_Handle_CanceledContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer upstream.Close()

	h := newTestHandler(upstream.URL, "https://proxy.example")
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	rec := serve(t, h, req.WithContext(ctx))

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
}

func TestProxyHandler_mapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "bad gateway",
			err:        fmt.Errorf("%w: %w", service.ErrBadGateway, errors.New("dial tcp: connection refused")),
			wantStatus: http.StatusBadGateway,
			wantBody:   "Unable to connect to nyaa: dial tcp: connection refused",
		},
		{
			name:       "read failure",
			err:        fmt.Errorf("%w: %w", service.ErrReadFailure, io.ErrUnexpectedEOF),
			wantStatus: http.StatusInternalServerError,
			wantBody:   msgReadFailure,
		},
		{
			name:       "bad utf8",
			err:        fmt.Errorf("rewrite html: %w", rewrite.ErrBadUTF8),
			wantStatus: http.StatusInternalServerError,
			wantBody:   msgBadUTF8,
		},
		{
			name:       "create response",
			err:        fmt.Errorf("%w: invalid status code 42", service.ErrCreateResponse),
			wantStatus: http.StatusInternalServerError,
			wantBody:   msgCreateResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &ProxyHandler{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", http.NoBody), rec)

			if err := h.mapError(c, tt.err); err != nil {
				t.Fatalf("mapError() returned error: %v", err)
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestRequestTarget(t *testing.T) {
	tests := []struct {
		name   string
		target string
		want   string
	}{
		{"root", "/", "/"},
		{"path and query", "/view/1?a=b", "/view/1?a=b"},
		{"escaped path", "/user/foo%2Fbar", "/user/foo%2Fbar"},
		{"absolute form", "http://proxy.example/view/1?a=b", "/view/1?a=b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, http.NoBody)
			if got := requestTarget(req); got != tt.want {
				t.Errorf("requestTarget() = %q, want %q", got, tt.want)
			}
		})
	}
}
