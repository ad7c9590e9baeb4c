package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func startUpstream(t *testing.T, h http.Handler) *httptest.Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping network-bound test: cannot bind loopback socket: %v", err)
	}
	srv := httptest.NewUnstartedServer(h)
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)
	return srv
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func fallbackHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fallback:" + r.URL.Path))
	})
}

func newTestRouter(t *testing.T, rules ...Rule) *Router {
	t.Helper()
	rt, err := NewRouter(rules, fallbackHandler(), WithCloseGrace(200*time.Millisecond))
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	t.Cleanup(func() { rt.Shutdown(context.Background()) })
	return rt
}

func TestMatchesPrefix(t *testing.T) {
	tests := []struct {
		path   string
		prefix string
		want   bool
	}{
		{"/api", "/api", true},
		{"/api/", "/api", true},
		{"/api/users", "/api", true},
		{"/apix", "/api", false},
		{"/ap", "/api", false},
		{"/", "/api", false},
		{"/anything", "/", true},
	}
	for _, tc := range tests {
		if got := matchesPrefix(tc.path, tc.prefix); got != tc.want {
			t.Errorf("matchesPrefix(%q, %q) = %v, want %v", tc.path, tc.prefix, got, tc.want)
		}
	}
}

func TestNewRouterRejectsInvalidRules(t *testing.T) {
	good := mustURL(t, "http://127.0.0.1:8051")
	tests := []struct {
		name  string
		rules []Rule
	}{
		{"relative prefix", []Rule{{PathPrefix: "api", Upstream: good}}},
		{"missing upstream", []Rule{{PathPrefix: "/api"}}},
		{"ftp upstream", []Rule{{PathPrefix: "/api", Upstream: mustURL(t, "ftp://host")}}},
		{"no host", []Rule{{PathPrefix: "/api", Upstream: mustURL(t, "http://")}}},
		{"duplicate prefix", []Rule{
			{PathPrefix: "/api", Upstream: good},
			{PathPrefix: "/api/", Upstream: good},
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewRouter(tc.rules, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRouterForwardsPathQueryAndMethod(t *testing.T) {
	var gotMethod, gotURI, gotBody string
	upstream := startUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotURI = r.URL.RequestURI()
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	}))

	rt := newTestRouter(t, Rule{PathPrefix: "/api", Upstream: mustURL(t, upstream.URL)})

	req := httptest.NewRequest(http.MethodPost, "/api/users?page=2&sort=name", strings.NewReader(`{"a":1}`))
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if rec.Body.String() != "created" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
	if rec.Header().Get("X-Upstream") != "yes" {
		t.Error("expected upstream response header to be forwarded")
	}
	if gotMethod != http.MethodPost {
		t.Errorf("upstream saw method %q", gotMethod)
	}
	if gotURI != "/api/users?page=2&sort=name" {
		t.Errorf("upstream saw URI %q", gotURI)
	}
	if gotBody != `{"a":1}` {
		t.Errorf("upstream saw body %q", gotBody)
	}
}

func TestRouterRewritesHostAndOrigin(t *testing.T) {
	var gotHost, gotOrigin, gotForwardedHost string
	upstream := startUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotOrigin = r.Header.Get("Origin")
		gotForwardedHost = r.Header.Get("X-Forwarded-Host")
	}))
	u := mustURL(t, upstream.URL)

	rt := newTestRouter(t, Rule{PathPrefix: "/api", Upstream: u, RewriteOrigin: true})

	req := httptest.NewRequest(http.MethodGet, "http://app.tunnel.dev/api/me", nil)
	req.Header.Set("Origin", "https://app.tunnel.dev")
	rt.ServeHTTP(httptest.NewRecorder(), req)

	if gotHost != u.Host {
		t.Errorf("expected Host %q, got %q", u.Host, gotHost)
	}
	if gotOrigin != "http://"+u.Host {
		t.Errorf("expected Origin rewritten to upstream, got %q", gotOrigin)
	}
	if gotForwardedHost != "app.tunnel.dev" {
		t.Errorf("expected X-Forwarded-Host app.tunnel.dev, got %q", gotForwardedHost)
	}
}

func TestRouterKeepsHostWithoutOriginRewrite(t *testing.T) {
	var gotHost, gotOrigin string
	upstream := startUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotOrigin = r.Header.Get("Origin")
	}))

	rt := newTestRouter(t, Rule{PathPrefix: "/api", Upstream: mustURL(t, upstream.URL)})

	req := httptest.NewRequest(http.MethodGet, "http://app.tunnel.dev/api/me", nil)
	req.Header.Set("Origin", "https://app.tunnel.dev")
	rt.ServeHTTP(httptest.NewRecorder(), req)

	if gotHost != "app.tunnel.dev" {
		t.Errorf("expected original Host, got %q", gotHost)
	}
	if gotOrigin != "https://app.tunnel.dev" {
		t.Errorf("expected original Origin, got %q", gotOrigin)
	}
}

func TestRouterLongestPrefixWins(t *testing.T) {
	general := startUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("general"))
	}))
	auth := startUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("auth"))
	}))

	rt := newTestRouter(t,
		Rule{PathPrefix: "/api", Upstream: mustURL(t, general.URL)},
		Rule{PathPrefix: "/api/auth", Upstream: mustURL(t, auth.URL)},
	)

	tests := []struct {
		target string
		want   string
	}{
		{"/api/users", "general"},
		{"/api/auth/login", "auth"},
		{"/api/auth", "auth"},
		{"/api/authors", "general"},
		{"/apiary", "fallback:/apiary"},
		{"/", "fallback:/"},
	}
	for _, tc := range tests {
		rec := httptest.NewRecorder()
		rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.target, nil))
		if rec.Body.String() != tc.want {
			t.Errorf("%s: expected %q, got %q", tc.target, tc.want, rec.Body.String())
		}
	}

	if rule, ok := rt.Match("/api/auth/x"); !ok || rule.PathPrefix != "/api/auth" {
		t.Errorf("Match returned %+v, %v", rule, ok)
	}
	if _, ok := rt.Match("/static/app.js"); ok {
		t.Error("expected no match for /static/app.js")
	}
}

func TestRouterNilFallbackIsNotFound(t *testing.T) {
	rt, err := NewRouter(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/anything", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestRouterUnreachableUpstreamReturnsBadGateway(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot bind loopback socket: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	rt := newTestRouter(t, Rule{
		PathPrefix: "/api",
		Upstream:   mustURL(t, "http://"+addr),
		Timeout:    time.Second,
	})

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
}

func TestRouterSlowUpstreamTimesOut(t *testing.T) {
	release := make(chan struct{})
	upstream := startUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer close(release)

	rt := newTestRouter(t, Rule{
		PathPrefix: "/api",
		Upstream:   mustURL(t, upstream.URL),
		Timeout:    100 * time.Millisecond,
	})

	start := time.Now()
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/slow", nil))

	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout not enforced, took %v", elapsed)
	}
}

func TestRouterTLSVerificationPerRule(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("secure"))
	}))
	t.Cleanup(upstream.Close)
	u := mustURL(t, upstream.URL)

	lenient := newTestRouter(t, Rule{PathPrefix: "/api", Upstream: u})
	rec := httptest.NewRecorder()
	lenient.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "secure" {
		t.Errorf("lenient rule: expected 200 secure, got %d %q", rec.Code, rec.Body.String())
	}

	strict := newTestRouter(t, Rule{PathPrefix: "/api", Upstream: u, VerifyUpstreamCert: true})
	rec = httptest.NewRecorder()
	strict.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("verifying rule: expected 502 for self-signed upstream, got %d", rec.Code)
	}

	dt := http.DefaultTransport.(*http.Transport)
	if dt.TLSClientConfig != nil && dt.TLSClientConfig.InsecureSkipVerify {
		t.Error("default transport must keep certificate verification")
	}
}

func TestRouterRejectsUpgradeWhenDisabled(t *testing.T) {
	upstream := startUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream should not be contacted")
	}))

	rt := newTestRouter(t, Rule{PathPrefix: "/api", Upstream: mustURL(t, upstream.URL)})

	req := httptest.NewRequest(http.MethodGet, "/api/socket", nil)
	req.Header.Set("Connection", "keep-alive, Upgrade")
	req.Header.Set("Upgrade", "websocket")
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestUpstreamWebSocketURL(t *testing.T) {
	tests := []struct {
		upstream string
		in       string
		want     string
	}{
		{"http://127.0.0.1:8051", "/api/ws?x=1", "ws://127.0.0.1:8051/api/ws?x=1"},
		{"https://backend.test", "/api/ws", "wss://backend.test/api/ws"},
		{"http://backend.test/base/", "/api/ws", "ws://backend.test/base/api/ws"},
		{"http://backend.test?k=v", "/api/ws?x=1", "ws://backend.test/api/ws?k=v&x=1"},
	}
	for _, tc := range tests {
		got := upstreamWebSocketURL(mustURL(t, tc.upstream), mustURL(t, tc.in)).String()
		if got != tc.want {
			t.Errorf("upstreamWebSocketURL(%q, %q) = %q, want %q", tc.upstream, tc.in, got, tc.want)
		}
	}
}
