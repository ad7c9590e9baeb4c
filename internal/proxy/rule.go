// Package proxy routes API path prefixes to an upstream backend, forwarding
// plain HTTP through httputil.ReverseProxy and relaying WebSocket sessions
// frame by frame.
package proxy

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rathix/spa-devkit/internal/env"
)

// Rule maps a path prefix to an upstream origin.
type Rule struct {
	PathPrefix         string
	Upstream           *url.URL
	RewriteOrigin      bool
	UpgradeWebSocket   bool
	VerifyUpstreamCert bool
	// Timeout bounds dialing the upstream and waiting for its response
	// headers. Zero means env.DefaultProxyTimeout.
	Timeout time.Duration
}

// RulesFromConfig returns the API proxy rule described by cfg: origin
// rewriting and WebSocket upgrades on, certificate verification as configured.
func RulesFromConfig(cfg *env.EffectiveConfig) []Rule {
	return []Rule{{
		PathPrefix:         cfg.ProxyPrefix,
		Upstream:           cfg.BackendOrigin,
		RewriteOrigin:      true,
		UpgradeWebSocket:   true,
		VerifyUpstreamCert: cfg.VerifyUpstreamCert,
		Timeout:            cfg.ProxyTimeout,
	}}
}

func (r Rule) validate() error {
	if !strings.HasPrefix(r.PathPrefix, "/") {
		return fmt.Errorf("proxy rule prefix %q must start with '/'", r.PathPrefix)
	}
	if r.Upstream == nil {
		return fmt.Errorf("proxy rule %q: missing upstream", r.PathPrefix)
	}
	if r.Upstream.Scheme != "http" && r.Upstream.Scheme != "https" {
		return fmt.Errorf("proxy rule %q: upstream %q must be http or https", r.PathPrefix, r.Upstream)
	}
	if r.Upstream.Host == "" {
		return fmt.Errorf("proxy rule %q: upstream %q has no host", r.PathPrefix, r.Upstream)
	}
	return nil
}

// normalizedPrefix strips a trailing slash so "/api/" and "/api" match the
// same paths.
func (r Rule) normalizedPrefix() string {
	if r.PathPrefix == "/" {
		return "/"
	}
	return strings.TrimSuffix(r.PathPrefix, "/")
}

func (r Rule) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return env.DefaultProxyTimeout
}

// matchesPrefix reports whether urlPath lies under prefix on a path-segment
// boundary.
func matchesPrefix(urlPath, prefix string) bool {
	if prefix == "/" {
		return true
	}
	return urlPath == prefix || strings.HasPrefix(urlPath, prefix+"/")
}

// upstreamOrigin renders scheme://host for Origin rewriting.
func upstreamOrigin(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

// newTransport builds the HTTP transport dedicated to one rule. Certificate
// verification is relaxed here and nowhere else. HTTP/2 stays off so
// WebSocket upgrades work over the same transport.
func newTransport(r Rule) *http.Transport {
	timeout := r.timeout()
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: !r.VerifyUpstreamCert}, //nolint:gosec // opt-in for self-signed dev backends
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     false,
	}
}

// singleJoiningSlash joins an upstream base path and a request path.
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
