package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// loopbackHosts are always accepted regardless of configuration.
var loopbackHosts = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
	"::1":       {},
}

// HostAllowlist decides which Host headers may reach the dev server. Entries
// with a leading dot match the bare domain and every subdomain; other entries
// match exactly.
type HostAllowlist struct {
	exact    map[string]struct{}
	suffixes []string
	logger   *slog.Logger
}

// NewHostAllowlist builds an allowlist from normalized host entries. Blocked
// requests are logged to logger, or to slog.Default when it is nil.
func NewHostAllowlist(entries []string, logger *slog.Logger) *HostAllowlist {
	if logger == nil {
		logger = slog.Default()
	}
	a := &HostAllowlist{exact: make(map[string]struct{}), logger: logger}
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if strings.HasPrefix(e, ".") {
			a.suffixes = append(a.suffixes, e)
			continue
		}
		a.exact[e] = struct{}{}
	}
	return a
}

// Allowed reports whether hostport (a Host header value) is trusted.
func (a *HostAllowlist) Allowed(hostport string) bool {
	host := hostOnly(hostport)
	if host == "" {
		return false
	}
	if _, ok := loopbackHosts[host]; ok {
		return true
	}
	if _, ok := a.exact[host]; ok {
		return true
	}
	for _, s := range a.suffixes {
		if host == s[1:] || strings.HasSuffix(host, s) {
			return true
		}
	}
	return false
}

// Middleware rejects requests from untrusted hosts with 403 before they reach
// next. This guards against DNS rebinding when the server is exposed through
// a tunnel or bound to all interfaces.
func (a *HostAllowlist) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Allowed(r.Host) {
			a.logger.Warn("Blocked request from disallowed host", "host", r.Host, "path", r.URL.Path)
			http.Error(w, fmt.Sprintf("Blocked request. This host (%q) is not allowed.", hostOnly(r.Host)), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func hostOnly(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		hostport = host
	}
	hostport = strings.TrimPrefix(strings.TrimSuffix(hostport, "]"), "[")
	return strings.TrimSuffix(strings.ToLower(hostport), ".")
}
