package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"sort"
	"strings"
	"time"

	"github.com/rathix/spa-devkit/internal/websocket"
)

// DefaultReadLimit caps a single relayed WebSocket message.
const DefaultReadLimit = 64 << 20

// DefaultPingInterval is how often relayed client connections are pinged.
const DefaultPingInterval = 30 * time.Second

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router's logger.
func WithLogger(l *slog.Logger) Option {
	return func(rt *Router) { rt.logger = l }
}

// WithCloseGrace bounds how long closing one side of a relay may wait for
// the peer's close handshake.
func WithCloseGrace(d time.Duration) Option {
	return func(rt *Router) { rt.closeGrace = d }
}

// WithReadLimit sets the maximum size of a relayed WebSocket message.
func WithReadLimit(n int64) Option {
	return func(rt *Router) { rt.readLimit = n }
}

// WithPingInterval sets the keepalive interval for relayed client
// connections. Zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(rt *Router) { rt.pingInterval = d }
}

// route is a compiled Rule.
type route struct {
	rule      Rule
	prefix    string
	transport *http.Transport
	wsClient  *http.Client
	proxy     *httputil.ReverseProxy
}

// Router forwards requests under configured prefixes to their upstreams and
// hands everything else to a fallback handler.
type Router struct {
	routes       []*route
	fallback     http.Handler
	logger       *slog.Logger
	registry     *websocket.ConnectionRegistry
	closeGrace   time.Duration
	readLimit    int64
	pingInterval time.Duration
}

// NewRouter compiles rules into a Router. Unmatched requests go to fallback;
// a nil fallback answers 404.
func NewRouter(rules []Rule, fallback http.Handler, opts ...Option) (*Router, error) {
	rt := &Router{
		fallback:     fallback,
		logger:       slog.Default(),
		closeGrace:   websocket.DefaultCloseGrace,
		readLimit:    DefaultReadLimit,
		pingInterval: DefaultPingInterval,
	}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.logger == nil {
		rt.logger = slog.Default()
	}
	if rt.fallback == nil {
		rt.fallback = http.NotFoundHandler()
	}
	rt.registry = websocket.NewRegistry(rt.logger)

	seen := make(map[string]struct{}, len(rules))
	for _, rule := range rules {
		if err := rule.validate(); err != nil {
			return nil, err
		}
		prefix := rule.normalizedPrefix()
		if _, dup := seen[prefix]; dup {
			return nil, fmt.Errorf("duplicate proxy prefix %q", prefix)
		}
		seen[prefix] = struct{}{}
		rt.routes = append(rt.routes, rt.compile(rule, prefix))
	}

	// Longest prefix first.
	sort.SliceStable(rt.routes, func(i, j int) bool {
		return len(rt.routes[i].prefix) > len(rt.routes[j].prefix)
	})
	return rt, nil
}

func (rt *Router) compile(rule Rule, prefix string) *route {
	transport := newTransport(rule)
	r := &route{
		rule:      rule,
		prefix:    prefix,
		transport: transport,
		// nhooyr.io/websocket bounds the handshake with the dial context, so
		// the client carries no timeout of its own.
		wsClient: &http.Client{Transport: transport},
	}
	upstream := rule.Upstream
	r.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
			if !rule.RewriteOrigin {
				pr.Out.Host = pr.In.Host
				return
			}
			if pr.Out.Header.Get("Origin") != "" {
				pr.Out.Header.Set("Origin", upstreamOrigin(upstream))
			}
		},
		Transport:     transport,
		FlushInterval: -1,
		ErrorLog:      slog.NewLogLogger(rt.logger.Handler(), slog.LevelWarn),
		ErrorHandler:  rt.errorHandler(rule),
	}
	return r
}

// Match returns the rule with the longest prefix covering urlPath.
func (rt *Router) Match(urlPath string) (Rule, bool) {
	if r := rt.match(urlPath); r != nil {
		return r.rule, true
	}
	return Rule{}, false
}

func (rt *Router) match(urlPath string) *route {
	for _, r := range rt.routes {
		if matchesPrefix(urlPath, r.prefix) {
			return r
		}
	}
	return nil
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r := rt.match(req.URL.Path)
	if r == nil {
		rt.fallback.ServeHTTP(w, req)
		return
	}

	if isWebSocketUpgrade(req) {
		if !r.rule.UpgradeWebSocket {
			http.Error(w, "WebSocket upgrades are not proxied for this path", http.StatusBadRequest)
			return
		}
		rt.relay(w, req, r)
		return
	}
	r.proxy.ServeHTTP(w, req)
}

// ActiveWebSockets returns the number of relayed WebSocket connections
// (two per session).
func (rt *Router) ActiveWebSockets() int {
	return rt.registry.Count()
}

// Shutdown closes every relayed WebSocket session with a going-away status
// and drops idle upstream connections.
func (rt *Router) Shutdown(ctx context.Context) {
	rt.registry.CloseAll(ctx)
	for _, r := range rt.routes {
		r.transport.CloseIdleConnections()
	}
}

func (rt *Router) errorHandler(rule Rule) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, req *http.Request, err error) {
		if errors.Is(err, context.Canceled) && req.Context().Err() != nil {
			// Client went away; nobody is left to answer.
			rt.logger.Debug("Client cancelled proxied request", "path", req.URL.Path)
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		rt.logger.Warn("Upstream request failed",
			"method", req.Method,
			"path", req.URL.Path,
			"upstream", rule.Upstream.Host,
			"error", err,
		)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
	}
}

func isWebSocketUpgrade(req *http.Request) bool {
	return headerContainsToken(req.Header, "Connection", "upgrade") &&
		strings.EqualFold(strings.TrimSpace(req.Header.Get("Upgrade")), "websocket")
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
