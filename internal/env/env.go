// Package env resolves the dev server's effective configuration from layered
// key/value sources: explicit flags, the process environment, .env files, the
// optional YAML config file and built-in defaults.
package env

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Environment variable names consulted by Resolve.
const (
	EnvServerURL     = "VITE_SERVER_URL"
	EnvBuildID       = "APP_BUILD_ID"
	EnvHost          = "DEV_HOST"
	EnvPort          = "DEV_PORT"
	EnvAllowedHosts  = "DEV_ALLOWED_HOSTS"
	EnvHMRProtocol   = "DEV_HMR_PROTOCOL"
	EnvHMRClientPort = "DEV_HMR_CLIENT_PORT"
	EnvProxyPrefix   = "DEV_PROXY_PREFIX"
	EnvProxyTimeout  = "DEV_PROXY_TIMEOUT"
	EnvProxySecure   = "DEV_PROXY_SECURE"
)

// Defaults applied when no source provides a value.
const (
	DefaultServerURL    = "http://127.0.0.1:8051"
	DefaultBuildID      = "dev"
	DefaultPort         = 5173
	DefaultProxyPrefix  = "/api"
	DefaultProxyTimeout = 30 * time.Second
)

// BaseVersion is the application version without build identifier.
// It is injected at build time using ldflags.
var BaseVersion = "0.4.1"

// HMROverride tells the browser's hot-reload client where to connect when
// that differs from the address the page was loaded from.
type HMROverride struct {
	Protocol   string `json:"protocol"`
	ClientPort int    `json:"clientPort"`
}

// EffectiveConfig is the fully validated dev server configuration. It is
// built once by Resolve and never modified afterwards.
type EffectiveConfig struct {
	BackendOrigin       *url.URL
	AppVersion          string
	BindAllInterfaces   bool
	Port                int
	AllowedHostSuffixes []string
	HMR                 *HMROverride
	ProxyPrefix         string
	ProxyTimeout        time.Duration
	VerifyUpstreamCert  bool
}

// BindHost returns the interface address the server listens on.
func (c *EffectiveConfig) BindHost() string {
	if c.BindAllInterfaces {
		return "0.0.0.0"
	}
	return "127.0.0.1"
}

// ListenAddr returns host:port for net.Listen.
func (c *EffectiveConfig) ListenAddr() string {
	return net.JoinHostPort(c.BindHost(), strconv.Itoa(c.Port))
}

// Resolve builds an EffectiveConfig from lookup. Any malformed value fails
// with an error naming the key and the offending value.
func Resolve(lookup Lookup) (*EffectiveConfig, error) {
	if lookup == nil {
		lookup = MapLookup(nil)
	}
	cfg := &EffectiveConfig{}

	backend, err := ParseBackendOrigin(get(lookup, EnvServerURL, DefaultServerURL))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", EnvServerURL, err)
	}
	cfg.BackendOrigin = backend

	cfg.AppVersion = AppVersion(lookup)

	if cfg.BindAllInterfaces, err = getBool(lookup, EnvHost, true); err != nil {
		return nil, err
	}

	if cfg.Port, err = getPort(lookup, EnvPort, DefaultPort); err != nil {
		return nil, err
	}

	if cfg.AllowedHostSuffixes, err = parseHostList(get(lookup, EnvAllowedHosts, "")); err != nil {
		return nil, fmt.Errorf("%s: %w", EnvAllowedHosts, err)
	}

	if cfg.HMR, err = resolveHMR(lookup); err != nil {
		return nil, err
	}

	prefix := strings.TrimSpace(get(lookup, EnvProxyPrefix, DefaultProxyPrefix))
	if !strings.HasPrefix(prefix, "/") {
		return nil, fmt.Errorf("%s: prefix %q must start with '/'", EnvProxyPrefix, prefix)
	}
	if len(prefix) > 1 {
		prefix = strings.TrimSuffix(prefix, "/")
	}
	cfg.ProxyPrefix = prefix

	timeoutStr := get(lookup, EnvProxyTimeout, DefaultProxyTimeout.String())
	timeout, err := time.ParseDuration(timeoutStr)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid duration %q: %w", EnvProxyTimeout, timeoutStr, err)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%s: timeout must be positive, got %q", EnvProxyTimeout, timeoutStr)
	}
	cfg.ProxyTimeout = timeout

	if cfg.VerifyUpstreamCert, err = getBool(lookup, EnvProxySecure, false); err != nil {
		return nil, err
	}

	return cfg, nil
}

// AppVersion returns BaseVersion suffixed with the build identifier from
// lookup, or with DefaultBuildID when none is set.
func AppVersion(lookup Lookup) string {
	buildID := strings.TrimSpace(get(lookup, EnvBuildID, ""))
	if buildID == "" {
		buildID = DefaultBuildID
	}
	return BaseVersion + "-" + buildID
}

// ParseBackendOrigin parses and validates an upstream origin. Only absolute
// http and https URIs with a host are accepted.
func ParseBackendOrigin(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend URL %q: scheme must be http or https", raw)
	}
	if u.Host == "" || u.Hostname() == "" {
		return nil, fmt.Errorf("invalid backend URL %q: missing host", raw)
	}
	if u.User != nil {
		return nil, fmt.Errorf("invalid backend URL %q: credentials are not supported", raw)
	}
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err != nil || n < 1 || n > 65535 {
			return nil, fmt.Errorf("invalid backend URL %q: bad port %q", raw, p)
		}
	}
	return u, nil
}

func resolveHMR(lookup Lookup) (*HMROverride, error) {
	protocol := strings.TrimSpace(get(lookup, EnvHMRProtocol, ""))
	portStr, portSet := lookup(EnvHMRClientPort)
	if protocol == "" && !portSet {
		return nil, nil
	}
	if protocol == "" {
		protocol = "ws"
	}
	if protocol != "ws" && protocol != "wss" {
		return nil, fmt.Errorf("%s: must be \"ws\" or \"wss\", got %q", EnvHMRProtocol, protocol)
	}
	defaultPort := 80
	if protocol == "wss" {
		defaultPort = 443
	}
	port := defaultPort
	if portSet && strings.TrimSpace(portStr) != "" {
		var err error
		if port, err = getPort(lookup, EnvHMRClientPort, defaultPort); err != nil {
			return nil, err
		}
	}
	return &HMROverride{Protocol: protocol, ClientPort: port}, nil
}

func parseHostList(raw string) ([]string, error) {
	var hosts []string
	seen := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		h := strings.ToLower(strings.TrimSpace(part))
		if h == "" {
			continue
		}
		if strings.Contains(h, "*") {
			return nil, fmt.Errorf("wildcard host %q not supported, use a leading dot for suffix matching", part)
		}
		if strings.ContainsAny(h, "/:") {
			return nil, fmt.Errorf("host %q must be a bare hostname or .suffix", part)
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		hosts = append(hosts, h)
	}
	return hosts, nil
}

// get treats a blank value like an unset one.
func get(lookup Lookup, key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func getBool(lookup Lookup, key string, fallback bool) (bool, error) {
	value, ok := lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", key, value)
	}
	return b, nil
}

func getPort(lookup Lookup, key string, fallback int) (int, error) {
	value, ok := lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("%s: invalid port %q", key, value)
	}
	return n, nil
}
