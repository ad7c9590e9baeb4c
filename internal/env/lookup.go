package env

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/rathix/spa-devkit/internal/config"
)

// Lookup returns the value for key and whether it was set.
type Lookup func(key string) (string, bool)

// OSLookup reads the process environment.
func OSLookup() Lookup {
	return os.LookupEnv
}

// MapLookup serves values from m. A nil map yields an empty source.
func MapLookup(m map[string]string) Lookup {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

// Chain consults lookups in order and returns the first hit.
func Chain(lookups ...Lookup) Lookup {
	return func(key string) (string, bool) {
		for _, l := range lookups {
			if l == nil {
				continue
			}
			if v, ok := l(key); ok {
				return v, true
			}
		}
		return "", false
	}
}

// DotEnvFiles lists the dotenv files read from a project directory, highest
// priority first.
var DotEnvFiles = []string{".env.local", ".env"}

// DotEnvLookup reads DotEnvFiles from dir. Missing files are skipped; a file
// that exists but cannot be parsed is an error.
func DotEnvLookup(dir string) (Lookup, error) {
	var lookups []Lookup
	for _, name := range DotEnvFiles {
		path := filepath.Join(dir, name)
		values, err := godotenv.Read(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		lookups = append(lookups, MapLookup(values))
	}
	return Chain(lookups...), nil
}

// FileLookup maps a parsed YAML config file onto the environment keys
// understood by Resolve.
func FileLookup(f *config.File) Lookup {
	if f == nil {
		return MapLookup(nil)
	}
	m := make(map[string]string)
	if f.Backend != "" {
		m[EnvServerURL] = f.Backend
	}
	if f.BuildID != "" {
		m[EnvBuildID] = f.BuildID
	}
	if f.Host != nil {
		m[EnvHost] = strconv.FormatBool(*f.Host)
	}
	if f.Port != 0 {
		m[EnvPort] = strconv.Itoa(f.Port)
	}
	if len(f.AllowedHosts) > 0 {
		m[EnvAllowedHosts] = strings.Join(f.AllowedHosts, ",")
	}
	if f.HMR != nil {
		if f.HMR.Protocol != "" {
			m[EnvHMRProtocol] = f.HMR.Protocol
		}
		if f.HMR.ClientPort != 0 {
			m[EnvHMRClientPort] = strconv.Itoa(f.HMR.ClientPort)
		}
	}
	if f.Proxy.Prefix != "" {
		m[EnvProxyPrefix] = f.Proxy.Prefix
	}
	if f.Proxy.Timeout != "" {
		m[EnvProxyTimeout] = f.Proxy.Timeout
	}
	if f.Proxy.Secure != nil {
		m[EnvProxySecure] = strconv.FormatBool(*f.Proxy.Secure)
	}
	return MapLookup(m)
}
