package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a YAML configuration file at path.
// If path does not exist or is empty, it returns an empty File with no errors.
// If the YAML is malformed, it returns nil with a parse error.
// For validation errors, it returns a usable File with invalid entries stripped
// plus errors describing what was removed.
func Load(path string) (*File, []error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &File{}, nil
		}
		return nil, []error{fmt.Errorf("failed to read config file: %w", err)}
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return &File{}, nil
	}

	var cfg File
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, []error{fmt.Errorf("failed to parse config YAML: %w", err)}
	}

	var validationErrors []error

	// Allowed hosts: no wildcards, no schemes or paths, no duplicates
	validHosts := make([]string, 0, len(cfg.AllowedHosts))
	seenHosts := make(map[string]struct{}, len(cfg.AllowedHosts))
	for i, h := range cfg.AllowedHosts {
		host := strings.ToLower(strings.TrimSpace(h))
		switch {
		case host == "":
			validationErrors = append(validationErrors, fmt.Errorf("allowedHosts[%d]: empty entry", i))
			continue
		case strings.Contains(host, "*"):
			validationErrors = append(validationErrors, fmt.Errorf("allowedHosts[%d]: wildcard %q not supported, use a leading dot for suffix matching", i, h))
			continue
		case strings.ContainsAny(host, "/:"):
			validationErrors = append(validationErrors, fmt.Errorf("allowedHosts[%d]: %q must be a bare hostname or .suffix", i, h))
			continue
		}
		if _, dup := seenHosts[host]; dup {
			validationErrors = append(validationErrors, fmt.Errorf("allowedHosts[%d]: duplicate entry %q", i, h))
			continue
		}
		seenHosts[host] = struct{}{}
		validHosts = append(validHosts, host)
	}
	cfg.AllowedHosts = validHosts

	if cfg.Port < 0 || cfg.Port > 65535 {
		validationErrors = append(validationErrors, fmt.Errorf("port: %d out of range", cfg.Port))
		cfg.Port = 0
	}

	if cfg.HMR != nil {
		p := strings.TrimSpace(cfg.HMR.Protocol)
		if p != "" && p != "ws" && p != "wss" {
			validationErrors = append(validationErrors, fmt.Errorf("hmr.protocol: must be \"ws\" or \"wss\", got %q", cfg.HMR.Protocol))
			cfg.HMR = nil
		} else if cfg.HMR.ClientPort < 0 || cfg.HMR.ClientPort > 65535 {
			validationErrors = append(validationErrors, fmt.Errorf("hmr.clientPort: %d out of range", cfg.HMR.ClientPort))
			cfg.HMR = nil
		}
	}

	return &cfg, validationErrors
}
