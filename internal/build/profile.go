// Package build selects a build profile and emits the deployable static tree
// from the bundler's output: content-hashed names, inlined small assets,
// a Content-Security-Policy and optional precompressed siblings.
package build

import (
	"fmt"
	"strings"
)

// ProfileID names a build profile.
type ProfileID string

const (
	// StrictLocal is the default local build: strict output checks and a
	// same-origin script policy, written to build/.
	StrictLocal ProfileID = "strict-local"
	// RelaxedTunnel is the tunneled/runtime build, written to dist/. Its CSP
	// is off unless Options.RelaxedCSP is set.
	RelaxedTunnel ProfileID = "relaxed-tunnel"
)

// Profile-independent thresholds.
const (
	InlineThresholdBytes      = 4096
	InlineStyleThresholdBytes = 1024
	ChunkSizeWarningBytes     = 1_000_000
)

// DefaultNamingPattern places every emitted build artifact under the
// immutable cache prefix.
const DefaultNamingPattern = "_app/immutable/[kind]/[name].[hash].[ext]"

// RelaxedScriptTokens are the script-src tokens the relaxed policy adds to
// 'self'.
var RelaxedScriptTokens = []string{"'unsafe-inline'", "'unsafe-eval'", "blob:"}

// Options tweak profile selection.
type Options struct {
	// RelaxedCSP enables the loosened script policy on RelaxedTunnel,
	// for bundles that compile WebAssembly or evaluate generated code.
	RelaxedCSP bool
}

// Profile is the resolved build configuration.
type Profile struct {
	ID                        ProfileID
	OutputDir                 string
	FallbackDocument          string
	Compress                  bool
	StrictOutputCheck         bool
	CSP                       CSP // nil when disabled
	InlineThresholdBytes      int
	InlineStyleThresholdBytes int
	ChunkSizeWarningBytes     int
	ChunkNamingPattern        string
}

// Relaxed reports whether the profile allows the relaxed script tokens.
func (p Profile) Relaxed() bool {
	return p.ID == RelaxedTunnel
}

// ProfileIDs lists the known profiles in display order.
func ProfileIDs() []ProfileID {
	return []ProfileID{StrictLocal, RelaxedTunnel}
}

// ParseProfileID validates a profile name.
func ParseProfileID(s string) (ProfileID, error) {
	id := ProfileID(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range ProfileIDs() {
		if id == known {
			return id, nil
		}
	}
	names := make([]string, 0, len(ProfileIDs()))
	for _, known := range ProfileIDs() {
		names = append(names, string(known))
	}
	return "", fmt.Errorf("unknown build profile %q (want one of %s)", s, strings.Join(names, ", "))
}

// Select returns the profile for id. The returned CSP has already been
// validated against the profile.
func Select(id ProfileID, opts Options) (Profile, error) {
	p := Profile{
		ID:                        id,
		FallbackDocument:          "index.html",
		InlineThresholdBytes:      InlineThresholdBytes,
		InlineStyleThresholdBytes: InlineStyleThresholdBytes,
		ChunkSizeWarningBytes:     ChunkSizeWarningBytes,
		ChunkNamingPattern:        DefaultNamingPattern,
	}

	switch id {
	case StrictLocal:
		if opts.RelaxedCSP {
			return Profile{}, fmt.Errorf("relaxed CSP is not allowed with build profile %q", id)
		}
		p.OutputDir = "build"
		p.Compress = true
		p.StrictOutputCheck = true
		p.CSP = CSP{{Name: "script-src", Tokens: []string{"'self'"}}}
	case RelaxedTunnel:
		p.OutputDir = "dist"
		if opts.RelaxedCSP {
			tokens := append([]string{"'self'"}, RelaxedScriptTokens...)
			p.CSP = CSP{{Name: "script-src", Tokens: tokens}}
		}
	default:
		return Profile{}, fmt.Errorf("unknown build profile %q", id)
	}

	if p.CSP != nil {
		csp, err := p.CSP.Validate(p.Relaxed())
		if err != nil {
			return Profile{}, fmt.Errorf("build profile %q: %w", id, err)
		}
		p.CSP = csp
	}
	return p, nil
}
