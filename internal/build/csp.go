package build

import (
	"fmt"
	"regexp"
	"strings"
)

// Directive is one CSP directive and its source tokens.
type Directive struct {
	Name   string
	Tokens []string
}

// CSP is an ordered list of directives. Order is preserved when rendered.
type CSP []Directive

// sourceListDirectives take a CSP source list.
var sourceListDirectives = map[string]bool{
	"default-src":     true,
	"child-src":       true,
	"connect-src":     true,
	"font-src":        true,
	"frame-src":       true,
	"img-src":         true,
	"manifest-src":    true,
	"media-src":       true,
	"object-src":      true,
	"script-src":      true,
	"script-src-elem": true,
	"script-src-attr": true,
	"style-src":       true,
	"style-src-elem":  true,
	"style-src-attr":  true,
	"worker-src":      true,
	"base-uri":        true,
	"form-action":     true,
	"frame-ancestors": true,
}

// otherDirectives are valid but do not take a source list.
var otherDirectives = map[string]bool{
	"sandbox":                   true,
	"report-uri":                true,
	"report-to":                 true,
	"upgrade-insecure-requests": true,
	"require-trusted-types-for": true,
	"trusted-types":             true,
}

var keywords = map[string]bool{
	"'self'":             true,
	"'none'":             true,
	"'unsafe-inline'":    true,
	"'unsafe-eval'":      true,
	"'strict-dynamic'":   true,
	"'wasm-unsafe-eval'": true,
	"'unsafe-hashes'":    true,
	"'report-sample'":    true,
}

// relaxedOnly may appear in script directives only in a relaxed profile.
var relaxedOnly = map[string]bool{
	"'unsafe-inline'": true,
	"'unsafe-eval'":   true,
	"blob:":           true,
}

var (
	nonceSource  = regexp.MustCompile(`^'nonce-[A-Za-z0-9+/_-]+={0,2}'$`)
	hashSource   = regexp.MustCompile(`^'sha(256|384|512)-[A-Za-z0-9+/_-]+={0,2}'$`)
	schemeSource = regexp.MustCompile(`^[a-z][a-z0-9+.-]*:$`)
	hostSource   = regexp.MustCompile(`^([a-z][a-z0-9+.-]*://)?[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)*(:[0-9]{1,5})?(/[^\s;,]*)?$`)
)

// Validate checks every directive and token and returns a normalized copy:
// names lowercased, bare keywords quoted, duplicate tokens dropped.
// relaxed permits 'unsafe-inline', 'unsafe-eval' and blob: in script
// directives.
func (c CSP) Validate(relaxed bool) (CSP, error) {
	out := make(CSP, 0, len(c))
	seen := make(map[string]bool, len(c))
	hasScriptSrc := false

	for _, d := range c {
		name := strings.ToLower(strings.TrimSpace(d.Name))
		if !sourceListDirectives[name] && !otherDirectives[name] {
			return nil, fmt.Errorf("unknown CSP directive %q", d.Name)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate CSP directive %q", name)
		}
		seen[name] = true

		tokens, err := normalizeTokens(name, d.Tokens, relaxed)
		if err != nil {
			return nil, err
		}
		if name == "script-src" {
			hasScriptSrc = true
			if !contains(tokens, "'self'") {
				return nil, fmt.Errorf("CSP script-src must include 'self', got %q", strings.Join(tokens, " "))
			}
		}
		out = append(out, Directive{Name: name, Tokens: tokens})
	}

	if len(out) > 0 && !hasScriptSrc {
		return nil, fmt.Errorf("CSP must declare script-src")
	}
	return out, nil
}

func normalizeTokens(directive string, raw []string, relaxed bool) ([]string, error) {
	tokens := make([]string, 0, len(raw))
	for _, tok := range raw {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if strings.Contains(tok, "*") {
			return nil, fmt.Errorf("CSP %s: wildcard token %q is not allowed", directive, tok)
		}
		if strings.ContainsAny(tok, ";,\"") {
			return nil, fmt.Errorf("CSP %s: invalid token %q", directive, tok)
		}

		if sourceListDirectives[directive] {
			norm, err := normalizeSource(tok)
			if err != nil {
				return nil, fmt.Errorf("CSP %s: %w", directive, err)
			}
			tok = norm
			if relaxedOnly[tok] && isScriptDirective(directive) && !relaxed {
				return nil, fmt.Errorf("CSP %s: %s is only allowed in the relaxed profile", directive, tok)
			}
		}

		if !contains(tokens, tok) {
			tokens = append(tokens, tok)
		}
	}

	if sourceListDirectives[directive] {
		if len(tokens) == 0 {
			return nil, fmt.Errorf("CSP %s: empty source list", directive)
		}
		if contains(tokens, "'none'") && len(tokens) > 1 {
			return nil, fmt.Errorf("CSP %s: 'none' cannot be combined with other sources", directive)
		}
	}
	return tokens, nil
}

func normalizeSource(tok string) (string, error) {
	lower := strings.ToLower(tok)
	if keywords["'"+lower+"'"] {
		return "'" + lower + "'", nil
	}
	switch {
	case keywords[lower]:
		return lower, nil
	case nonceSource.MatchString(tok), hashSource.MatchString(tok):
		return tok, nil
	case schemeSource.MatchString(lower):
		return lower, nil
	case strings.HasPrefix(tok, "'"):
		return "", fmt.Errorf("unknown keyword %s", tok)
	case hostSource.MatchString(lower):
		return lower, nil
	}
	return "", fmt.Errorf("invalid source %q", tok)
}

func isScriptDirective(name string) bool {
	return name == "script-src" || name == "script-src-elem" || name == "script-src-attr"
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Directive returns the tokens of the named directive.
func (c CSP) Directive(name string) ([]string, bool) {
	for _, d := range c {
		if d.Name == name {
			return d.Tokens, true
		}
	}
	return nil, false
}

// Header renders the policy as a Content-Security-Policy header value.
func (c CSP) Header() string {
	parts := make([]string, 0, len(c))
	for _, d := range c {
		if len(d.Tokens) == 0 {
			parts = append(parts, d.Name)
			continue
		}
		parts = append(parts, d.Name+" "+strings.Join(d.Tokens, " "))
	}
	return strings.Join(parts, "; ")
}

var attrEscaper = strings.NewReplacer(`&`, "&amp;", `"`, "&quot;", `<`, "&lt;", `>`, "&gt;")

// MetaTag renders the policy as an http-equiv meta element.
func (c CSP) MetaTag() string {
	return `<meta http-equiv="content-security-policy" content="` + attrEscaper.Replace(c.Header()) + `">`
}
