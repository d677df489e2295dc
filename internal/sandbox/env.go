package sandbox

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// DefaultAllowedEnv lists the host variables forwarded to direct commands.
// Everything else in the parent environment is dropped.
var DefaultAllowedEnv = []string{
	"PATH", "HOME", "USER", "LOGNAME", "SHELL", "TMPDIR", "TZ",
	"GOPATH", "GOROOT", "GOCACHE", "GOMODCACHE", "GOFLAGS", "GOPROXY",
	"CARGO_HOME", "RUSTUP_HOME", "JAVA_HOME", "NVM_DIR", "NODE_PATH",
	"PYTHONPATH", "VIRTUAL_ENV",
	"XDG_CACHE_HOME", "XDG_CONFIG_HOME", "XDG_DATA_HOME",
	"HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY", "http_proxy", "https_proxy", "no_proxy",
	"SSL_CERT_FILE", "SSL_CERT_DIR",
}

// ForcedEnv is injected into every command, direct or containerised,
// overriding inherited values.
var ForcedEnv = map[string]string{
	"NO_COLOR":            "1",
	"TERM":                "dumb",
	"CI":                  "true",
	"HISTFILE":            "/dev/null",
	"DEBIAN_FRONTEND":     "noninteractive",
	"npm_config_yes":      "true",
	"PIP_NO_INPUT":        "1",
	"GIT_TERMINAL_PROMPT": "0",
	"PAGER":               "cat",
	"LC_ALL":              "C.UTF-8",
	"LANG":                "C.UTF-8",
}

// DefaultSecretPatterns are the value shapes treated as credentials.
var DefaultSecretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),                            // AWS access key ID
	regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]{20,}`),                              // Anthropic
	regexp.MustCompile(`\bsk-(?:proj-)?[A-Za-z0-9_-]{20,}`),                        // OpenAI
	regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}\b`),                                // Google API key
	regexp.MustCompile(`\b(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36,}\b`),             // GitHub token
	regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{22,}`),                           // GitHub fine-grained token
	regexp.MustCompile(`\bxox[abprs]-[A-Za-z0-9-]{10,}`),                           // Slack
	regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]+`), // JWT
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),                       // PEM private key
	regexp.MustCompile(`\b[0-9a-fA-F]{64}\b`),                                      // 64-hex blob
}

// LooksLikeSecret reports whether value matches any of patterns.
func LooksLikeSecret(value string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(value) {
			return true
		}
	}
	return false
}

// CompileSecretPatterns returns the defaults followed by the compiled extras.
func CompileSecretPatterns(extra []string) ([]*regexp.Regexp, error) {
	patterns := append([]*regexp.Regexp(nil), DefaultSecretPatterns...)
	for _, expr := range extra {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compiling secret pattern %q: %w", expr, err)
		}
		patterns = append(patterns, re)
	}
	return patterns, nil
}

// EnvFilter builds child environments.
type EnvFilter struct {
	allowed  map[string]bool
	patterns []*regexp.Regexp
}

// NewEnvFilter creates a filter forwarding the given names. Nil patterns
// mean DefaultSecretPatterns.
func NewEnvFilter(allowed []string, patterns []*regexp.Regexp) *EnvFilter {
	if patterns == nil {
		patterns = DefaultSecretPatterns
	}
	set := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		set[name] = true
	}
	return &EnvFilter{allowed: set, patterns: patterns}
}

// Build returns the sorted KEY=value list for a direct child process:
// allowlisted parent variables, then request overrides, then ForcedEnv.
// Secret-shaped values are dropped at every layer except ForcedEnv.
func (f *EnvFilter) Build(parent []string, overrides map[string]string) []string {
	env := make(map[string]string)
	for _, kv := range parent {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !f.allowed[name] {
			continue
		}
		f.put(env, name, value)
	}
	return f.finish(env, overrides)
}

// Container returns the environment for a containerised command. The host
// environment is never forwarded into containers.
func (f *EnvFilter) Container(overrides map[string]string) []string {
	return f.finish(map[string]string{}, overrides)
}

func (f *EnvFilter) finish(env map[string]string, overrides map[string]string) []string {
	for name, value := range overrides {
		if !validEnvName(name) {
			continue
		}
		f.put(env, name, value)
	}
	for name, value := range ForcedEnv {
		env[name] = value
	}
	out := make([]string, 0, len(env))
	for name, value := range env {
		out = append(out, name+"="+value)
	}
	sort.Strings(out)
	return out
}

func (f *EnvFilter) put(env map[string]string, name, value string) {
	if LooksLikeSecret(value, f.patterns) {
		delete(env, name)
		return
	}
	env[name] = stripControl(value)
}

func validEnvName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// stripControl removes C0, DEL and C1 control characters.
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || (r >= 0x80 && r <= 0x9f) {
			return -1
		}
		return r
	}, s)
}
