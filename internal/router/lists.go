package router

import (
	"fmt"

	"github.com/gobwas/glob"
)

// DefaultNeverSandbox are commands that only read the working tree. They
// always run directly, even inside a subshell.
var DefaultNeverSandbox = []string{
	"ls", "pwd", "echo", "printf", "cat", "head", "tail", "less", "wc",
	"grep", "egrep", "fgrep", "rg", "ag", "sort", "uniq", "cut", "tr", "diff",
	"stat", "file", "tree", "du", "df", "which", "whoami", "id", "date",
	"uname", "hostname", "basename", "dirname", "realpath", "readlink",
	"true", "false", "test", "cd", "sleep", "seq", "jq", "yq",
}

// DefaultAlwaysSandbox are package managers, build systems and language
// runtimes: anything that can run arbitrary third-party code.
var DefaultAlwaysSandbox = []string{
	"npm", "npx", "yarn", "pnpm", "bun", "bunx", "deno", "node",
	"pip", "pip3*", "pipx", "poetry", "uv", "uvx", "python", "python3*", "conda",
	"cargo", "rustc", "go", "make", "cmake", "ninja", "bazel",
	"mvn", "gradle", "gradlew", "java", "dotnet",
	"gem", "bundle", "ruby", "rake", "composer", "php",
	"apt", "apt-get", "apk", "brew", "dnf", "yum",
}

// packageManagers need the network for dependency resolution.
var packageManagers = map[string]bool{
	"npm": true, "npx": true, "yarn": true, "pnpm": true, "bun": true, "bunx": true,
	"pip": true, "pip3": true, "pipx": true, "poetry": true, "uv": true, "uvx": true,
	"conda": true, "cargo": true, "go": true, "mvn": true, "gradle": true,
	"dotnet": true, "gem": true, "bundle": true, "composer": true,
	"apt": true, "apt-get": true, "apk": true, "brew": true, "dnf": true, "yum": true,
}

// networkVerbs are the package manager sub-commands that fetch.
var networkVerbs = map[string]bool{
	"install": true, "i": true, "add": true, "ci": true, "update": true,
	"upgrade": true, "up": true, "get": true, "download": true, "fetch": true,
	"sync": true, "restore": true, "mod": true, "require": true, "exec": true,
	"dlx": true, "lock": true, "create": true, "init": true,
}

// needsNetwork reports whether a package manager invocation fetches
// dependencies. npx-style runners always fetch.
func needsNetwork(name string, args []string) bool {
	if !packageManagers[name] {
		return false
	}
	switch name {
	case "npx", "bunx", "uvx", "pipx":
		return true
	}
	for _, a := range args {
		if len(a) > 0 && a[0] == '-' {
			continue
		}
		return networkVerbs[a]
	}
	return false
}

// nameList matches command names against compiled glob patterns.
type nameList struct {
	globs []glob.Glob
}

func compileList(defaults, extra []string) (*nameList, error) {
	l := &nameList{globs: make([]glob.Glob, 0, len(defaults)+len(extra))}
	for _, p := range append(append([]string(nil), defaults...), extra...) {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compiling command pattern %q: %w", p, err)
		}
		l.globs = append(l.globs, g)
	}
	return l, nil
}

func (l *nameList) Match(name string) bool {
	for _, g := range l.globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}
