package recovery

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/jkaninda/cmdguard/internal/config"
)

// DefaultFixRules are the built-in error-to-fix mappings. Config rules are
// tried first.
var DefaultFixRules = []config.FixRule{
	{Match: `npm (?:ERR!|error) code ERESOLVE`, Fix: `{{.Command}} --legacy-peer-deps`},
	{Match: `npm (?:ERR!|error) .*can only install packages when your package\.json and package-lock\.json`, Fix: `{{replace .Command "npm ci" "npm install"}}`},
	{Match: `(?m)^(?:sh: )?(?:\d+: )?python: (?:command )?not found`, Fix: `{{replace .Command "python " "python3 "}}`},
	{Match: `(?m)^(?:sh: )?(?:\d+: )?pip: (?:command )?not found`, Fix: `{{replace .Command "pip " "pip3 "}}`},
	{Match: `go: updates to go\.mod needed|missing go\.sum entry`, Fix: `go mod tidy && {{.Command}}`},
}

// fixData is the template context of a fix rule.
type fixData struct {
	Command string   // The original command.
	Groups  []string // Submatches of the rule's pattern, Groups[0] is the full match.
}

var templateFuncs = template.FuncMap{
	"replace": func(s, from, to string) string { return strings.Replace(s, from, to, 1) },
	"trim":    strings.TrimSpace,
}

type fixRule struct {
	match *regexp.Regexp
	fix   *template.Template
}

// PatternStrategy proposes fixes by matching the failure output against an
// ordered list of regex rules. The first matching rule wins.
type PatternStrategy struct {
	rules []fixRule
}

// NewPatternStrategy compiles rules followed by DefaultFixRules.
func NewPatternStrategy(rules []config.FixRule) (*PatternStrategy, error) {
	all := append(append([]config.FixRule(nil), rules...), DefaultFixRules...)
	s := &PatternStrategy{rules: make([]fixRule, 0, len(all))}
	for i, r := range all {
		re, err := regexp.Compile(r.Match)
		if err != nil {
			return nil, fmt.Errorf("fix rule %d: compiling match %q: %w", i, r.Match, err)
		}
		tmpl, err := template.New(fmt.Sprintf("fix-%d", i)).Funcs(templateFuncs).Option("missingkey=error").Parse(r.Fix)
		if err != nil {
			return nil, fmt.Errorf("fix rule %d: parsing template: %w", i, err)
		}
		s.rules = append(s.rules, fixRule{match: re, fix: tmpl})
	}
	return s, nil
}

// ProposeFix renders the first rule whose pattern matches errorOutput. A
// rendered fix identical to the command is not a fix.
func (s *PatternStrategy) ProposeFix(_ context.Context, command, errorOutput string) (string, bool) {
	for _, r := range s.rules {
		groups := r.match.FindStringSubmatch(errorOutput)
		if groups == nil {
			continue
		}
		var sb strings.Builder
		if err := r.fix.Execute(&sb, fixData{Command: command, Groups: groups}); err != nil {
			continue
		}
		fix := strings.TrimSpace(sb.String())
		if fix == "" || fix == strings.TrimSpace(command) {
			continue
		}
		return fix, true
	}
	return "", false
}
