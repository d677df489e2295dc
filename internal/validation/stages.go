package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"

	"github.com/jkaninda/cmdguard/internal/classifier"
)

// Stage names, in evaluation order.
const (
	StageControlCharacters = "control-characters"
	StageANSIEscape        = "ansi-escape"
	StageShellBypass       = "shell-bypass"
	StageCommandBlocklist  = "command-blocklist"
	StagePatternBlocklist  = "pattern-blocklist"
	StageProtectedPath     = "protected-path"
	StageDangerousCommand  = "dangerous-command"
)

// ReasonUnparseable is the denial reason for input the shell grammar rejects.
const ReasonUnparseable = "command could not be parsed for analysis"

// DefaultStages returns the seven built-in stages configured with opts.
func DefaultStages(opts Options) ([]Stage, error) {
	patterns, err := compilePatterns(opts.ExtraBlockedPatterns)
	if err != nil {
		return nil, err
	}

	extraBlocked := make(map[string]bool, len(opts.ExtraBlockedCommands))
	for _, name := range opts.ExtraBlockedCommands {
		if n := classifier.NormalizeName(name); n != "" {
			extraBlocked[n] = true
		}
	}

	paths := append([]string(nil), protectedPaths...)
	for _, p := range opts.ExtraProtectedPaths {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, strings.ToLower(p))
		}
	}

	return []Stage{
		{Name: StageControlCharacters, Check: checkControlCharacters},
		{Name: StageANSIEscape, Check: checkANSIEscape},
		{Name: StageShellBypass, Check: checkShellBypass},
		{Name: StageCommandBlocklist, Check: commandBlocklist(extraBlocked)},
		{Name: StagePatternBlocklist, Check: patternBlocklist(patterns)},
		{Name: StageProtectedPath, Check: protectedPath(paths)},
		{Name: StageDangerousCommand, Check: dangerousCommand(opts.FailOpenOnParseError)},
	}, nil
}

// --- control-characters ---

func checkControlCharacters(raw string) (string, bool) {
	if !utf8.ValidString(raw) {
		return "command is not valid UTF-8", true
	}
	for _, r := range raw {
		switch {
		case r == '\t' || r == '\n':
		case r == 0x1b || r == 0x9b:
			// Escape introducers get a specific reason from the ansi stage.
		case r < 0x20 || r == 0x7f || (r >= 0x80 && r <= 0x9f):
			return fmt.Sprintf("control character U+%04X is not allowed", r), true
		case isInvisibleFormat(r):
			return fmt.Sprintf("invisible formatting character U+%04X is not allowed", r), true
		}
	}
	return "", false
}

// isInvisibleFormat matches zero-width and bidirectional override runes that
// make a command display differently from what the shell executes.
func isInvisibleFormat(r rune) bool {
	return (r >= 0x200b && r <= 0x200f) ||
		(r >= 0x202a && r <= 0x202e) ||
		(r >= 0x2066 && r <= 0x2069) ||
		r == 0xfeff
}

// --- ansi-escape ---

var textualEscapes = []string{`\x1b[`, `\033[`, `\e[`, `\u001b[`, `\x1b]`, `\033]`, `\e]`}

func checkANSIEscape(raw string) (string, bool) {
	if strings.ContainsRune(raw, 0x1b) {
		return "ANSI escape sequence (ESC) is not allowed", true
	}
	if strings.ContainsRune(raw, 0x9b) {
		return "ANSI control sequence introducer is not allowed", true
	}
	printable := strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' {
			return -1
		}
		return r
	}, raw)
	if ansi.Strip(printable) != printable {
		return "ANSI escape sequence is not allowed", true
	}
	lower := strings.ToLower(raw)
	for _, esc := range textualEscapes {
		if strings.Contains(lower, esc) {
			return fmt.Sprintf("encoded terminal escape %q is not allowed", esc), true
		}
	}
	return "", false
}

// --- shell-bypass ---

func checkShellBypass(raw string) (string, bool) {
	f, err := classifier.Inspect(raw)
	if err != nil {
		return scanBypass(raw)
	}
	switch {
	case f.Chained:
		return "command chaining (;, &&, ||, newline or compound commands) is not allowed", true
	case f.ShellPipe != "":
		return fmt.Sprintf("piping into the %s interpreter is not allowed", f.ShellPipe), true
	case f.ProcessSubst:
		return "process substitution is not allowed", true
	case f.HereString:
		return "here-strings (<<<) are not allowed", true
	case f.Background:
		return "background execution (&) is not allowed", true
	}
	return "", false
}

var shellPipeRe = regexp.MustCompile(`\|\s*(?:(?:sudo|env|exec|command|xargs)\s+(?:-\S+\s+)*)?(?:\S*/)?(?:ba|z|da|k|mk|a|c|tc)?sh\b|\|\s*(?:(?:sudo|env|xargs)\s+)?(?:\S*/)?(?:fish|eval|source|python[0-9.]*|perl|ruby|node|php)\b`)

// scanBypass is the fallback for input the grammar rejects. It works on
// the raw text and over-approximates: quoted operators still count.
func scanBypass(raw string) (string, bool) {
	switch {
	case strings.Contains(raw, "&&"), strings.Contains(raw, "||"),
		strings.Contains(raw, ";"), strings.Contains(strings.TrimSpace(raw), "\n"):
		return "command chaining (;, &&, || or newline) is not allowed", true
	case shellPipeRe.MatchString(raw):
		return "piping into a shell interpreter is not allowed", true
	case strings.Contains(raw, "<("), strings.Contains(raw, ">("):
		return "process substitution is not allowed", true
	case strings.Contains(raw, "<<<"):
		return "here-strings (<<<) are not allowed", true
	}
	return "", false
}

// --- command-blocklist ---

func commandBlocklist(extra map[string]bool) func(string) (string, bool) {
	blocked := func(name string) bool {
		return classifier.IsBlocked(name) || extra[name]
	}
	return func(raw string) (string, bool) {
		parsed, err := classifier.Parse(raw)
		if err != nil {
			if name := firstWord(raw); name != "" && blocked(name) {
				return fmt.Sprintf("%s is on the command blocklist", name), true
			}
			return "", false
		}
		for _, sub := range parsed.SubCommands {
			if sub.IsSubshell {
				continue
			}
			for _, name := range []string{sub.Name, classifier.Unwrap(sub).Name} {
				if blocked(name) {
					return fmt.Sprintf("%s is on the command blocklist", name), true
				}
			}
		}
		return "", false
	}
}

// firstWord returns the normalised first command word of raw, skipping
// leading NAME=value assignments.
func firstWord(raw string) string {
	for _, w := range strings.Fields(raw) {
		if i := strings.IndexByte(w, '='); i > 0 && !strings.ContainsAny(w[:i], `/\'"`) {
			continue
		}
		return classifier.NormalizeName(strings.Trim(w, `'"(`))
	}
	return ""
}

// --- pattern-blocklist ---

type blockedPattern struct {
	re     *regexp.Regexp
	reason string
}

var defaultPatterns = []blockedPattern{
	{regexp.MustCompile(`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}`), "fork bomb"},
	{regexp.MustCompile(`\b\w+\s*\(\s*\)\s*\{[^}]*\|[^}]*&[^}]*\}\s*;`), "fork bomb"},
	{regexp.MustCompile(`\brm\s+(?:-{1,2}[\w-]+\s+)*(?:/\*?|~/?\*?|\$\{?HOME\}?/?\*?)(?:\s|$)`), "recursive delete of the root or home directory"},
	{regexp.MustCompile(`>\s*/dev/(?:sd|hd|vd|xvd|nvme|mmcblk|disk)\w*`), "raw write to a block device"},
	{regexp.MustCompile(`\bdd\b[^|;&]*\bof=/dev/`), "dd onto a device"},
	{regexp.MustCompile(`\bchmod\s+(?:-\S+\s+)*0?777\s+(?:-\S+\s+)*/(?:\*|\s|$)`), "world-writable permissions on the root directory"},
	{regexp.MustCompile(`\bmv\b[^|;&]*\s/dev/null(?:\s|$)`), "moving files into /dev/null"},
	{regexp.MustCompile(`\bhistory\s+-c\b`), "shell history wipe"},
	{regexp.MustCompile(`(?:>|\brm\s+(?:-\S+\s+)*)\s*\S*\.(?:bash|zsh|sh)_history\b`), "shell history wipe"},
	{regexp.MustCompile(`\bcrontab\s+(?:-\S+\s+)*-r\b`), "crontab removal"},
}

func compilePatterns(extra []string) ([]blockedPattern, error) {
	patterns := append([]blockedPattern(nil), defaultPatterns...)
	for _, expr := range extra {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compiling blocked pattern %q: %w", expr, err)
		}
		patterns = append(patterns, blockedPattern{re: re, reason: "matches blocked pattern " + expr})
	}
	return patterns, nil
}

func patternBlocklist(patterns []blockedPattern) func(string) (string, bool) {
	return func(raw string) (string, bool) {
		for _, p := range patterns {
			if p.re.MatchString(raw) {
				return "blocked pattern: " + p.reason, true
			}
		}
		return "", false
	}
}

// --- protected-path ---

var protectedPaths = []string{
	"/etc/shadow",
	"/etc/gshadow",
	"/etc/sudoers",
	".ssh/",
	"/.ssh",
	"id_rsa",
	"id_ecdsa",
	"id_ed25519",
	".aws/credentials",
	".gnupg",
	".kube/config",
	".docker/config.json",
	".netrc",
	".git-credentials",
}

func protectedPath(paths []string) func(string) (string, bool) {
	return func(raw string) (string, bool) {
		lower := strings.ToLower(raw)
		for _, p := range paths {
			if strings.Contains(lower, p) {
				return fmt.Sprintf("access to protected path %s is not allowed", p), true
			}
		}
		return "", false
	}
}

// --- dangerous-command ---

func dangerousCommand(failOpen bool) func(string) (string, bool) {
	return func(raw string) (string, bool) {
		parsed, err := classifier.Parse(raw)
		if err != nil {
			if failOpen {
				return "", false
			}
			return ReasonUnparseable, true
		}
		for _, sub := range parsed.SubCommands {
			level, why := classifier.Danger(sub)
			if level != classifier.Forbidden {
				continue
			}
			if sub.IsSubshell {
				why += " (inside a subshell)"
			}
			return why, true
		}
		return "", false
	}
}
