// Package classifier parses raw shell command strings into sub-commands
// and reports the shell features that defeat static analysis.
//
// Parsing uses the mvdan.cc/sh Bash grammar. Every function in this package
// is pure: no I/O, no logging, no global mutable state.
package classifier

import (
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
	"mvdan.cc/sh/v3/syntax"
)

// SubCommand is one segment of a compound shell command.
type SubCommand struct {
	Name       string   `json:"name"`
	Args       []string `json:"args,omitempty"`
	IsSubshell bool     `json:"is_subshell"`
	IsPiped    bool     `json:"is_piped"`
}

// ParsedCommand is the ordered list of sub-commands found in a command string.
// An empty list means the input was blank or could not be parsed; callers
// must treat it as "unknown", never as "safe".
type ParsedCommand struct {
	SubCommands []SubCommand `json:"sub_commands"`
}

// Empty reports whether no sub-commands were found.
func (p ParsedCommand) Empty() bool { return len(p.SubCommands) == 0 }

// Names returns the base command names in order.
func (p ParsedCommand) Names() []string {
	names := make([]string, 0, len(p.SubCommands))
	for _, s := range p.SubCommands {
		names = append(names, s.Name)
	}
	return names
}

// Classify parses raw into sub-commands. It never fails: unparseable input
// yields an empty ParsedCommand.
func Classify(raw string) ParsedCommand {
	parsed, _ := Parse(raw)
	return parsed
}

// Parse is Classify with the parse error exposed, for callers that must
// distinguish blank input from input the grammar rejected.
func Parse(raw string) (ParsedCommand, error) {
	if strings.TrimSpace(raw) == "" {
		return ParsedCommand{}, nil
	}
	file, err := parse(raw)
	if err != nil {
		return ParsedCommand{}, err
	}
	return ParsedCommand{SubCommands: extract(file)}, nil
}

func parse(raw string) (*syntax.File, error) {
	parser := syntax.NewParser(syntax.KeepComments(false), syntax.Variant(syntax.LangBash))
	return parser.Parse(strings.NewReader(raw), "")
}

// frame is the context inherited by nodes below the current one.
type frame struct {
	subshell bool
	piped    bool
}

func extract(file *syntax.File) []SubCommand {
	var subs []SubCommand
	stack := []frame{{}}

	syntax.Walk(file, func(node syntax.Node) bool {
		if node == nil {
			stack = stack[:len(stack)-1]
			return true
		}
		cur := stack[len(stack)-1]
		next := cur

		switch n := node.(type) {
		case *syntax.Subshell, *syntax.FuncDecl:
			next.subshell = true
		case *syntax.CmdSubst, *syntax.ProcSubst:
			// A substitution starts its own pipeline.
			next = frame{subshell: true}
		case *syntax.BinaryCmd:
			if isPipe(n.Op) {
				next.piped = true
			}
		case *syntax.CallExpr:
			if sub, ok := toSubCommand(n, cur); ok {
				subs = append(subs, sub)
			}
		}

		stack = append(stack, next)
		return true
	})

	return subs
}

func toSubCommand(call *syntax.CallExpr, f frame) (SubCommand, bool) {
	// VAR=val prefixes live in call.Assigns and never reach Args.
	if len(call.Args) == 0 {
		return SubCommand{}, false
	}
	name := NormalizeName(wordToString(call.Args[0]))
	if name == "" {
		return SubCommand{}, false
	}
	sub := SubCommand{
		Name:       name,
		IsSubshell: f.subshell,
		IsPiped:    f.piped,
	}
	for _, w := range call.Args[1:] {
		sub.Args = append(sub.Args, wordToString(w))
	}
	return sub, true
}

// NormalizeName reduces a command word to its base name: NFKC-normalised,
// backslash escapes and path prefixes removed, lower-cased.
func NormalizeName(word string) string {
	name := norm.NFKC.String(strings.TrimSpace(word))
	name = strings.ReplaceAll(name, `\`, "")
	if strings.Contains(name, "/") {
		name = path.Base(strings.TrimRight(name, "/"))
		if name == "." || name == "/" {
			return ""
		}
	}
	return strings.ToLower(name)
}

func isPipe(op syntax.BinCmdOperator) bool {
	return op == syntax.Pipe || op == syntax.PipeAll
}

// wordToString renders a word as it would appear after quote removal.
// Expansions are kept in their source form.
func wordToString(w *syntax.Word) string {
	if w == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range w.Parts {
		writePart(&sb, part)
	}
	return sb.String()
}

func writePart(sb *strings.Builder, part syntax.WordPart) {
	switch p := part.(type) {
	case *syntax.Lit:
		sb.WriteString(p.Value)
	case *syntax.SglQuoted:
		sb.WriteString(p.Value)
	case *syntax.DblQuoted:
		for _, inner := range p.Parts {
			writePart(sb, inner)
		}
	case *syntax.ParamExp:
		if p.Param == nil {
			return
		}
		if p.Short {
			sb.WriteString("$" + p.Param.Value)
		} else {
			sb.WriteString("${" + p.Param.Value + "}")
		}
	case *syntax.CmdSubst:
		sb.WriteString("$(…)")
	case *syntax.ProcSubst:
		sb.WriteString("<(…)")
	case *syntax.ArithmExp:
		sb.WriteString("$((…))")
	}
}
