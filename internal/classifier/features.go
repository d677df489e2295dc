package classifier

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Features are shell constructs found in a command that allow it to escape
// per-command analysis.
type Features struct {
	Chained      bool   `json:"chained"`       // ;, &&, || or a newline between statements
	Background   bool   `json:"background"`    // trailing &
	ProcessSubst bool   `json:"process_subst"` // <( ) or >( )
	HereString   bool   `json:"here_string"`   // <<<
	ShellPipe    string `json:"shell_pipe"`    // interpreter that receives piped input
}

// Any reports whether any bypass feature is present.
func (f Features) Any() bool {
	return f.Chained || f.Background || f.ProcessSubst || f.HereString || f.ShellPipe != ""
}

// shellInterpreters always execute whatever they are fed on stdin.
var shellInterpreters = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "dash": true, "ksh": true, "mksh": true,
	"ash": true, "fish": true, "csh": true, "tcsh": true, "busybox": true,
	"eval": true, "source": true, ".": true,
}

// scriptInterpreters read a program from stdin only when given no script.
var scriptInterpreters = map[string]bool{
	"python": true, "python2": true, "python3": true, "perl": true, "ruby": true,
	"node": true, "nodejs": true, "php": true, "lua": true, "deno": true, "bun": true,
}

// Inspect reports the bypass features of raw. It returns the parse error
// when the grammar rejects the input; callers decide how to fall back.
func Inspect(raw string) (Features, error) {
	var f Features
	if strings.TrimSpace(raw) == "" {
		return f, nil
	}
	file, err := parse(raw)
	if err != nil {
		return f, err
	}

	if len(file.Stmts) > 1 {
		f.Chained = true
	}
	syntax.Walk(file, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.Stmt:
			if n.Background || n.Coprocess {
				f.Background = true
			}
		case *syntax.Block:
			if len(n.Stmts) > 1 {
				f.Chained = true
			}
		case *syntax.Subshell:
			if len(n.Stmts) > 1 {
				f.Chained = true
			}
		case *syntax.CmdSubst:
			if len(n.Stmts) > 1 {
				f.Chained = true
			}
		case *syntax.IfClause, *syntax.ForClause, *syntax.WhileClause, *syntax.CaseClause:
			f.Chained = true
		case *syntax.ProcSubst:
			f.ProcessSubst = true
		case *syntax.Redirect:
			if n.Op == syntax.WordHdoc {
				f.HereString = true
			}
		case *syntax.BinaryCmd:
			switch {
			case n.Op == syntax.AndStmt || n.Op == syntax.OrStmt:
				f.Chained = true
			case isPipe(n.Op) && f.ShellPipe == "":
				f.ShellPipe = pipedInterpreter(n)
			}
		}
		return true
	})
	return f, nil
}

// pipedInterpreter returns the first pipeline member after the head that
// would execute its stdin as code. Members are searched through subshells,
// blocks and time clauses, since those share the pipe's stdin.
func pipedInterpreter(bin *syntax.BinaryCmd) string {
	members := flattenPipe(bin.X)
	members = append(members, flattenPipe(bin.Y)...)
	for _, stmt := range members[1:] {
		if name := stdinInterpreter(stmt); name != "" {
			return name
		}
	}
	return ""
}

func stdinInterpreter(stmt *syntax.Stmt) string {
	var found string
	syntax.Walk(stmt, func(node syntax.Node) bool {
		if found != "" {
			return false
		}
		switch n := node.(type) {
		case *syntax.CmdSubst, *syntax.ProcSubst:
			// Substitutions get their own stdin.
			return false
		case *syntax.CallExpr:
			if len(n.Args) == 0 {
				return true
			}
			sub, _ := toSubCommand(n, frame{piped: true})
			eff := Unwrap(sub)
			if shellInterpreters[eff.Name] ||
				(scriptInterpreters[eff.Name] && readsProgramFromStdin(eff.Args)) {
				found = eff.Name
				return false
			}
		}
		return true
	})
	return found
}

func flattenPipe(stmt *syntax.Stmt) []*syntax.Stmt {
	if stmt == nil {
		return nil
	}
	if bin, ok := stmt.Cmd.(*syntax.BinaryCmd); ok && isPipe(bin.Op) {
		return append(flattenPipe(bin.X), flattenPipe(bin.Y)...)
	}
	return []*syntax.Stmt{stmt}
}

func readsProgramFromStdin(args []string) bool {
	for _, a := range args {
		if a == "-" {
			return true
		}
		if !strings.HasPrefix(a, "-") {
			return false
		}
	}
	// Only flags: "-c" and "-e" carry inline programs, "-m" a module.
	for _, a := range args {
		switch a {
		case "-c", "-e", "-m", "--eval":
			return false
		}
	}
	return true
}
