package classifier

import "strings"

// wrapperRule describes how a wrapper command consumes its own arguments
// before the wrapped command starts.
type wrapperRule struct {
	valueFlags  map[string]bool // flags that consume the following argument
	positionals int             // non-flag arguments owned by the wrapper
	assigns     bool            // NAME=value words are skipped
}

var wrappers = map[string]wrapperRule{
	"env":     {valueFlags: set("-u", "--unset", "-C", "--chdir", "-S", "--split-string"), assigns: true},
	"command": {},
	"builtin": {},
	"exec":    {valueFlags: set("-a")},
	"nice":    {valueFlags: set("-n", "--adjustment")},
	"nohup":   {},
	"time":    {valueFlags: set("-f", "--format", "-o", "--output")},
	"timeout": {valueFlags: set("-s", "--signal", "-k", "--kill-after"), positionals: 1},
	"stdbuf":  {valueFlags: set("-i", "-o", "-e")},
	"ionice":  {valueFlags: set("-c", "--class", "-n", "--classdata", "-p", "--pid")},
	"setsid":  {},
	"chroot":  {positionals: 1},
	"xargs":   {valueFlags: set("-I", "-n", "-P", "-L", "-d", "-E", "-s", "-a", "--max-args", "--max-procs", "--delimiter", "--arg-file")},
	"sudo":    {valueFlags: set("-u", "--user", "-g", "--group", "-C", "-D", "--chdir", "-h", "--host", "-p", "--prompt", "-r", "-t", "-U")},
	"doas":    {valueFlags: set("-u", "-C")},
}

func set(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

// IsWrapper reports whether name runs another command given as its arguments.
func IsWrapper(name string) bool {
	_, ok := wrappers[name]
	return ok
}

// Unwrap returns the command a wrapper ultimately executes. Non-wrapper
// sub-commands are returned unchanged. A wrapper with nothing to run
// (e.g. a bare "env") is also returned unchanged.
func Unwrap(sub SubCommand) SubCommand {
	eff, _ := unwrapChain(sub)
	return eff
}

// unwrapChain is Unwrap that also returns the wrapper names passed through.
func unwrapChain(sub SubCommand) (SubCommand, []string) {
	cur := sub
	var chain []string
	for depth := 0; depth < 8; depth++ {
		rule, ok := wrappers[cur.Name]
		if !ok {
			break
		}
		idx := skipWrapperArgs(cur.Args, rule)
		if idx >= len(cur.Args) {
			break
		}
		name := NormalizeName(cur.Args[idx])
		if name == "" {
			break
		}
		chain = append(chain, cur.Name)
		cur = SubCommand{
			Name:       name,
			Args:       cur.Args[idx+1:],
			IsSubshell: sub.IsSubshell,
			IsPiped:    sub.IsPiped,
		}
	}
	return cur, chain
}

func skipWrapperArgs(args []string, rule wrapperRule) int {
	positionals := rule.positionals
	i := 0
	for i < len(args) {
		a := args[i]
		switch {
		case a == "--":
			return i + 1
		case strings.HasPrefix(a, "-") && len(a) > 1:
			if rule.valueFlags[a] {
				i++
			}
		case rule.assigns && strings.Contains(a, "=") && !strings.HasPrefix(a, "="):
		case positionals > 0:
			positionals--
		default:
			return i
		}
		i++
	}
	return i
}
