package classifier

import (
	"fmt"
	"strings"
)

// Level is the central danger rating of a single sub-command.
type Level int

const (
	Safe      Level = iota // No side effects beyond the working tree.
	Risky                  // Mutates files, processes or the network; run isolated.
	Forbidden              // Never executed.
)

func (l Level) String() string {
	switch l {
	case Safe:
		return "safe"
	case Risky:
		return "risky"
	case Forbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// blockedCommands are destructive base commands denied outright.
var blockedCommands = map[string]bool{
	"mkfs": true, "mke2fs": true, "mkswap": true, "dd": true, "fdisk": true,
	"sfdisk": true, "cfdisk": true, "parted": true, "gdisk": true, "wipefs": true,
	"shred": true, "shutdown": true, "reboot": true, "halt": true, "poweroff": true,
	"init": true, "telinit": true, "insmod": true, "rmmod": true, "modprobe": true,
	"swapoff": true, "format": true, "diskpart": true,
}

// privilegeCommands change the executing identity.
var privilegeCommands = map[string]bool{
	"sudo": true, "su": true, "doas": true, "pkexec": true, "runuser": true,
}

var riskyCommands = map[string]bool{
	// file mutation
	"rm": true, "rmdir": true, "mv": true, "truncate": true, "chmod": true,
	"chown": true, "chgrp": true, "ln": true, "unlink": true, "install": true,
	// processes and services
	"kill": true, "pkill": true, "killall": true, "systemctl": true, "service": true,
	"crontab": true, "at": true, "launchctl": true,
	// network and remote
	"curl": true, "wget": true, "ssh": true, "scp": true, "sftp": true, "rsync": true,
	"nc": true, "ncat": true, "netcat": true, "socat": true, "telnet": true, "ftp": true,
	// system state
	"mount": true, "umount": true, "iptables": true, "nft": true, "sysctl": true,
	"docker": true, "kubectl": true, "useradd": true, "userdel": true, "passwd": true,
	// dynamic evaluation
	"eval": true, "exec": true, "source": true, ".": true,
}

// IsBlocked reports whether name is on the destructive blocklist. Variants
// such as mkfs.ext4 match their family.
func IsBlocked(name string) bool {
	if blockedCommands[name] {
		return true
	}
	if i := strings.IndexByte(name, '.'); i > 0 {
		return blockedCommands[name[:i]]
	}
	return false
}

// IsPrivileged reports whether name switches user identity.
func IsPrivileged(name string) bool {
	return privilegeCommands[name]
}

// Danger rates a sub-command. Wrapper commands are looked through, so
// "nice -n 5 rm -rf /" is rated as the rm it runs.
func Danger(sub SubCommand) (Level, string) {
	eff, chain := unwrapChain(sub)
	for _, name := range append(chain, eff.Name) {
		if IsPrivileged(name) {
			return Forbidden, fmt.Sprintf("privilege escalation via %s", name)
		}
	}
	if IsBlocked(eff.Name) {
		return Forbidden, fmt.Sprintf("%s is a destructive command", eff.Name)
	}

	switch eff.Name {
	case "rm":
		if recursive(eff.Args) && targetsRoot(eff.Args) {
			return Forbidden, "recursive delete of a root, home or wildcard target"
		}
	case "chmod", "chown", "chgrp":
		if recursive(eff.Args) && targetsRoot(eff.Args) {
			return Forbidden, fmt.Sprintf("recursive %s of a root or home target", eff.Name)
		}
	case "find":
		for _, a := range eff.Args {
			if a == "-delete" || a == "-exec" || a == "-execdir" || a == "-ok" {
				return Risky, "find with " + a
			}
		}
		return Safe, ""
	case "git":
		if gitRewrites(eff.Args) {
			return Risky, "git history or working tree rewrite"
		}
		return Safe, ""
	case "sed", "perl":
		for _, a := range eff.Args {
			if a == "-i" || strings.HasPrefix(a, "-i") && eff.Name == "sed" {
				return Risky, eff.Name + " in-place edit"
			}
		}
	}

	if riskyCommands[eff.Name] {
		return Risky, fmt.Sprintf("%s modifies system state", eff.Name)
	}
	return Safe, ""
}

func recursive(args []string) bool {
	for _, a := range args {
		if a == "--recursive" {
			return true
		}
		if strings.HasPrefix(a, "-") && !strings.HasPrefix(a, "--") &&
			(strings.ContainsRune(a, 'r') || strings.ContainsRune(a, 'R')) {
			return true
		}
	}
	return false
}

var rootTargets = map[string]bool{
	"/": true, "/*": true, "~": true, "~/": true, "~/*": true, "*": true,
	"$HOME": true, "${HOME}": true, "$HOME/": true, "$HOME/*": true,
	".": true, "..": true, "./*": true,
}

func targetsRoot(args []string) bool {
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		if rootTargets[a] {
			return true
		}
	}
	return false
}

func gitRewrites(args []string) bool {
	if len(args) == 0 {
		return false
	}
	joined := " " + strings.Join(args, " ") + " "
	switch args[0] {
	case "push":
		return strings.Contains(joined, " --force") || strings.Contains(joined, " -f ")
	case "reset":
		return strings.Contains(joined, " --hard")
	case "clean":
		return strings.Contains(joined, " -f") || strings.Contains(joined, " -d")
	case "checkout", "restore":
		return strings.Contains(joined, " -- ") || strings.Contains(joined, " . ")
	}
	return false
}
