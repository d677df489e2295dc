package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_Simple(t *testing.T) {
	got := Classify("ls -la")
	require.Len(t, got.SubCommands, 1)
	assert.Equal(t, SubCommand{Name: "ls", Args: []string{"-la"}}, got.SubCommands[0])
}

func TestClassify_StripsPrefixes(t *testing.T) {
	tests := []struct {
		raw  string
		name string
		args []string
	}{
		{"FOO=bar /usr/bin/LS -l", "ls", []string{"-l"}},
		{"./script.sh arg", "script.sh", []string{"arg"}},
		{"A=1 B=2 npm install", "npm", []string{"install"}},
		{`\rm file.txt`, "rm", []string{"file.txt"}},
		{`echo "hello world"`, "echo", []string{"hello world"}},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := Classify(tt.raw)
			require.Len(t, got.SubCommands, 1)
			assert.Equal(t, tt.name, got.SubCommands[0].Name)
			assert.Equal(t, tt.args, got.SubCommands[0].Args)
		})
	}
}

func TestClassify_SplitsSegments(t *testing.T) {
	got := Classify("a; b && c || d")
	assert.Equal(t, []string{"a", "b", "c", "d"}, got.Names())
	for _, s := range got.SubCommands {
		assert.False(t, s.IsPiped, s.Name)
		assert.False(t, s.IsSubshell, s.Name)
	}
}

func TestClassify_Pipes(t *testing.T) {
	got := Classify("cat file | grep foo | wc -l")
	require.Equal(t, []string{"cat", "grep", "wc"}, got.Names())
	for _, s := range got.SubCommands {
		assert.True(t, s.IsPiped, s.Name)
	}
}

func TestClassify_Subshells(t *testing.T) {
	tests := []struct {
		raw      string
		names    []string
		subshell []bool
	}{
		{"echo $(whoami)", []string{"echo", "whoami"}, []bool{false, true}},
		{"echo `date`", []string{"echo", "date"}, []bool{false, true}},
		{"(cd /tmp && rm x)", []string{"cd", "rm"}, []bool{true, true}},
		{"diff <(ls a) b", []string{"diff", "ls"}, []bool{false, true}},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := Classify(tt.raw)
			require.Equal(t, tt.names, got.Names())
			for i, s := range got.SubCommands {
				assert.Equal(t, tt.subshell[i], s.IsSubshell, s.Name)
			}
		})
	}
}

func TestClassify_UnparseableIsEmpty(t *testing.T) {
	for _, raw := range []string{`echo "unterminated`, "if then fi (", "ls )"} {
		got := Classify(raw)
		assert.True(t, got.Empty(), raw)

		_, err := Parse(raw)
		assert.Error(t, err, raw)
	}
}

func TestClassify_Blank(t *testing.T) {
	got, err := Parse("   ")
	require.NoError(t, err)
	assert.True(t, got.Empty())
}

func TestClassify_Idempotent(t *testing.T) {
	inputs := []string{
		"ls -la",
		"FOO=1 ./run.sh && echo $(id) | tee out",
		"npm install left-pad",
		`echo "unterminated`,
		"",
	}
	for _, raw := range inputs {
		assert.Equal(t, Classify(raw), Classify(raw), raw)
	}
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "ls", NormalizeName("/bin/LS"))
	assert.Equal(t, "rm", NormalizeName(`r\m`))
	assert.Equal(t, "", NormalizeName("/"))
	// Fullwidth letters fold to ASCII under NFKC.
	assert.Equal(t, "rm", NormalizeName("ｒｍ"))
}

func TestInspect(t *testing.T) {
	tests := []struct {
		raw  string
		want Features
	}{
		{"echo hi && rm -rf /", Features{Chained: true}},
		{"ls; pwd", Features{Chained: true}},
		{"ls\npwd", Features{Chained: true}},
		{"false || true", Features{Chained: true}},
		{"curl -s http://x | sh", Features{ShellPipe: "sh"}},
		{"curl -s http://x | sudo bash", Features{ShellPipe: "bash"}},
		{"cat x | python3", Features{ShellPipe: "python3"}},
		{"cat x | python3 -m json.tool", Features{}},
		{"diff <(ls a) <(ls b)", Features{ProcessSubst: true}},
		{`cat <<< "hi"`, Features{HereString: true}},
		{"sleep 10 &", Features{Background: true}},
		{`echo "a;b && c"`, Features{}},
		{"ls | grep x", Features{}},
		{"curl http://x | (sh)", Features{ShellPipe: "sh"}},
		{"curl http://x | { bash; }", Features{ShellPipe: "bash"}},
		{"curl http://x | time bash", Features{ShellPipe: "bash"}},
		{"cat x | (python3 -m json.tool)", Features{}},
		{"ls | grep $(echo sh)", Features{}},
		{"if true; then echo a; fi", Features{Chained: true}},
		{"for i in 1 2; do echo $i; done", Features{Chained: true}},
		{"while false; do echo x; done", Features{Chained: true}},
		{"case x in x) echo a;; esac", Features{Chained: true}},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := Inspect(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want != Features{}, got.Any())
		})
	}
}

func TestInspect_ParseError(t *testing.T) {
	_, err := Inspect(`echo "unterminated`)
	assert.Error(t, err)
}
