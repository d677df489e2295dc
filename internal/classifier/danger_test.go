package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func first(t *testing.T, raw string) SubCommand {
	t.Helper()
	parsed := Classify(raw)
	require.NotEmpty(t, parsed.SubCommands, raw)
	return parsed.SubCommands[0]
}

func TestDanger(t *testing.T) {
	tests := []struct {
		raw  string
		want Level
	}{
		{"ls -la", Safe},
		{"cat README.md", Safe},
		{"git status", Safe},
		{"find . -name '*.go'", Safe},
		{"rm file.txt", Risky},
		{"mv a b", Risky},
		{"curl https://example.com", Risky},
		{"git push --force origin main", Risky},
		{"find . -name '*.tmp' -delete", Risky},
		{"sed -i s/a/b/ f", Risky},
		{"rm -rf /", Forbidden},
		{"rm -r ~", Forbidden},
		{"chmod -R 777 /", Forbidden},
		{"sudo ls", Forbidden},
		{"mkfs.ext4 /dev/sda1", Forbidden},
		{"dd if=/dev/zero of=disk.img", Forbidden},
		{"nice -n 5 shutdown now", Forbidden},
		{"env FOO=1 sudo id", Forbidden},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, reason := Danger(first(t, tt.raw))
			assert.Equal(t, tt.want, got, reason)
			if got != Safe {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestIsBlocked(t *testing.T) {
	assert.True(t, IsBlocked("mkfs"))
	assert.True(t, IsBlocked("mkfs.xfs"))
	assert.True(t, IsBlocked("shutdown"))
	assert.False(t, IsBlocked("rm"))
	assert.False(t, IsBlocked("ls"))
	assert.False(t, IsBlocked(".bashrc"))
}

func TestUnwrap(t *testing.T) {
	tests := []struct {
		raw  string
		name string
		args []string
	}{
		{"sudo npm install", "npm", []string{"install"}},
		{"timeout 5 sleep 10", "sleep", []string{"10"}},
		{"nice -n 10 make build", "make", []string{"build"}},
		{"env -u HOME FOO=bar yarn add x", "yarn", []string{"add", "x"}},
		{"nohup time python3 app.py", "python3", []string{"app.py"}},
		{"xargs -I{} rm {}", "rm", []string{"{}"}},
		{"env", "env", nil},
		{"ls -l", "ls", []string{"-l"}},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := Unwrap(first(t, tt.raw))
			assert.Equal(t, tt.name, got.Name)
			assert.Equal(t, tt.args, got.Args)
		})
	}
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "safe", Safe.String())
	assert.Equal(t, "risky", Risky.String())
	assert.Equal(t, "forbidden", Forbidden.String())
	assert.Equal(t, "unknown", Level(42).String())
}
