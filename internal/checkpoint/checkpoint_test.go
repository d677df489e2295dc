package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, maxBytes int64) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "checkpoints"), maxBytes, nil)
	require.NoError(t, err)
	return s
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0640))
}

func TestTargets(t *testing.T) {
	wd := "/work/project"
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	tests := []struct {
		name    string
		command string
		want    []string
	}{
		{"rm flags skipped", "rm -rf build dist", []string{"/work/project/build", "/work/project/dist"}},
		{"mv both operands", "mv a.txt /tmp/b.txt", []string{"/work/project/a.txt", "/tmp/b.txt"}},
		{"cp destination included", "cp -r src out", []string{"/work/project/src", "/work/project/out"}},
		{"truncate", "truncate -s 0 app.log", []string{"/work/project/app.log"}},
		{"truncate reference", "truncate -r ref.log app.log", []string{"/work/project/ref.log", "/work/project/app.log"}},
		{"double dash", "rm -- -weird", []string{"/work/project/-weird"}},
		{"home", "rm ~/notes.txt", []string{filepath.Join(home, "notes.txt")}},
		{"chained and deduplicated", "rm a && echo hi; cp a b", []string{"/work/project/a", "/work/project/b"}},
		{"wrapped", "nice rm x", []string{"/work/project/x"}},
		{"non mutator", "cat a b", nil},
		{"dot dot cleaned", "rm ../other/file", []string{"/work/other/file"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Targets(tt.command, wd))
		})
	}
}

func TestSnapshotAndRestore(t *testing.T) {
	s := newTestStore(t, 0)
	wd := t.TempDir()
	writeFile(t, filepath.Join(wd, "a.txt"), "alpha")
	writeFile(t, filepath.Join(wd, "dir", "nested", "b.txt"), "beta")
	require.NoError(t, os.Symlink("a.txt", filepath.Join(wd, "link")))

	cp, err := s.Snapshot("rm -rf a.txt dir link missing.txt", wd)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Len(t, cp.Entries, 3, "missing paths are not recorded")
	assert.FileExists(t, filepath.Join(s.Root(), cp.ID, manifestFile))

	info, err := os.Stat(filepath.Join(s.Root(), cp.ID))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())

	// Simulate the destructive command.
	require.NoError(t, os.Remove(filepath.Join(wd, "a.txt")))
	require.NoError(t, os.RemoveAll(filepath.Join(wd, "dir")))
	require.NoError(t, os.Remove(filepath.Join(wd, "link")))
	writeFile(t, filepath.Join(wd, "dir", "new.txt"), "replacement")

	require.NoError(t, s.Restore(cp.ID))

	data, err := os.ReadFile(filepath.Join(wd, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))

	data, err = os.ReadFile(filepath.Join(wd, "dir", "nested", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "beta", string(data))
	assert.NoFileExists(t, filepath.Join(wd, "dir", "new.txt"), "restore replaces the current tree")

	target, err := os.Readlink(filepath.Join(wd, "link"))
	require.NoError(t, err)
	assert.Equal(t, "a.txt", target)

	fi, err := os.Stat(filepath.Join(wd, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), fi.Mode().Perm())
}

func TestSnapshot_NothingToDo(t *testing.T) {
	s := newTestStore(t, 0)
	cp, err := s.Snapshot("rm does-not-exist", t.TempDir())
	assert.NoError(t, err)
	assert.Nil(t, cp)

	cp, err = s.Snapshot("ls -la", t.TempDir())
	assert.NoError(t, err)
	assert.Nil(t, cp)
}

func TestSnapshot_SizeCap(t *testing.T) {
	s := newTestStore(t, 4)
	wd := t.TempDir()
	writeFile(t, filepath.Join(wd, "big.bin"), "0123456789")
	writeFile(t, filepath.Join(wd, "ok"), "abc")

	cp, err := s.Snapshot("rm big.bin ok", wd)
	require.NoError(t, err)
	require.Len(t, cp.Entries, 2)
	assert.NotEmpty(t, cp.Entries[0].Skipped)
	assert.Empty(t, cp.Entries[0].Snapshot)
	assert.Empty(t, cp.Entries[1].Skipped)

	require.NoError(t, os.Remove(filepath.Join(wd, "big.bin")))
	require.NoError(t, s.Restore(cp.ID))
	assert.NoFileExists(t, filepath.Join(wd, "big.bin"), "skipped entries are not restored")
}

func TestGetListDeletePrune(t *testing.T) {
	s := newTestStore(t, 0)
	wd := t.TempDir()
	writeFile(t, filepath.Join(wd, "f"), "x")

	var ids []string
	for i := 0; i < 3; i++ {
		cp, err := s.Snapshot("rm f", wd)
		require.NoError(t, err)
		ids = append(ids, cp.ID)
		time.Sleep(5 * time.Millisecond)
	}

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, ids[2], list[0].ID, "newest first")

	got, err := s.Get(ids[0])
	require.NoError(t, err)
	assert.Equal(t, "rm f", got.Command)
	assert.Equal(t, wd, got.WorkingDir)

	removed, err := s.Prune(1)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = s.Get(ids[0])
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.Delete(ids[2]))
	assert.ErrorIs(t, s.Delete(ids[2]), ErrNotFound)
}

func TestInvalidIDs(t *testing.T) {
	s := newTestStore(t, 0)
	for _, id := range []string{"../../etc", "", "not-a-uuid"} {
		_, err := s.Get(id)
		assert.ErrorIs(t, err, ErrInvalidID, id)
		assert.ErrorIs(t, s.Restore(id), ErrInvalidID, id)
	}
}
