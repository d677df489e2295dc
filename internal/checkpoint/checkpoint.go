// Package checkpoint snapshots the files a destructive command is about to
// touch, so the change can be undone.
//
// Layout: <root>/<uuid>/manifest.json plus <root>/<uuid>/files/<n>, one
// entry per target path. Snapshot directories are created 0700.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/cmdguard/internal/classifier"
)

const (
	// DefaultMaxBytes caps the size of a single snapshotted path.
	DefaultMaxBytes int64 = 50 * 1024 * 1024

	manifestFile = "manifest.json"
	filesDir     = "files"
)

var (
	ErrNotFound  = errors.New("checkpoint not found")
	ErrInvalidID = errors.New("invalid checkpoint id")
)

// mutators are the commands whose operands are snapshotted, mapped to the
// flags that consume a non-path value.
var mutators = map[string]map[string]bool{
	"rm":       {},
	"mv":       {"-S": true, "--suffix": true},
	"cp":       {"-S": true, "--suffix": true},
	"truncate": {"-s": true, "--size": true},
}

// Entry is one snapshotted path.
type Entry struct {
	Path     string      `json:"path"`               // Absolute original path.
	Snapshot string      `json:"snapshot,omitempty"` // Name under files/, empty when skipped.
	Mode     fs.FileMode `json:"mode"`
	IsDir    bool        `json:"is_dir"`
	Size     int64       `json:"size"`
	Skipped  string      `json:"skipped,omitempty"` // Reason the path was not copied.
}

// Checkpoint is the manifest of one snapshot.
type Checkpoint struct {
	ID         string    `json:"id"`
	Command    string    `json:"command"`
	WorkingDir string    `json:"working_dir"`
	CreatedAt  time.Time `json:"created_at"`
	Entries    []Entry   `json:"entries"`
}

// Store manages checkpoints under a root directory.
type Store struct {
	root     string
	maxBytes int64
	logger   *slog.Logger

	mu sync.Mutex
}

// NewStore creates the root directory if needed. maxBytes <= 0 selects
// DefaultMaxBytes.
func NewStore(root string, maxBytes int64, logger *slog.Logger) (*Store, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving checkpoint dir %q: %w", root, err)
	}
	if err := os.MkdirAll(resolved, 0700); err != nil {
		return nil, fmt.Errorf("creating checkpoint dir: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: resolved, maxBytes: maxBytes, logger: logger}, nil
}

// Root returns the resolved checkpoint directory.
func (s *Store) Root() string { return s.root }

// Targets returns the absolute operand paths of every rm, mv, cp or
// truncate sub-command in command, in order and without duplicates.
// Relative operands resolve against workingDir; ~ expands to the home
// directory. Flags are skipped until a "--" terminator.
func Targets(command, workingDir string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, sub := range classifier.Classify(command).SubCommands {
		eff := classifier.Unwrap(sub)
		valueFlags, ok := mutators[eff.Name]
		if !ok {
			continue
		}
		flags := true
		skipNext := false
		for _, arg := range eff.Args {
			if skipNext {
				skipNext = false
				continue
			}
			if flags && arg == "--" {
				flags = false
				continue
			}
			if flags && valueFlags[arg] {
				skipNext = true
				continue
			}
			if arg == "" || flags && strings.HasPrefix(arg, "-") {
				continue
			}
			p := absPath(arg, workingDir)
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// Snapshot copies every existing target of command. It returns nil and no
// error when the command has nothing to snapshot. Paths larger than the
// size cap are recorded as skipped.
func (s *Store) Snapshot(command, workingDir string) (*Checkpoint, error) {
	var existing []string
	for _, p := range Targets(command, workingDir) {
		if _, err := os.Lstat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := &Checkpoint{
		ID:         uuid.NewString(),
		Command:    command,
		WorkingDir: workingDir,
		CreatedAt:  time.Now().UTC(),
	}
	dir := filepath.Join(s.root, cp.ID)
	if err := os.MkdirAll(filepath.Join(dir, filesDir), 0700); err != nil {
		return nil, fmt.Errorf("creating checkpoint %s: %w", cp.ID, err)
	}

	for i, p := range existing {
		entry, err := s.snapshotPath(dir, strconv.Itoa(i), p)
		if err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("snapshotting %s: %w", p, err)
		}
		cp.Entries = append(cp.Entries, entry)
	}

	if err := writeManifest(dir, cp); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	s.logger.Info("checkpoint created",
		slog.String("id", cp.ID),
		slog.Int("paths", len(cp.Entries)),
	)
	return cp, nil
}

func (s *Store) snapshotPath(dir, name, p string) (Entry, error) {
	info, err := os.Lstat(p)
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{Path: p, Mode: info.Mode(), IsDir: info.IsDir()}

	size, err := treeSize(p, s.maxBytes)
	if err != nil {
		return Entry{}, err
	}
	entry.Size = size
	if size > s.maxBytes {
		entry.Skipped = fmt.Sprintf("larger than %d bytes", s.maxBytes)
		s.logger.Warn("checkpoint path skipped",
			slog.String("path", p),
			slog.String("reason", entry.Skipped),
		)
		return entry, nil
	}

	if err := copyTree(p, filepath.Join(dir, filesDir, name)); err != nil {
		return Entry{}, err
	}
	entry.Snapshot = name
	return entry, nil
}

// Get reads the manifest of checkpoint id.
func (s *Store) Get(id string) (*Checkpoint, error) {
	dir, err := s.dir(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", id, err)
	}
	return &cp, nil
}

// List returns all checkpoints, newest first. Unreadable entries are skipped.
func (s *Store) List() ([]*Checkpoint, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint dir: %w", err)
	}
	var out []*Checkpoint
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		cp, err := s.Get(e.Name())
		if err != nil {
			continue
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Restore puts every snapshotted path of checkpoint id back in place,
// replacing whatever is there now. Skipped entries are left untouched.
func (s *Store) Restore(id string) error {
	cp, err := s.Get(id)
	if err != nil {
		return err
	}
	dir, _ := s.dir(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, e := range cp.Entries {
		if e.Snapshot == "" {
			continue
		}
		if err := os.RemoveAll(e.Path); err != nil {
			errs = append(errs, fmt.Errorf("clearing %s: %w", e.Path, err))
			continue
		}
		if err := os.MkdirAll(filepath.Dir(e.Path), 0750); err != nil {
			errs = append(errs, fmt.Errorf("recreating parent of %s: %w", e.Path, err))
			continue
		}
		if err := copyTree(filepath.Join(dir, filesDir, e.Snapshot), e.Path); err != nil {
			errs = append(errs, fmt.Errorf("restoring %s: %w", e.Path, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.logger.Info("checkpoint restored", slog.String("id", id), slog.Int("paths", len(cp.Entries)))
	return nil
}

// Delete removes checkpoint id.
func (s *Store) Delete(id string) error {
	dir, err := s.dir(id)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return os.RemoveAll(dir)
}

// Prune keeps the newest keep checkpoints and deletes the rest. It returns
// the number removed.
func (s *Store) Prune(keep int) (int, error) {
	all, err := s.List()
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	removed := 0
	for _, cp := range all[min(keep, len(all)):] {
		if err := s.Delete(cp.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// dir maps an id to its directory. Only UUIDs are accepted, which rules
// out path traversal.
func (s *Store) dir(id string) (string, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(s.root, parsed.String()), nil
}

func writeManifest(dir string, cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFile), data, 0600); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// treeSize sums regular file sizes under p, stopping early once limit is
// exceeded.
func treeSize(p string, limit int64) (int64, error) {
	var total int64
	err := filepath.WalkDir(p, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		if total > limit {
			return fs.SkipAll
		}
		return nil
	})
	return total, err
}

// copyTree copies files, directories and symlinks from src to dst,
// preserving permission bits. Other file types are ignored.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0700)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(p, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// absPath expands ~ and resolves p against workingDir.
func absPath(p, workingDir string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		p = filepath.Join(home, p[1:])
	}
	if !filepath.IsAbs(p) {
		if workingDir == "" {
			wd, err := os.Getwd()
			if err != nil {
				return ""
			}
			workingDir = wd
		}
		p = filepath.Join(workingDir, p)
	}
	return filepath.Clean(p)
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
