package scan

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// InternalDir holds engine state inside the data directory. It is never
// scanned.
const InternalDir = ".mdwiki"

// Ext is the page file extension.
const Ext = ".md"

const dirPerm = 0o755

// ErrInvalidPath is returned for paths that are absolute, unclean, escape
// the root or do not name a page file.
var ErrInvalidPath = errors.New("invalid page path")

// File is one page file found by [Scanner.Walk].
type File struct {
	// RelPath is slash separated and relative to the root.
	RelPath string
	AbsPath string
	ModTime time.Time
}

// Scanner reads and writes page files below one root directory.
type Scanner struct {
	root string
	fs   FS
}

// New returns a Scanner for root. fs defaults to [Real].
func New(root string, fs FS) (*Scanner, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: empty root", ErrInvalidPath)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}

	if fs == nil {
		fs = NewReal()
	}

	return &Scanner{root: abs, fs: fs}, nil
}

// Root returns the absolute root directory.
func (s *Scanner) Root() string {
	return s.root
}

// Abs validates relPath and returns its absolute path.
func (s *Scanner) Abs(relPath string) (string, error) {
	if relPath == "" || path.IsAbs(relPath) || strings.Contains(relPath, `\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, relPath)
	}

	if path.Clean(relPath) != relPath || relPath == "." || strings.HasPrefix(relPath, "../") || relPath == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, relPath)
	}

	if relPath == InternalDir || strings.HasPrefix(relPath, InternalDir+"/") {
		return "", fmt.Errorf("%w: %q is internal", ErrInvalidPath, relPath)
	}

	return filepath.Join(s.root, filepath.FromSlash(relPath)), nil
}

// Rel converts an absolute path below the root to a relative page path.
func (s *Scanner) Rel(absPath string) (string, error) {
	rel, err := filepath.Rel(s.root, absPath)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrInvalidPath, absPath, err)
	}

	rel = filepath.ToSlash(rel)

	_, err = s.Abs(rel)
	if err != nil {
		return "", err
	}

	return rel, nil
}

// IsPage reports whether relPath names a page file that Walk would return.
func IsPage(relPath string) bool {
	if !strings.HasSuffix(relPath, Ext) {
		return false
	}

	for _, part := range strings.Split(relPath, "/") {
		if part == "" || strings.HasPrefix(part, ".") {
			return false
		}
	}

	return true
}

// Walk returns every page file below dir (relative, "" for the root).
// Directories are visited depth first in lexical order, and the files of a
// directory come before its subdirectories so parent pages precede their
// children. Hidden entries are skipped. ctx is checked between directories.
func (s *Scanner) Walk(ctx context.Context, dir string) ([]File, error) {
	if ctx == nil {
		return nil, errors.New("context is nil")
	}

	start := s.root

	if dir != "" && dir != "." {
		abs, err := s.Abs(dir)
		if err != nil {
			return nil, err
		}

		start = abs
	}

	var out []File

	err := s.walk(ctx, start, &out)
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (s *Scanner) walk(ctx context.Context, dir string, out *[]File) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := s.fs.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read dir %s: %w", dir, err)
	}

	var subdirs []string

	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}

		abs := filepath.Join(dir, name)

		if entry.IsDir() {
			subdirs = append(subdirs, abs)

			continue
		}

		if !entry.Type().IsRegular() || !strings.HasSuffix(name, Ext) {
			continue
		}

		info, infoErr := entry.Info()
		if errors.Is(infoErr, iofs.ErrNotExist) {
			continue
		}

		if infoErr != nil {
			return fmt.Errorf("stat %s: %w", abs, infoErr)
		}

		rel, relErr := filepath.Rel(s.root, abs)
		if relErr != nil {
			return fmt.Errorf("relative path of %s: %w", abs, relErr)
		}

		*out = append(*out, File{RelPath: filepath.ToSlash(rel), AbsPath: abs, ModTime: info.ModTime()})
	}

	for _, sub := range subdirs {
		err = s.walk(ctx, sub, out)
		if err != nil {
			return err
		}
	}

	return nil
}

// Stat returns the page file at relPath.
func (s *Scanner) Stat(relPath string) (File, error) {
	abs, err := s.Abs(relPath)
	if err != nil {
		return File{}, err
	}

	info, err := s.fs.Stat(abs)
	if err != nil {
		return File{}, err
	}

	if info.IsDir() {
		return File{}, fmt.Errorf("%w: %q is a directory", ErrInvalidPath, relPath)
	}

	return File{RelPath: relPath, AbsPath: abs, ModTime: info.ModTime()}, nil
}

// Read returns the content of relPath.
func (s *Scanner) Read(relPath string) ([]byte, error) {
	abs, err := s.Abs(relPath)
	if err != nil {
		return nil, err
	}

	return s.fs.ReadFile(abs)
}

// WriteFile atomically replaces relPath with data, creating parent
// directories, and returns the resulting file.
func (s *Scanner) WriteFile(relPath string, data []byte) (File, error) {
	abs, err := s.Abs(relPath)
	if err != nil {
		return File{}, err
	}

	err = s.fs.MkdirAll(filepath.Dir(abs), dirPerm)
	if err != nil {
		return File{}, fmt.Errorf("create directory: %w", err)
	}

	err = s.fs.WriteFileAtomic(abs, data)
	if err != nil {
		return File{}, fmt.Errorf("write %s: %w", relPath, err)
	}

	return s.Stat(relPath)
}

// Remove deletes relPath. A missing file is not an error. Directories left
// empty are removed up to the root.
func (s *Scanner) Remove(relPath string) error {
	abs, err := s.Abs(relPath)
	if err != nil {
		return err
	}

	err = s.fs.Remove(abs)
	if err != nil && !errors.Is(err, iofs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", relPath, err)
	}

	s.pruneEmptyDirs(filepath.Dir(abs))

	return nil
}

// Move renames from to to, creating parent directories of to.
func (s *Scanner) Move(from, to string) error {
	src, err := s.Abs(from)
	if err != nil {
		return err
	}

	dst, err := s.Abs(to)
	if err != nil {
		return err
	}

	if src == dst {
		return nil
	}

	_, err = s.fs.Stat(dst)
	if err == nil {
		return fmt.Errorf("%w: %q already exists", os.ErrExist, to)
	}

	err = s.fs.MkdirAll(filepath.Dir(dst), dirPerm)
	if err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	err = s.fs.Rename(src, dst)
	if err != nil {
		return fmt.Errorf("move %s to %s: %w", from, to, err)
	}

	s.pruneEmptyDirs(filepath.Dir(src))

	return nil
}

func (s *Scanner) pruneEmptyDirs(dir string) {
	for dir != s.root && strings.HasPrefix(dir, s.root) {
		entries, err := s.fs.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}

		if s.fs.Remove(dir) != nil {
			return
		}

		dir = filepath.Dir(dir)
	}
}

// IsDir reports whether relPath ("" for the root) is an existing directory.
func (s *Scanner) IsDir(relPath string) bool {
	abs := s.root

	if relPath != "" {
		var err error

		abs, err = s.Abs(relPath)
		if err != nil {
			return false
		}
	}

	info, err := s.fs.Stat(abs)

	return err == nil && info.IsDir()
}

// Dirs returns the absolute paths of dir ("" for the root) and every
// non-hidden directory below it, parents first.
func (s *Scanner) Dirs(ctx context.Context, dir string) ([]string, error) {
	if ctx == nil {
		return nil, errors.New("context is nil")
	}

	start := s.root

	if dir != "" {
		abs, err := s.Abs(dir)
		if err != nil {
			return nil, err
		}

		start = abs
	}

	out := []string{start}

	for i := 0; i < len(out); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entries, err := s.fs.ReadDir(out[i])
		if err != nil {
			return nil, fmt.Errorf("read dir %s: %w", out[i], err)
		}

		for _, entry := range entries {
			if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
				out = append(out, filepath.Join(out[i], entry.Name()))
			}
		}
	}

	return out, nil
}
