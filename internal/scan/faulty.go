package scan

import (
	"errors"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// PathState is a sticky fault attached to a path by [Faulty].
type PathState int

const (
	// PathNormal passes operations through. It is the zero value.
	PathNormal PathState = iota
	// PathIOError fails every operation on the path with EIO.
	PathIOError
	// PathReadOnly fails writes, renames and removes with EROFS.
	PathReadOnly
	// PathNoPermission fails every operation on the path with EACCES.
	PathNoPermission
)

// InjectedError marks an error produced by [Faulty]. It wraps the
// *fs.PathError so os.IsPermission and errors.Is on the errno keep working.
type InjectedError struct {
	Err error
}

func (e *InjectedError) Error() string {
	return e.Err.Error()
}

func (e *InjectedError) Unwrap() error {
	return e.Err
}

// IsInjected reports whether err was produced by [Faulty].
func IsInjected(err error) bool {
	var injected *InjectedError

	return errors.As(err, &injected)
}

// Faulty wraps an [FS] and fails operations on paths marked with
// [Faulty.SetPathState]. A state set on a directory applies to everything
// below it. Safe for concurrent use.
type Faulty struct {
	FS

	mu     sync.Mutex
	states map[string]PathState
}

// NewFaulty wraps fs.
func NewFaulty(fs FS) *Faulty {
	return &Faulty{FS: fs, states: make(map[string]PathState)}
}

// SetPathState attaches state to path. PathNormal clears it.
func (f *Faulty) SetPathState(path string, state PathState) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path = filepath.Clean(path)

	if state == PathNormal {
		delete(f.states, path)

		return
	}

	f.states[path] = state
}

func (f *Faulty) stateOf(path string) PathState {
	f.mu.Lock()
	defer f.mu.Unlock()

	for p := filepath.Clean(path); ; p = filepath.Dir(p) {
		if s, ok := f.states[p]; ok {
			return s
		}

		if parent := filepath.Dir(p); parent == p {
			return PathNormal
		}
	}
}

func (f *Faulty) check(op, path string, write bool) error {
	var errno syscall.Errno

	switch f.stateOf(path) {
	case PathIOError:
		errno = syscall.EIO
	case PathNoPermission:
		errno = syscall.EACCES
	case PathReadOnly:
		if !write {
			return nil
		}

		errno = syscall.EROFS
	default:
		return nil
	}

	return &InjectedError{Err: &iofs.PathError{Op: op, Path: path, Err: errno}}
}

func (f *Faulty) ReadFile(path string) ([]byte, error) {
	if err := f.check("read", path, false); err != nil {
		return nil, err
	}

	return f.FS.ReadFile(path)
}

func (f *Faulty) WriteFileAtomic(path string, data []byte) error {
	if err := f.check("write", path, true); err != nil {
		return err
	}

	return f.FS.WriteFileAtomic(path, data)
}

func (f *Faulty) ReadDir(path string) ([]os.DirEntry, error) {
	if err := f.check("readdir", path, false); err != nil {
		return nil, err
	}

	return f.FS.ReadDir(path)
}

func (f *Faulty) MkdirAll(path string, perm os.FileMode) error {
	if err := f.check("mkdir", path, true); err != nil {
		return err
	}

	return f.FS.MkdirAll(path, perm)
}

func (f *Faulty) Stat(path string) (os.FileInfo, error) {
	if err := f.check("stat", path, false); err != nil {
		return nil, err
	}

	return f.FS.Stat(path)
}

func (f *Faulty) Remove(path string) error {
	if err := f.check("remove", path, true); err != nil {
		return err
	}

	return f.FS.Remove(path)
}

func (f *Faulty) Rename(oldpath, newpath string) error {
	if err := f.check("rename", oldpath, true); err != nil {
		return err
	}

	if err := f.check("rename", newpath, true); err != nil {
		return err
	}

	return f.FS.Rename(oldpath, newpath)
}

var _ FS = (*Faulty)(nil)
