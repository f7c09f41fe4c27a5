// Package scan reads and writes the page files of a data directory.
//
// All paths handed to a [Scanner] are slash separated and relative to the
// data directory root. Filesystem access goes through [FS] so tests can
// inject faults.
package scan

import (
	"bytes"
	"os"

	"github.com/natefinch/atomic"
)

// FS is the subset of filesystem operations the scanner needs. Paths are
// absolute OS paths.
type FS interface {
	// ReadFile reads an entire file. See [os.ReadFile].
	ReadFile(path string) ([]byte, error)

	// WriteFileAtomic replaces path with data via temp file and rename, so
	// readers never observe a partial page.
	WriteFileAtomic(path string, data []byte) error

	// ReadDir lists a directory sorted by name. See [os.ReadDir].
	ReadDir(path string) ([]os.DirEntry, error)

	// MkdirAll creates a directory and its parents. See [os.MkdirAll].
	MkdirAll(path string, perm os.FileMode) error

	// Stat returns file info. See [os.Stat].
	Stat(path string) (os.FileInfo, error)

	// Remove deletes a file or empty directory. See [os.Remove].
	Remove(path string) error

	// Rename moves a file. See [os.Rename].
	Rename(oldpath, newpath string) error

	// OpenFile opens a file for locking. See [os.OpenFile].
	OpenFile(path string, flag int, perm os.FileMode) (*os.File, error)
}

// Real implements [FS] on the operating system.
type Real struct{}

// NewReal returns a [Real] filesystem.
func NewReal() *Real {
	return &Real{}
}

func (*Real) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (*Real) WriteFileAtomic(path string, data []byte) error {
	return atomic.WriteFile(path, bytes.NewReader(data))
}

func (*Real) ReadDir(path string) ([]os.DirEntry, error) {
	return os.ReadDir(path)
}

func (*Real) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (*Real) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

func (*Real) Remove(path string) error {
	return os.Remove(path)
}

func (*Real) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

func (*Real) OpenFile(path string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(path, flag, perm) //nolint:gosec // lock file inside the data dir
}

var _ FS = (*Real)(nil)
