package scan

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned when the data directory lock is held by another
// process past the timeout.
var ErrWouldBlock = errors.New("data directory is locked by another process")

// errInodeMismatch means the lock file was replaced between open and flock.
var errInodeMismatch = errors.New("inode mismatch")

// LockTimeout is the default wait for the data directory lock.
const LockTimeout = 5 * time.Second

const (
	lockFilePerm = 0o600
	lockDirPerm  = 0o755
)

// Lock is a held data directory lock. Close releases it.
type Lock struct {
	mu   sync.Mutex
	file *os.File
}

// Close releases the lock. It is idempotent.
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	unlockErr := flockRetryEINTR(int(lk.file.Fd()), unix.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		unlockErr = fmt.Errorf("unlocking: %w", unlockErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return errors.Join(unlockErr, closeErr)
}

// Lock takes the exclusive writer lock of the data directory, polling with
// backoff until timeout. A timeout <= 0 tries once.
func (s *Scanner) Lock(timeout time.Duration) (*Lock, error) {
	path := filepath.Join(s.root, InternalDir, "lock")

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	backoff := time.Millisecond

	for {
		file, err := s.openLockFile(path)
		if err != nil {
			return nil, fmt.Errorf("opening lock file: %w", err)
		}

		err = s.acquire(file, path)
		if err == nil {
			return &Lock{file: file}, nil
		}

		_ = file.Close()

		if !errors.Is(err, ErrWouldBlock) && !errors.Is(err, errInodeMismatch) {
			return nil, err
		}

		remaining := time.Until(deadline)
		if timeout <= 0 || remaining <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrWouldBlock, s.root)
		}

		time.Sleep(min(backoff, remaining))

		backoff = min(backoff*2, 25*time.Millisecond)
	}
}

func (s *Scanner) openLockFile(path string) (*os.File, error) {
	err := s.fs.MkdirAll(filepath.Dir(path), lockDirPerm)
	if err != nil {
		return nil, err
	}

	return s.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
}

// acquire flocks file and checks it is still the file at path. On failure
// the file is unlocked but not closed.
func (s *Scanner) acquire(file *os.File, path string) error {
	fd := int(file.Fd())

	err := flockRetryEINTR(fd, unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
		return ErrWouldBlock
	}

	if err != nil {
		return fmt.Errorf("flock: %w", err)
	}

	var opened, current unix.Stat_t

	err = unix.Fstat(fd, &opened)
	if err == nil {
		err = unix.Stat(path, &current)
	}

	if err != nil || opened.Dev != current.Dev || opened.Ino != current.Ino {
		_ = flockRetryEINTR(fd, unix.LOCK_UN)

		if err != nil && !errors.Is(err, unix.ENOENT) {
			return fmt.Errorf("verifying lock file: %w", err)
		}

		return errInodeMismatch
	}

	return nil
}

func flockRetryEINTR(fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = unix.Flock(fd, how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
