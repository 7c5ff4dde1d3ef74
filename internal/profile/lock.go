package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// LockedError reports that another daemon already owns the profile.
type LockedError struct {
	PID  int
	Path string
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("profile is in use by pid %d (%s)", e.PID, e.Path)
}

// Lock holds the exclusive flock on a profile directory. It is released on
// daemon shutdown; the kernel drops it anyway if the process dies, so a
// crash never leaves a profile permanently locked.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the exclusive lock for a profile directory, creating the
// directory if needed. If another process holds it the error is a
// *LockedError carrying the holder's pid.
func AcquireLock(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	path := filepath.Join(dir, "LOCK")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		pid := holderPID(path)
		_ = f.Close()
		return nil, &LockedError{PID: pid, Path: path}
	}

	if err := writeHolder(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write lock holder: %w", err)
	}
	return &Lock{file: f, path: path}, nil
}

// Release drops the lock and removes the file. Idempotent and nil-safe.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

// writeHolder records "pid acquired-at" so a second daemon can name the
// current holder in its error.
func writeHolder(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err := fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	return err
}

func holderPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	pid, _ := strconv.Atoi(fields[0])
	return pid
}
