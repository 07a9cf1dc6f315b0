package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockHeldError is returned when another daemon already serves the instance.
// The routing table lives in one process, so two daemons on one database
// would split connections between them.
type LockHeldError struct {
	PID    int
	Listen string
	Path   string
}

func (e *LockHeldError) Error() string {
	if e.Listen != "" {
		return fmt.Sprintf("instance lock held by PID %d listening on %s (%s)", e.PID, e.Listen, e.Path)
	}
	return fmt.Sprintf("instance lock held by PID %d (%s)", e.PID, e.Path)
}

// Lock represents an acquired instance lock file.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive flock on instanceDir/LOCK and records the
// holder's PID and listen address in it.
func Acquire(instanceDir, listenAddr string) (*Lock, error) {
	lockPath := filepath.Join(instanceDir, "LOCK")

	if err := os.MkdirAll(instanceDir, 0700); err != nil {
		return nil, fmt.Errorf("create instance dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		data, _ := os.ReadFile(lockPath)
		_ = f.Close()
		held := parseHolder(string(data))
		held.Path = lockPath
		return nil, held
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	content := fmt.Sprintf("pid=%d\nlisten=%s\ntime=%s\n", os.Getpid(), listenAddr, time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Lock{file: f, path: lockPath}, nil
}

// Release releases the lock. Safe to call on nil receiver and more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func parseHolder(content string) *LockHeldError {
	held := &LockHeldError{}
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			held.PID, _ = strconv.Atoi(value)
		case "listen":
			held.Listen = value
		}
	}
	return held
}
