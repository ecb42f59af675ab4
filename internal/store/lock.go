package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// lockFile is the advisory single-writer lock next to the database.
// Content is "<pid>\n<unix-nanos>\n".
type lockFile struct {
	path string
	pid  int
}

// heldLocks records the lock files this process currently owns. A lock file
// carrying our pid that is not in the set was left by an earlier process
// that happened to get the same pid.
var heldLocks = struct {
	sync.Mutex
	paths map[string]bool
}{paths: map[string]bool{}}

func lockKey(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

func markHeld(path string, held bool) {
	heldLocks.Lock()
	defer heldLocks.Unlock()
	if held {
		heldLocks.paths[lockKey(path)] = true
	} else {
		delete(heldLocks.paths, lockKey(path))
	}
}

func isHeld(path string) bool {
	heldLocks.Lock()
	defer heldLocks.Unlock()
	return heldLocks.paths[lockKey(path)]
}

func lockPath(dbPath string) string { return dbPath + ".lock" }

func acquireLock(dbPath string, staleAfter time.Duration, log *zap.Logger) (*lockFile, error) {
	path := lockPath(dbPath)
	pid := os.Getpid()

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n%d\n", pid, time.Now().UnixNano())
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("write lock: %w", errors.Join(werr, cerr))
			}
			markHeld(path, true)
			return &lockFile{path: path, pid: pid}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock: %w", err)
		}

		stale, reason := lockIsStale(path, staleAfter)
		if !stale {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		log.Info("cold start: removing stale lock", zap.String("lock", path), zap.String("reason", reason))
		if err := coldStartCleanup(dbPath); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLocked, path)
}

// lockIsStale reports whether the holder of the lock at path is gone.
func lockIsStale(path string, staleAfter time.Duration) (bool, string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true, "vanished"
		}
		return false, ""
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return true, "malformed"
	}
	pid, err1 := strconv.Atoi(fields[0])
	nanos, err2 := strconv.ParseInt(fields[1], 10, 64)
	if err1 != nil || err2 != nil {
		return true, "malformed"
	}
	if time.Since(time.Unix(0, nanos)) > staleAfter {
		return true, "expired"
	}
	if pid == os.Getpid() {
		if isHeld(path) {
			return false, ""
		}
		return true, "pid reused"
	}
	if !pidAlive(pid) {
		return true, "holder exited"
	}
	return false, ""
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// coldStartCleanup removes artifacts left by a writer that is known to be
// gone. The -wal file holds committed pages and is left for SQLite to replay;
// the -shm index is rebuilt from it on open.
func coldStartCleanup(dbPath string) error {
	for _, p := range []string{lockPath(dbPath), dbPath + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("cold start cleanup %s: %w", p, err)
		}
	}
	return nil
}

// release removes the lock if this process still owns it.
func (l *lockFile) release() error {
	if l == nil {
		return nil
	}
	markHeld(l.path, false)
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read lock: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 || fields[0] != strconv.Itoa(l.pid) {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}
