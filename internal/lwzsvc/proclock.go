package lwzsvc

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// defaultProcessLockName matches the advisory mutex name used by other
// implementations of this driver, so concurrent instances can find each
// other.
const defaultProcessLockName = "lwz_process_sync_mutex"

// processLock is a named, process-scoped advisory lock backed by a flock on
// a file in the temp directory. It coordinates multiple instances loaded in
// the same host; it does not gate I/O correctness.
type processLock struct {
	f *os.File
}

func acquireProcessLock(name string) (*processLock, error) {
	path := filepath.Join(os.TempDir(), name+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	return &processLock{f: f}, nil
}

func (l *processLock) release() {
	if l.f == nil {
		return
	}
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	l.f.Close()
	l.f = nil
}
