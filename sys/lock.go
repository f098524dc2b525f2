package sys

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrLocked is returned when another process holds a lock.
var ErrLocked = errors.New("locked")

// ErrOSFileLockNotSupported is returned by LockOwner on platforms without flock.
var ErrOSFileLockNotSupported = errors.New("OS file locking not supported on this platform")

// DefaultLockStaleTTL is the age after which a leftover lock file is broken.
var DefaultLockStaleTTL = 30 * time.Second

// AcquireFileLock creates path + ".lock" atomically (O_EXCL), retrying up to
// maxRetries times. A lock file older than staleTTL is considered abandoned and
// removed. The returned release function removes the lock file only if it still
// carries this process's pid and timestamp.
func AcquireFileLock(path string, maxRetries int, retryInterval time.Duration, staleTTL time.Duration) (func() error, error) {
	lockPath := path + ".lock"
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			stamp := lockStamp(os.Getpid(), time.Now().UTC().UnixNano())
			_, _ = f.Write(stamp)
			f.Close()
			return func() error { return releaseFileLock(lockPath, stamp) }, nil
		}
		lastErr = err
		if os.IsExist(err) && staleTTL > 0 && lockAge(lockPath) > staleTTL {
			_ = os.Remove(lockPath)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		time.Sleep(retryInterval)
	}
	if lastErr == nil {
		lastErr = errors.New("failed to acquire lock")
	}
	return nil, fmt.Errorf("AcquireFileLock: %w", lastErr)
}

// lockStamp is pid (uint32) followed by unixnano (uint64), little endian.
func lockStamp(pid int, ts int64) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(pid))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(ts))
	return buf
}

func lockAge(lockPath string) time.Duration {
	now := time.Now().UTC()
	if b, err := os.ReadFile(lockPath); err == nil && len(b) >= 12 {
		ts := int64(binary.LittleEndian.Uint64(b[4:12]))
		if ts > 0 {
			return now.Sub(time.Unix(0, ts))
		}
	}
	if info, err := os.Stat(lockPath); err == nil {
		return now.Sub(info.ModTime())
	}
	return 0
}

func releaseFileLock(lockPath string, stamp []byte) error {
	b, err := os.ReadFile(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if string(b) != string(stamp) {
		// taken over by someone else after a stale break
		return nil
	}
	return os.Remove(lockPath)
}
