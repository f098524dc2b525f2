//go:build !unix

package sys

func LockOwner(path string) (func() error, error) {
	return nil, ErrOSFileLockNotSupported
}
