// Package sys wraps the file-system operations of the archive so open handles
// can be tracked and opens replaced in tests.
package sys

import (
	"io"
	"os"
	"sync/atomic"
)

var trackFiles atomic.Bool

// FileHandle is the subset of *os.File the archive uses.
type FileHandle interface {
	io.ReadWriteCloser
	io.ReaderAt
	io.Seeker
	io.StringWriter

	Stat() (os.FileInfo, error)
	Sync() error
	Name() string
}

type OpenHandler func(name string) (FileHandle, error)
type OpenFileHandler func(name string, flag int, perm os.FileMode) (FileHandle, error)
type RemoveHandler func(name string) error

// SetTrackOpenFiles makes files opened afterwards appear in OpenHandles until closed.
func SetTrackOpenFiles(on bool) {
	trackFiles.Store(on)
}

func osOpenFile(name string, flag int, perm os.FileMode) (FileHandle, error) {
	if trackFiles.Load() {
		return openTracked(name, flag, perm)
	}
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// OpenFile is replaceable so tests can inject open failures.
var OpenFile OpenFileHandler = osOpenFile

var Open OpenHandler = func(name string) (FileHandle, error) {
	return OpenFile(name, os.O_RDONLY, 0)
}

// OpenAppend opens name for appending, creating it if necessary.
func OpenAppend(name string) (FileHandle, error) {
	return OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

var Remove RemoveHandler = func(name string) error {
	return os.Remove(name)
}
