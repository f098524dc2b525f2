package sys

import (
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
)

var _ FileHandle = (*trackedFile)(nil)

var (
	nextHandleID atomic.Uint64
	openHandles  sync.Map // id -> path
	trackLogger  atomic.Pointer[slog.Logger]
)

// SetTrackLogger sets the logger receiving open and close records of tracked
// files. Without one, tracking is silent.
func SetTrackLogger(l *slog.Logger) {
	trackLogger.Store(l)
}

// trackedFile registers itself in the open-handle table until closed.
type trackedFile struct {
	*os.File
	id     uint64
	logger *slog.Logger
}

func openTracked(name string, flag int, perm os.FileMode) (FileHandle, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	id := nextHandleID.Add(1)
	openHandles.Store(id, f.Name())
	tf := &trackedFile{File: f, id: id}
	if l := trackLogger.Load(); l != nil {
		tf.logger = l.With("component", "TrackedFile", "handle_id", id, "path", name)
		tf.logger.Debug("File opened", "flag", flag)
	}
	return tf, nil
}

func (f *trackedFile) Close() error {
	if _, loaded := openHandles.LoadAndDelete(f.id); !loaded {
		return os.ErrClosed
	}
	if f.logger != nil {
		f.logger.Debug("File closed")
	}
	return f.File.Close()
}

// OpenHandles returns the sorted paths of tracked files not yet closed.
func OpenHandles() []string {
	var names []string
	openHandles.Range(func(_, v any) bool {
		names = append(names, v.(string))
		return true
	})
	sort.Strings(names)
	return names
}
