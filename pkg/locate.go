package fileaudit

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// FileRef keeps a closed-by-the-observed-process file alive until the consumer is done with
// it. *os.File satisfies it.
type FileRef interface {
	io.ReaderAt
	Fd() uintptr
	Stat() (os.FileInfo, error)
	Close() error
}

// DirKey is an opaque identity of a directory, only compared for equality
type DirKey string

// RawEvent is one file-close event as delivered by an event source.
// Ownership of File passes to whoever accepts the event; it is closed exactly once.
type RawEvent struct {
	PID  uint32
	Mode AccessMode
	File FileRef
}

// release closes the file reference of the event
func (ev *RawEvent) release() {
	if ev.File != nil {
		ev.File.Close()
		ev.File = nil
	}
}

// Locator maps a file reference to its containing directory and base name.
// Locate is called once per event; DirPath only on a directory filter cache miss, so a
// locator with a cheap directory identity leaves path resolution to the misses.
//
// ProcFDLocator has no such identity: an event descriptor only names its directory through
// the resolved path, so its key is that path and DirPath costs nothing.
type Locator interface {
	Locate(f FileRef) (dir DirKey, name string, err error)
	DirPath(dir DirKey) (string, error)
}

// ProcFDLocator resolves file references through /proc/self/fd. The directory key is the
// directory path itself.
type ProcFDLocator struct{}

const deletedSuffix = " (deleted)"

// Locate resolves the path of the open file
func (ProcFDLocator) Locate(f FileRef) (DirKey, string, error) {
	target, err := os.Readlink("/proc/self/fd/" + strconv.FormatUint(uint64(f.Fd()), 10))
	if err != nil {
		if os.IsPermission(err) {
			return "", "", fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return "", "", fmt.Errorf("failed to resolve fd %d: %w", f.Fd(), err)
	}
	if strings.HasSuffix(target, deletedSuffix) {
		return "", "", ErrDeleted
	}
	if !filepath.IsAbs(target) {
		return "", "", fmt.Errorf("%w: fd %d resolves to %q", ErrNotAbsolute, f.Fd(), target)
	}
	dir, name := splitDirName(target)
	return DirKey(dir), name, nil
}

// DirPath returns the directory path encoded in the key
func (ProcFDLocator) DirPath(dir DirKey) (string, error) {
	return string(dir), nil
}

// splitDirName splits an absolute path into its parent directory and base name
func splitDirName(path string) (string, string) {
	idx := strings.LastIndexByte(path, '/')
	if idx <= 0 {
		return "/", path[idx+1:]
	}
	return path[:idx], path[idx+1:]
}

// isDeletedFile reports whether the file has no links left
func isDeletedFile(info os.FileInfo) bool {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Nlink == 0
	}
	return false
}
