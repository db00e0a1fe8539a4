package fileaudit

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// Observe re-executes the test binary as the gate of observed commands
	if len(os.Args) > 1 && os.Args[1] == GateCommand {
		args := os.Args[2:]
		if len(args) > 0 && args[0] == "--" {
			args = args[1:]
		}
		err := RunGate(args)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(127)
	}
	goleak.VerifyTestMain(m)
}

// fakeFile is an in-memory FileRef
type fakeFile struct {
	path    string
	data    []byte
	mtime   time.Time
	deleted bool
	closed  atomic.Int32
}

func newFakeFile(path string, data []byte) *fakeFile {
	return &fakeFile{path: path, data: data, mtime: time.Unix(1700000000, 0)}
}

func (f *fakeFile) ReadAt(p []byte, off int64) (int, error) {
	return bytes.NewReader(f.data).ReadAt(p, off)
}

// Fd returns a descriptor that is never open so content transfers fail
func (f *fakeFile) Fd() uintptr {
	return uintptr(1 << 30)
}

func (f *fakeFile) Stat() (os.FileInfo, error) {
	st := &syscall.Stat_t{Nlink: 1, Mode: 0640}
	if f.deleted {
		st.Nlink = 0
	}
	return fakeInfo{name: f.path, size: int64(len(f.data)), mtime: f.mtime, sys: st}, nil
}

func (f *fakeFile) Close() error {
	f.closed.Add(1)
	return nil
}

type fakeInfo struct {
	name  string
	size  int64
	mtime time.Time
	sys   *syscall.Stat_t
}

func (fi fakeInfo) Name() string       { return fi.name }
func (fi fakeInfo) Size() int64        { return fi.size }
func (fi fakeInfo) Mode() os.FileMode  { return 0640 }
func (fi fakeInfo) ModTime() time.Time { return fi.mtime }
func (fi fakeInfo) IsDir() bool        { return false }
func (fi fakeInfo) Sys() any           { return fi.sys }

// fakeLocator resolves fakeFiles by their path and real files through /proc
type fakeLocator struct {
	mu       sync.Mutex
	resolved int
}

func (l *fakeLocator) Locate(f FileRef) (DirKey, string, error) {
	ff, ok := f.(*fakeFile)
	if !ok {
		return ProcFDLocator{}.Locate(f)
	}
	dir, name := splitDirName(ff.path)
	return DirKey(dir), name, nil
}

func (l *fakeLocator) DirPath(key DirKey) (string, error) {
	l.mu.Lock()
	l.resolved++
	l.mu.Unlock()
	return string(key), nil
}

func (l *fakeLocator) Resolved() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resolved
}

// readAllEntries reads back a log file, failing the test on error
func readAllEntries(t *testing.T, path string) []*LogEntry {
	t.Helper()
	entries, err := ReadLogFile(path, false)
	if err != nil && err != io.EOF {
		t.Fatalf("failed to read log %s: %v", path, err)
	}
	return entries
}

// entryPaths returns the paths of entries in order
func entryPaths(entries []*LogEntry) []string {
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	return paths
}
