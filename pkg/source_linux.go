package fileaudit

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	fanotifyMetadataSize = 24
	fanotifyReadSize     = 64 * 1024
	fanotifyPollTimeout  = 200 // milliseconds
)

// FanotifySource reports file closes on the mounts holding a set of directories. It needs
// CAP_SYS_ADMIN. Closes of non-regular files are filtered out.
//
// The kernel only tells whether the file was open for writing, so write closes are reported
// as WriteOnly and all others as ReadOnly.
type FanotifySource struct {
	fd      int
	buf     []byte
	pending []RawEvent

	mu     sync.Mutex
	closed bool
}

// NewFanotifySource marks the mount of every path for close events
func NewFanotifySource(paths []string) (*FanotifySource, error) {
	fd, err := unix.FanotifyInit(unix.FAN_CLASS_NOTIF|unix.FAN_CLOEXEC|unix.FAN_NONBLOCK,
		unix.O_RDONLY|unix.O_LARGEFILE|unix.O_CLOEXEC)
	if err != nil {
		if errors.Is(err, unix.EPERM) {
			return nil, fmt.Errorf("%w: fanotify requires CAP_SYS_ADMIN", ErrPermissionDenied)
		}
		return nil, fmt.Errorf("fanotify_init failed: %w", err)
	}

	for _, path := range paths {
		err := unix.FanotifyMark(fd, unix.FAN_MARK_ADD|unix.FAN_MARK_MOUNT,
			unix.FAN_CLOSE_WRITE|unix.FAN_CLOSE_NOWRITE, unix.AT_FDCWD, path)
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("failed to mark mount of %s: %w", path, err)
		}
		debugLog("source").Str("path", path).Msg("fanotify mark added")
	}

	return &FanotifySource{
		fd:  fd,
		buf: make([]byte, fanotifyReadSize),
	}, nil
}

// Next returns the next close event of a regular file
func (fs *FanotifySource) Next(ctx context.Context) (RawEvent, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for len(fs.pending) == 0 {
		if fs.closed {
			return RawEvent{}, os.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return RawEvent{}, err
		}
		if err := fs.fill(); err != nil {
			return RawEvent{}, err
		}
	}

	ev := fs.pending[0]
	fs.pending[0] = RawEvent{}
	fs.pending = fs.pending[1:]
	return ev, nil
}

// fill waits briefly for the fanotify descriptor and decodes whatever is readable
func (fs *FanotifySource) fill() error {
	pfd := []unix.PollFd{{Fd: int32(fs.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, fanotifyPollTimeout)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("poll on fanotify failed: %w", err)
	}
	if n == 0 {
		return nil
	}

	nr, err := unix.Read(fs.fd, fs.buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("read from fanotify failed: %w", err)
	}
	fs.pending = decodeFanotifyEvents(fs.buf[:nr], fs.pending)
	return nil
}

// decodeFanotifyEvents appends the events in buf to out, closing descriptors of events that
// are dropped
func decodeFanotifyEvents(buf []byte, out []RawEvent) []RawEvent {
	for len(buf) >= fanotifyMetadataSize {
		eventLen := binary.NativeEndian.Uint32(buf[0:])
		version := buf[4]
		mask := binary.NativeEndian.Uint64(buf[8:])
		fd := int32(binary.NativeEndian.Uint32(buf[16:]))
		pid := int32(binary.NativeEndian.Uint32(buf[20:]))

		if eventLen < fanotifyMetadataSize || int(eventLen) > len(buf) {
			break
		}
		buf = buf[eventLen:]

		if version != unix.FANOTIFY_METADATA_VERSION {
			Logger().Warn().Uint8("version", version).Msg("unexpected fanotify metadata version")
			closeEventFd(fd)
			continue
		}
		if mask&unix.FAN_Q_OVERFLOW != 0 {
			eventsLost.Inc()
			Logger().Warn().Msg("fanotify queue overflow, events lost")
			closeEventFd(fd)
			continue
		}
		if fd < 0 {
			continue
		}

		var st unix.Stat_t
		if err := unix.Fstat(int(fd), &st); err != nil || st.Mode&unix.S_IFMT != unix.S_IFREG {
			closeEventFd(fd)
			continue
		}

		mode := ReadOnly
		if mask&unix.FAN_CLOSE_WRITE != 0 {
			mode = WriteOnly
		}
		out = append(out, RawEvent{
			PID:  uint32(pid),
			Mode: mode,
			File: os.NewFile(uintptr(fd), "fanotify:"+strconv.Itoa(int(fd))),
		})
	}
	return out
}

func closeEventFd(fd int32) {
	if fd >= 0 {
		unix.Close(int(fd))
	}
}

// Close releases undelivered events and the fanotify descriptor
func (fs *FanotifySource) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return nil
	}
	fs.closed = true
	for i := range fs.pending {
		fs.pending[i].release()
	}
	fs.pending = nil
	return unix.Close(fs.fd)
}
