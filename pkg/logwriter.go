package fileaudit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/google/vectorio"
	"golang.org/x/sys/unix"
)

// RecordHeader is the fixed part of one log record.
//
// On disk (little endian, packed, RecordHeaderSize bytes):
//
//	flags            int32   access mode that produced the record
//	mtime            uint64  unix seconds
//	size             uint64  file size at close time
//	mode             uint64  permission bits
//	hash             uint64  ignored if hashIsNull
//	hashIsNull       uint8
//	contentByteCount uint64  raw content bytes following the header
//
// The header is followed by contentByteCount content bytes and a NUL-terminated name which is
// either "dir/name" or, if the directory equals the previous record's on the same channel, "name".
type RecordHeader struct {
	Flags            int32
	MTime            uint64
	Size             uint64
	Mode             uint64
	Hash             uint64
	HashIsNull       bool
	ContentByteCount uint64
}

// encode writes the header into b, which must hold RecordHeaderSize bytes
func (h *RecordHeader) encode(b []byte) {
	_ = b[RecordHeaderSize-1]
	binary.LittleEndian.PutUint32(b[0:], uint32(h.Flags))
	binary.LittleEndian.PutUint64(b[4:], h.MTime)
	binary.LittleEndian.PutUint64(b[12:], h.Size)
	binary.LittleEndian.PutUint64(b[20:], h.Mode)
	binary.LittleEndian.PutUint64(b[28:], h.Hash)
	if h.HashIsNull {
		b[36] = 1
	} else {
		b[36] = 0
	}
	binary.LittleEndian.PutUint64(b[37:], h.ContentByteCount)
}

// decodeRecordHeader parses a header from b, which must hold RecordHeaderSize bytes
func decodeRecordHeader(b []byte) RecordHeader {
	_ = b[RecordHeaderSize-1]
	return RecordHeader{
		Flags:            int32(binary.LittleEndian.Uint32(b[0:])),
		MTime:            binary.LittleEndian.Uint64(b[4:]),
		Size:             binary.LittleEndian.Uint64(b[12:]),
		Mode:             binary.LittleEndian.Uint64(b[20:]),
		Hash:             binary.LittleEndian.Uint64(b[28:]),
		HashIsNull:       b[36] != 0,
		ContentByteCount: binary.LittleEndian.Uint64(b[37:]),
	}
}

// logChannel maps a session channel onto its log stream. Captured script content is logged
// as read records.
func logChannel(ch Channel) int {
	if ch == ChannelWrite {
		return 0
	}
	return 1
}

// LogWriter is the append-only, single-writer record sink of a session. Records are staged in
// a user buffer and written out with gathered writes when the buffer runs full or on Flush.
// Content capture bypasses the buffer and is transferred file to file.
//
// Only the owning consumer may call its methods.
type LogWriter struct {
	name   string
	file   *os.File
	fd     uintptr
	buf    []byte
	offset int64 // file offset of buf[0]

	lastDir [2]string
	haveDir [2]bool

	records      uint64
	contentBytes uint64
	corrections  uint64

	transfer func(src FileRef, count uint64) (uint64, error)
}

// NewLogWriter creates (truncating) the log file at path
func NewLogWriter(path string, bufferSize int) (*LogWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file %s: %w", path, err)
	}
	return NewLogWriterFile(file, bufferSize), nil
}

// NewLogWriterFile wraps an already open, writable, non-append file positioned at its end
func NewLogWriterFile(file *os.File, bufferSize int) *LogWriter {
	if bufferSize < minBufferSize {
		bufferSize = minBufferSize
	}
	offset, err := file.Seek(0, io.SeekCurrent)
	if err != nil {
		offset = 0
	}
	w := &LogWriter{
		name:   file.Name(),
		file:   file,
		fd:     file.Fd(),
		buf:    make([]byte, 0, bufferSize),
		offset: offset,
	}
	w.transfer = w.transferContent
	return w
}

// Name returns the log file name
func (w *LogWriter) Name() string {
	return w.name
}

// Records returns the number of records written
func (w *LogWriter) Records() uint64 {
	return w.records
}

// ContentBytes returns the number of captured content bytes written
func (w *LogWriter) ContentBytes() uint64 {
	return w.contentBytes
}

// Corrections returns how many headers were rewritten after a short content transfer
func (w *LogWriter) Corrections() uint64 {
	return w.corrections
}

// nameField returns the filename field for a record on channel ch and whether it carries the
// directory
func (w *LogWriter) nameField(ch int, dir, name string) (string, bool) {
	if w.haveDir[ch] && w.lastDir[ch] == dir {
		return name, false
	}
	return joinDirName(dir, name), true
}

// WriteRecord appends one record for the file name inside dir. If content is non-nil and the
// header promises content bytes, they are copied from content right after the header; a short
// copy rewrites the header with the number of bytes actually transferred. The returned header
// is the one persisted.
func (w *LogWriter) WriteRecord(ch Channel, hdr RecordHeader, dir, name string, content FileRef) (RecordHeader, error) {
	logCh := logChannel(ch)
	field, isFull := w.nameField(logCh, dir, name)

	need := RecordHeaderSize + len(field) + 1
	if need > cap(w.buf) {
		return hdr, fmt.Errorf("%w: record of %d bytes exceeds writer buffer of %d bytes", ErrCapacityExceeded, need, cap(w.buf))
	}
	if content == nil {
		hdr.ContentByteCount = 0
	}

	if len(w.buf)+need > cap(w.buf) {
		if err := w.Flush(); err != nil {
			return hdr, err
		}
	}

	headerOffset := w.offset + int64(len(w.buf))
	w.buf = w.buf[:len(w.buf)+RecordHeaderSize]
	hdr.encode(w.buf[len(w.buf)-RecordHeaderSize:])

	if hdr.ContentByteCount > 0 {
		if err := w.Flush(); err != nil {
			return hdr, err
		}
		copied, err := w.transfer(content, hdr.ContentByteCount)
		if err != nil {
			// Keep the header in line with the bytes that made it out
			if copied != hdr.ContentByteCount {
				hdr.ContentByteCount = copied
				if rerr := w.rewriteHeader(headerOffset, &hdr); rerr != nil {
					debugLog("writer").Err(rerr).Int64("offset", headerOffset).Msg("header correction after failed transfer")
				}
			}
			return hdr, err
		}
		w.contentBytes += copied
		if copied != hdr.ContentByteCount {
			hdr.ContentByteCount = copied
			if err := w.rewriteHeader(headerOffset, &hdr); err != nil {
				return hdr, err
			}
		}
	}

	w.buf = append(w.buf, field...)
	w.buf = append(w.buf, 0)

	if isFull {
		w.lastDir[logCh] = dir
		w.haveDir[logCh] = true
	}
	w.records++
	return hdr, nil
}

// transferContent copies up to count bytes from the start of src to the log's current end.
// Failures on the source side end the transfer early; they are not write failures.
func (w *LogWriter) transferContent(src FileRef, count uint64) (uint64, error) {
	var srcOffset int64
	var copied uint64

	for copied < count {
		chunk := count - copied
		if chunk > 1<<30 {
			chunk = 1 << 30
		}
		n, err := unix.Sendfile(int(w.fd), int(src.Fd()), &srcOffset, int(chunk))
		if n > 0 {
			copied += uint64(n)
			w.offset += int64(n)
		}
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			if copied == 0 && (errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOSYS)) {
				return w.copyContent(src, count)
			}
			if errors.Is(err, unix.ENOSPC) || errors.Is(err, unix.EDQUOT) || errors.Is(err, unix.EFBIG) {
				return copied, fmt.Errorf("%w: %v", ErrWriteFailure, err)
			}
			Logger().Warn().Err(err).Uint64("copied", copied).Uint64("expected", count).Msg("content transfer ended early")
			break
		}
		if n == 0 {
			break
		}
	}
	return copied, nil
}

// copyContent is the buffered fallback for sources sendfile cannot read from
func (w *LogWriter) copyContent(src FileRef, count uint64) (uint64, error) {
	n, err := io.Copy(w.file, io.NewSectionReader(src, 0, int64(count)))
	w.offset += n
	if err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) && pathErr.Path == w.name {
			return uint64(n), fmt.Errorf("%w: %v", ErrWriteFailure, err)
		}
		Logger().Warn().Err(err).Int64("copied", n).Uint64("expected", count).Msg("content copy ended early")
	}
	return uint64(n), nil
}

// rewriteHeader seeks back to a persisted header, rewrites it and seeks forward to the end
func (w *LogWriter) rewriteHeader(headerOffset int64, hdr *RecordHeader) error {
	var raw [RecordHeaderSize]byte
	hdr.encode(raw[:])

	if _, err := w.file.Seek(headerOffset, io.SeekStart); err != nil {
		return fmt.Errorf("%w: failed to seek to header at %d: %v", ErrWriteFailure, headerOffset, err)
	}
	if err := w.writev(raw[:]); err != nil {
		return err
	}
	if _, err := w.file.Seek(w.offset, io.SeekStart); err != nil {
		return fmt.Errorf("%w: failed to seek back to end at %d: %v", ErrWriteFailure, w.offset, err)
	}
	w.corrections++
	debugLog("writer").Int64("offset", headerOffset).Uint64("count", hdr.ContentByteCount).Msg("header corrected")
	return nil
}

// writev writes all of data at the current file position
func (w *LogWriter) writev(data []byte) error {
	for len(data) > 0 {
		iov := syscall.Iovec{Base: &data[0]}
		iov.SetLen(len(data))
		nw, err := vectorio.WritevRaw(w.fd, []syscall.Iovec{iov})
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return fmt.Errorf("%w: %v", ErrWriteFailure, err)
		}
		if nw <= 0 {
			return fmt.Errorf("%w: short write of %d bytes", ErrWriteFailure, len(data))
		}
		data = data[nw:]
	}
	return nil
}

// Flush writes out the staged records
func (w *LogWriter) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	if err := w.writev(w.buf); err != nil {
		return err
	}
	w.offset += int64(len(w.buf))
	w.buf = w.buf[:0]
	return nil
}

// Close flushes, syncs and closes the log file
func (w *LogWriter) Close() error {
	if w.file == nil {
		return nil
	}
	flushErr := w.Flush()
	syncErr := w.file.Sync()
	closeErr := w.file.Close()
	w.file = nil

	switch {
	case flushErr != nil:
		return flushErr
	case syncErr != nil:
		return fmt.Errorf("%w: failed to sync log: %v", ErrWriteFailure, syncErr)
	case closeErr != nil:
		return fmt.Errorf("%w: failed to close log: %v", ErrWriteFailure, closeErr)
	}
	return nil
}
