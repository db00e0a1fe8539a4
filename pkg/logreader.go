package fileaudit

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// RecordFlagFromReadWrite marks the read-channel copy of a read-write close when dual
// accounting is enabled. The access mode bits of such a record say ReadOnly.
const RecordFlagFromReadWrite int32 = 1 << 8

const recordModeMask int32 = 0x3

// recordChannel returns the log stream a record belongs to
func recordChannel(flags int32) Channel {
	if AccessMode(flags&recordModeMask) == ReadOnly {
		return ChannelRead
	}
	return ChannelWrite
}

// LogEntry is one record read back from a log with its full path reconstructed
type LogEntry struct {
	Path    string
	Header  RecordHeader
	Channel Channel
	Offset  int64  // offset of the record header in the log
	Content []byte // captured content, nil if none
}

// Mode returns the access mode bits of the record
func (e *LogEntry) Mode() AccessMode {
	return AccessMode(e.Header.Flags & recordModeMask)
}

// LogReader reads records in the order they were written
type LogReader struct {
	r       *bufio.Reader
	offset  int64
	lastDir [2]string
	haveDir [2]bool
	index   int

	// SkipContent discards captured content instead of returning it
	SkipContent bool
}

// NewLogReader creates a reader over a log stream
func NewLogReader(r io.Reader) *LogReader {
	return &LogReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next record or io.EOF after the last complete one
func (lr *LogReader) Next() (*LogEntry, error) {
	var raw [RecordHeaderSize]byte
	n, err := io.ReadFull(lr.r, raw[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("record %d: truncated header at offset %d: %w", lr.index, lr.offset, io.ErrUnexpectedEOF)
	}

	entry := &LogEntry{
		Header: decodeRecordHeader(raw[:]),
		Offset: lr.offset,
	}
	entry.Channel = recordChannel(entry.Header.Flags)
	lr.offset += RecordHeaderSize

	if count := entry.Header.ContentByteCount; count > 0 {
		if lr.SkipContent {
			skipped, err := lr.r.Discard(int(count))
			lr.offset += int64(skipped)
			if err != nil {
				return nil, fmt.Errorf("record %d: truncated content: %w", lr.index, io.ErrUnexpectedEOF)
			}
		} else {
			entry.Content = make([]byte, count)
			if _, err := io.ReadFull(lr.r, entry.Content); err != nil {
				return nil, fmt.Errorf("record %d: truncated content: %w", lr.index, io.ErrUnexpectedEOF)
			}
			lr.offset += int64(count)
		}
	}

	field, err := lr.r.ReadString(0)
	if err != nil {
		return nil, fmt.Errorf("record %d: unterminated name: %w", lr.index, io.ErrUnexpectedEOF)
	}
	lr.offset += int64(len(field))
	field = field[:len(field)-1]

	ch := logChannel(entry.Channel)
	if strings.HasPrefix(field, "/") {
		dir, _ := splitDirName(field)
		lr.lastDir[ch] = dir
		lr.haveDir[ch] = true
		entry.Path = field
	} else {
		if !lr.haveDir[ch] {
			return nil, fmt.Errorf("record %d: name %q without a preceding directory on the %s channel",
				lr.index, field, ChannelName(entry.Channel))
		}
		entry.Path = joinDirName(lr.lastDir[ch], field)
	}

	lr.index++
	return entry, nil
}

// ForEach calls fn for every record until fn returns false or the log ends
func (lr *LogReader) ForEach(fn func(*LogEntry) bool) error {
	for {
		entry, err := lr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if !fn(entry) {
			return nil
		}
	}
}

// ReadLogFile reads all records of the log at path
func ReadLogFile(path string, skipContent bool) ([]*LogEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log %s: %w", path, err)
	}
	defer file.Close()

	var entries []*LogEntry
	reader := NewLogReader(file)
	reader.SkipContent = skipContent
	err = reader.ForEach(func(e *LogEntry) bool {
		entries = append(entries, e)
		return true
	})
	return entries, err
}
