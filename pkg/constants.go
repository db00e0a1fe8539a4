package fileaudit

import (
	"math"
	"time"
)

// AccessMode is the open mode of the file whose close produced an event.
// Values mirror O_RDONLY, O_WRONLY and O_RDWR.
type AccessMode int32

const (
	ReadOnly  AccessMode = 0
	WriteOnly AccessMode = 1
	ReadWrite AccessMode = 2
)

// String returns the short name of the access mode
func (m AccessMode) String() string {
	switch m {
	case ReadOnly:
		return "r"
	case WriteOnly:
		return "w"
	case ReadWrite:
		return "rw"
	default:
		return "unknown"
	}
}

// Channel identifies one of the independently filtered event streams of a session
type Channel int

const (
	ChannelWrite  Channel = iota // written files
	ChannelRead                  // read files
	ChannelScript                // read files whose content is captured
	numChannels
)

// ChannelName returns the human-readable name for a channel
func ChannelName(ch Channel) string {
	switch ch {
	case ChannelWrite:
		return "write"
	case ChannelRead:
		return "read"
	case ChannelScript:
		return "script"
	default:
		return "unknown"
	}
}

// Verdict is the per-directory filter result. A set bit switches a channel off.
type Verdict uint8

const (
	VerdictWriteOff  Verdict = 1 << 0
	VerdictReadOff   Verdict = 1 << 1
	VerdictScriptOff Verdict = 1 << 2

	VerdictAllOff = VerdictWriteOff | VerdictReadOff | VerdictScriptOff
)

// Off reports whether the verdict switches the given channel off
func (v Verdict) Off(ch Channel) bool {
	switch ch {
	case ChannelWrite:
		return v&VerdictWriteOff != 0
	case ChannelRead:
		return v&VerdictReadOff != 0
	case ChannelScript:
		return v&VerdictScriptOff != 0
	default:
		return true
	}
}

// Log record format constants
const (
	// flags(4) + mtime(8) + size(8) + mode(8) + hash(8) + hashIsNull(1) + contentByteCount(8)
	RecordHeaderSize = 45
	MaxPathLen       = 4096
)

// Limits and defaults
const (
	MaxMatcherPaths       = 64
	PageSize              = 4096
	MaxHashChunkSize      = 32 * PageSize
	MaxHashChunks         = 128
	DefaultHashChunkSize  = PageSize
	DefaultCacheValidity  = 5 * time.Second
	DefaultQueueCapacity  = 4096
	DefaultBufferSize     = 64 * 1024
	DefaultMaxEvents      = math.MaxInt32
	DefaultMaxStoreCount  = 32
	DefaultMaxStoreSize   = 512 * 1024
	ExitCodeUnavailable   = math.MinInt32
	minBufferSize         = RecordHeaderSize + MaxPathLen + 1
	consumerMinSleep      = 2 * time.Millisecond
	consumerMaxSleep      = time.Second
	defaultReaperInterval = 500 * time.Millisecond
)

// Result status codes
const (
	StatusOK           int32 = 0
	StatusWriteFailure int32 = 1
)
