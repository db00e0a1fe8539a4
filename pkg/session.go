package fileaudit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle position of a session
type SessionState int32

const (
	StateUncommitted SessionState = iota
	StateCommitted
	StateDraining
	StateFinalized
)

// String returns the name of the state
func (st SessionState) String() string {
	switch st {
	case StateUncommitted:
		return "uncommitted"
	case StateCommitted:
		return "committed"
	case StateDraining:
		return "draining"
	case StateFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// ProcessID identifies an observed process. Sessions keep it as a plain comparison key.
type ProcessID uint32

// ChannelConfig configures the write or read channel
type ChannelConfig struct {
	Enabled       bool
	Include       []string
	Exclude       []string
	MaxEvents     int
	ExcludeHidden bool
}

// ScriptConfig configures content capture of read files
type ScriptConfig struct {
	Enabled       bool
	Include       []string
	Exclude       []string
	Extensions    []string // empty allows every extension
	MaxCount      int
	MaxSize       int64
	ExcludeHidden bool
}

// SessionOptions holds everything needed to build a session
type SessionOptions struct {
	ID      string
	LogPath string

	Write  ChannelConfig
	Read   ChannelConfig
	Script ScriptConfig

	HashChunkSize int
	HashMaxChunks int // 0 disables hashing

	QueueCapacity int
	CacheValidity time.Duration
	BufferSize    int

	// ReadWriteDual also considers read-write closes for the read channel
	ReadWriteDual bool

	Locator Locator
}

// DefaultSessionOptions returns options with every limit at its default and no channel enabled
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		Write:         ChannelConfig{MaxEvents: DefaultMaxEvents},
		Read:          ChannelConfig{MaxEvents: DefaultMaxEvents},
		Script:        ScriptConfig{MaxCount: DefaultMaxStoreCount, MaxSize: DefaultMaxStoreSize},
		HashChunkSize: DefaultHashChunkSize,
		QueueCapacity: DefaultQueueCapacity,
		CacheValidity: DefaultCacheValidity,
		BufferSize:    DefaultBufferSize,
	}
}

// ChannelCounters are the per-channel outcomes of classification
type ChannelCounters struct {
	Examined       uint64
	Logged         uint64
	DroppedByLimit uint64
	OutOfScope     uint64
	SkippedDeleted uint64
}

// Result is the one completion message of a session
type Result struct {
	SessionID   string
	LogPath     string
	Status      int32
	Err         error
	Write       ChannelCounters
	Read        ChannelCounters
	Script      ChannelCounters
	LostEvents  uint64
	StoredFiles uint64
	Records     uint64
	ExitCode    int32
	Duration    time.Duration
}

// channelState is the committed, consumer-side form of a channel
type channelState struct {
	enabled       bool
	include       *PathMatcher
	exclude       *PathMatcher
	maxEvents     uint64
	excludeHidden bool
	counters      ChannelCounters
}

// scriptState extends a channel with content capture limits
type scriptState struct {
	channelState
	extensions map[string]struct{}
	maxSize    int64
}

// Session is the reference-counted unit of observation for one process tree. It owns the
// matchers, the event queue, the consumer goroutine and the log writer.
//
// The creator holds the first reference; the consumer and every registry entry hold one
// more. Whoever releases the last reference finalizes the session: the log is flushed and
// closed and the Result is sent on Done exactly once.
type Session struct {
	id        string
	startTime time.Time

	mu      sync.Mutex
	state   atomic.Int32
	refs    atomic.Int32
	members atomic.Int32

	write  channelState
	read   channelState
	script scriptState

	readWriteDual bool
	locator       Locator
	hasher        *PartialHasher
	cache         *DirectoryFilterCache
	writer        *LogWriter

	queue    *EventQueue
	awake    atomic.Bool
	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	consumed chan struct{}

	failed  atomic.Bool
	failErr error

	exitTarget atomic.Uint32
	exitCode   atomic.Int32

	done chan Result
	sent atomic.Bool
}

// NewSession creates an uncommitted session and its log file
func NewSession(opts SessionOptions) (*Session, error) {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.LogPath == "" {
		opts.LogPath = filepath.Join(os.TempDir(), "faudit-"+opts.ID+".log")
	}
	if opts.Locator == nil {
		opts.Locator = ProcFDLocator{}
	}
	if err := ValidateHashConfig(opts.HashChunkSize, opts.HashMaxChunks); err != nil {
		return nil, err
	}

	s := &Session{
		id:            opts.ID,
		startTime:     time.Now(),
		readWriteDual: opts.ReadWriteDual,
		locator:       opts.Locator,
		hasher:        NewPartialHasher(opts.HashChunkSize, opts.HashMaxChunks),
		cache:         NewDirectoryFilterCache(opts.CacheValidity),
		queue:         NewEventQueue(opts.QueueCapacity),
		wake:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		consumed:      make(chan struct{}),
		done:          make(chan Result, 1),
	}
	s.refs.Store(1)
	s.awake.Store(true)
	s.exitCode.Store(ExitCodeUnavailable)

	if err := s.write.configure(opts.Write); err != nil {
		return nil, fmt.Errorf("write channel: %w", err)
	}
	if err := s.read.configure(opts.Read); err != nil {
		return nil, fmt.Errorf("read channel: %w", err)
	}
	if err := s.script.configure(opts.Script); err != nil {
		return nil, fmt.Errorf("script channel: %w", err)
	}

	writer, err := NewLogWriter(opts.LogPath, opts.BufferSize)
	if err != nil {
		return nil, err
	}
	s.writer = writer

	VerboseLog(2, "session %s created, log %s", s.id, opts.LogPath)
	return s, nil
}

// configure builds the matchers of a channel
func (c *channelState) configure(cfg ChannelConfig) error {
	c.enabled = cfg.Enabled
	c.excludeHidden = cfg.ExcludeHidden
	c.include = NewPathMatcher()
	c.exclude = NewPathMatcher()
	c.maxEvents = uint64(DefaultMaxEvents)
	if cfg.MaxEvents > 0 {
		c.maxEvents = uint64(cfg.MaxEvents)
	}
	if err := c.include.AddAll(cfg.Include); err != nil {
		return fmt.Errorf("include: %w", err)
	}
	if err := c.exclude.AddAll(cfg.Exclude); err != nil {
		return fmt.Errorf("exclude: %w", err)
	}
	return nil
}

// configure builds the matchers and limits of the script channel
func (sc *scriptState) configure(cfg ScriptConfig) error {
	err := sc.channelState.configure(ChannelConfig{
		Enabled:       cfg.Enabled,
		Include:       cfg.Include,
		Exclude:       cfg.Exclude,
		MaxEvents:     cfg.MaxCount,
		ExcludeHidden: cfg.ExcludeHidden,
	})
	if err != nil {
		return err
	}
	if cfg.MaxCount <= 0 {
		sc.maxEvents = DefaultMaxStoreCount
	}
	sc.maxSize = cfg.MaxSize
	if sc.maxSize <= 0 {
		sc.maxSize = DefaultMaxStoreSize
	}
	sc.extensions = make(map[string]struct{}, len(cfg.Extensions))
	for _, ext := range cfg.Extensions {
		sc.addExtension(ext)
	}
	return nil
}

// addExtension normalises and stores one allowed extension
func (sc *scriptState) addExtension(ext string) {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	if ext != "" {
		sc.extensions[ext] = struct{}{}
	}
}

// extensionAllowed reports whether name passes the extension allow-list
func (sc *scriptState) extensionAllowed(name string) bool {
	if len(sc.extensions) == 0 {
		return true
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	_, ok := sc.extensions[ext]
	return ok
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// LogPath returns the path of the session log
func (s *Session) LogPath() string {
	return s.writer.Name()
}

// State returns the current lifecycle state
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// channel returns the state of ch
func (s *Session) channel(ch Channel) *channelState {
	switch ch {
	case ChannelWrite:
		return &s.write
	case ChannelRead:
		return &s.read
	default:
		return &s.script.channelState
	}
}

// mutate runs fn under the session lock if the session is still uncommitted
func (s *Session) mutate(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateUncommitted {
		return ErrAlreadyCommitted
	}
	return fn()
}

// AddInclude adds an include path to a channel
func (s *Session) AddInclude(ch Channel, path string) error {
	return s.mutate(func() error {
		return s.channel(ch).include.Add(path)
	})
}

// AddExclude adds an exclude path to a channel
func (s *Session) AddExclude(ch Channel, path string) error {
	return s.mutate(func() error {
		return s.channel(ch).exclude.Add(path)
	})
}

// SetEnabled switches a channel on or off
func (s *Session) SetEnabled(ch Channel, enabled bool) error {
	return s.mutate(func() error {
		s.channel(ch).enabled = enabled
		return nil
	})
}

// SetMaxEvents sets the event cap of a channel; for the script channel it is the stored file cap
func (s *Session) SetMaxEvents(ch Channel, max int) error {
	if max < 1 {
		return fmt.Errorf("max events must be at least 1, got: %d", max)
	}
	return s.mutate(func() error {
		s.channel(ch).maxEvents = uint64(max)
		return nil
	})
}

// AddScriptExtension allows one more extension for content capture
func (s *Session) AddScriptExtension(ext string) error {
	return s.mutate(func() error {
		s.script.addExtension(ext)
		return nil
	})
}

// SetExitTarget designates the process whose exit status the Result reports
func (s *Session) SetExitTarget(pid ProcessID) {
	s.exitTarget.Store(uint32(pid))
}

// recordExit stores a known exit status if pid is the designated target
func (s *Session) recordExit(pid ProcessID, code int32) {
	if pid != 0 && code != ExitCodeUnavailable && s.exitTarget.Load() == uint32(pid) {
		s.exitCode.Store(code)
	}
}

// Commit freezes the configuration and starts the consumer. It fails with
// ErrNothingToObserve unless an enabled channel has an include path.
func (s *Session) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateUncommitted {
		return ErrAlreadyCommitted
	}

	observable := false
	for _, c := range []*channelState{&s.write, &s.read, &s.script.channelState} {
		if c.enabled && !c.include.Empty() {
			observable = true
		}
	}
	if !observable {
		return ErrNothingToObserve
	}

	for _, c := range []*channelState{&s.write, &s.read, &s.script.channelState} {
		c.include.Freeze()
		c.exclude.Freeze()
	}

	s.refs.Add(1)
	s.state.Store(int32(StateCommitted))
	activeSessions.Inc()
	go s.consume()

	VerboseLog(1, "session %s committed", s.id)
	return nil
}

// tryAcquire takes a reference unless the count already reached zero
func (s *Session) tryAcquire() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops one reference. The last release finalizes the session.
func (s *Session) Release() {
	n := s.refs.Add(-1)
	if n == 0 {
		s.finalize()
		return
	}
	if n < 0 {
		panic(fmt.Sprintf("session %s released more often than acquired", s.id))
	}
}

// addMember counts one more registry entry and returns the count before it
func (s *Session) addMember() int32 {
	return s.members.Add(1) - 1
}

// undoMember reverts an addMember whose entry was never stored. It only starts draining when
// the session had members before, so other entries were removed in the meantime.
func (s *Session) undoMember(prev int32) {
	if s.members.Add(-1) == 0 && prev > 0 {
		s.Stop()
	}
}

// removeMember drops one registry entry; the last one starts draining
func (s *Session) removeMember() {
	if s.members.Add(-1) == 0 {
		s.Stop()
	}
}

// Members returns the number of registry entries referencing the session
func (s *Session) Members() int {
	return int(s.members.Load())
}

// Stop asks the consumer to drain what is queued and exit
func (s *Session) Stop() {
	s.state.CompareAndSwap(int32(StateCommitted), int32(StateDraining))
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

// Enqueue hands ev to the consumer. The caller must hold a reference. Ownership of ev.File
// passes to the session whatever the outcome.
func (s *Session) Enqueue(ev RawEvent) error {
	if s.State() == StateUncommitted {
		ev.release()
		return ErrNotCommitted
	}
	if s.failed.Load() {
		ev.release()
		return nil
	}
	if !s.queue.Enqueue(ev) {
		ev.release()
		eventsLost.Inc()
		debugLog("queue").Str("session", s.id).Uint32("pid", ev.PID).Msg("queue full, event lost")
		return ErrLostEvent
	}
	eventsEnqueued.Inc()
	s.signal()
	return nil
}

// signal wakes the consumer unless it is already marked awake
func (s *Session) signal() {
	if s.awake.Load() || !s.awake.CompareAndSwap(false, true) {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// LostEvents returns the number of events dropped on queue overflow
func (s *Session) LostEvents() uint64 {
	return s.queue.Lost()
}

// fail marks the session as failed; the first error wins
func (s *Session) fail(err error) {
	if s.failed.CompareAndSwap(false, true) {
		s.failErr = err
		Logger().Error().Err(err).Str("session", s.id).Msg("session failed, ignoring further events")
	}
}

// Failed reports whether the session hit a write failure
func (s *Session) Failed() bool {
	return s.failed.Load()
}

// finalize runs once, on the goroutine dropping the last reference
func (s *Session) finalize() {
	prev := SessionState(s.state.Swap(int32(StateFinalized)))
	s.stopOnce.Do(func() {
		close(s.stop)
	})

	if prev != StateUncommitted {
		<-s.consumed
		// Events published by producers after the consumer left
		s.drain()
		activeSessions.Dec()
	}

	if err := s.writer.Close(); err != nil {
		s.fail(err)
	}

	result := s.result()
	sessionDuration.Observe(result.Duration.Seconds())
	VerboseLog(1, "session %s finalized: %d written, %d read, %d stored, %d lost",
		s.id, result.Write.Logged, result.Read.Logged, result.StoredFiles, result.LostEvents)
	s.complete(result)
}

// result assembles the completion message
func (s *Session) result() Result {
	r := Result{
		SessionID:   s.id,
		LogPath:     s.writer.Name(),
		Status:      StatusOK,
		Write:       s.write.counters,
		Read:        s.read.counters,
		Script:      s.script.counters,
		LostEvents:  s.queue.Lost(),
		StoredFiles: s.script.counters.Logged,
		Records:     s.writer.Records(),
		ExitCode:    s.exitCode.Load(),
		Duration:    time.Since(s.startTime),
	}
	if s.failed.Load() {
		r.Status = StatusWriteFailure
		r.Err = s.failErr
	}
	return r
}

// complete sends the result unless one was already sent
func (s *Session) complete(r Result) {
	if s.sent.CompareAndSwap(false, true) {
		s.done <- r
		close(s.done)
	}
}

// Done returns the channel the Result is delivered on
func (s *Session) Done() <-chan Result {
	return s.done
}

// Wait blocks until the session is finalized or ctx ends
func (s *Session) Wait(ctx context.Context) (Result, error) {
	select {
	case r, ok := <-s.done:
		if !ok {
			return Result{}, ErrSessionClosed
		}
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
