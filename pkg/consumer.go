package fileaudit

import (
	"errors"
	"os"
	"strings"
	"syscall"
	"time"
)

// consume is the session's single consumer goroutine. It drains the queue, then sleeps until
// a producer wakes it, a backoff timer fires or the session is stopped.
//
// Producers publish before they read the awake flag and the consumer clears the flag before
// it re-checks the queue, so an event is either seen by the re-check or its producer finds
// the flag cleared and sends a wakeup.
func (s *Session) consume() {
	defer s.Release()
	defer close(s.consumed)

	sleep := consumerMinSleep
	timer := time.NewTimer(sleep)
	defer timer.Stop()

	for {
		if s.drain() > 0 {
			sleep = consumerMinSleep
		}

		select {
		case <-s.stop:
			if !s.queue.Ready() {
				debugLog("consumer").Str("session", s.id).Msg("consumer stopped")
				return
			}
			continue
		default:
		}

		s.awake.Store(false)
		if s.queue.Ready() {
			s.awake.Store(true)
			continue
		}

		timer.Reset(sleep)
		select {
		case <-s.wake:
			sleep = consumerMinSleep
		case <-timer.C:
			sleep = min(sleep*2, consumerMaxSleep)
		case <-s.stop:
		}
		s.awake.Store(true)
	}
}

// drain processes every published event and returns how many there were
func (s *Session) drain() int {
	n := 0
	for {
		ev, ok := s.queue.Dequeue()
		if !ok {
			return n
		}
		s.process(ev)
		n++
	}
}

// process classifies one event and releases its file
func (s *Session) process(ev RawEvent) {
	defer ev.release()
	if s.failed.Load() {
		return
	}
	if err := s.classify(&ev); err != nil {
		if errors.Is(err, ErrWriteFailure) {
			s.fail(err)
			return
		}
		debugLog("consumer").Err(err).Uint32("pid", ev.PID).Msg("event dropped")
	}
}

// evaluate computes the verdict of all channels for directory dir
func (s *Session) evaluate(dir string) Verdict {
	var v Verdict
	for ch, c := range []*channelState{&s.write, &s.read, &s.script.channelState} {
		if !c.enabled || !c.include.IsSubpath(dir, true) || c.exclude.IsSubpath(dir, true) {
			v |= Verdict(1) << ch
		}
	}
	return v
}

// isHidden reports whether a base name is a dot file
func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// classify decides which channels record ev and writes the records. Checks run in this
// order: mode, deletion, directory verdict, filename, event limit. Only errors wrapping
// ErrWriteFailure affect the session.
func (s *Session) classify(ev *RawEvent) error {
	wantWrite := s.write.enabled && (ev.Mode == WriteOnly || ev.Mode == ReadWrite)
	readSide := ev.Mode == ReadOnly || (ev.Mode == ReadWrite && s.readWriteDual)
	wantRead := readSide && s.read.enabled
	wantScript := readSide && s.script.enabled && s.script.counters.Logged < s.script.maxEvents
	if !wantWrite && !wantRead && !wantScript {
		return nil
	}

	active := make([]*channelState, 0, numChannels)
	if wantWrite {
		active = append(active, &s.write)
	}
	if wantRead {
		active = append(active, &s.read)
	}
	if wantScript {
		active = append(active, &s.script.channelState)
	}
	for _, c := range active {
		c.counters.Examined++
	}

	info, err := ev.File.Stat()
	if err != nil {
		return err
	}
	if isDeletedFile(info) {
		skipDeleted(active)
		return nil
	}

	key, name, err := s.locator.Locate(ev.File)
	if errors.Is(err, ErrDeleted) {
		skipDeleted(active)
		return nil
	}
	if err != nil {
		return err
	}

	dir, verdict, err := s.cache.Lookup(key, s.locator.DirPath, s.evaluate)
	if err != nil {
		return err
	}
	hidden := isHidden(name)

	var hdr *RecordHeader
	header := func() (RecordHeader, error) {
		if hdr == nil {
			h, err := s.buildHeader(ev.File, info)
			if err != nil {
				return h, err
			}
			hdr = &h
		}
		return *hdr, nil
	}

	if wantWrite {
		switch {
		case verdict.Off(ChannelWrite) || (s.write.excludeHidden && hidden):
			s.write.counters.OutOfScope++
			eventsDropped.WithLabelValues(dropOutOfScope).Inc()
		case s.write.counters.Logged >= s.write.maxEvents:
			s.write.counters.DroppedByLimit++
			eventsDropped.WithLabelValues(dropLimit).Inc()
		default:
			h, err := header()
			if err != nil {
				return err
			}
			h.Flags = int32(ev.Mode)
			if err := s.logRecord(ChannelWrite, h, dir, name, nil); err != nil {
				return err
			}
			s.write.counters.Logged++
		}
	}

	if !wantRead && !wantScript {
		return nil
	}

	readInScope := wantRead && !verdict.Off(ChannelRead) && !(s.read.excludeHidden && hidden)
	store := wantScript &&
		!verdict.Off(ChannelScript) &&
		!(s.script.excludeHidden && hidden) &&
		s.script.extensionAllowed(name) &&
		info.Size() <= s.script.maxSize

	if wantScript && !store {
		s.script.counters.OutOfScope++
	}

	switch {
	case store:
		// Captured files are exempt from the read limit
		h, err := header()
		if err != nil {
			return err
		}
		h.Flags = readFlags(ev.Mode)
		h.ContentByteCount = uint64(info.Size())
		if err := s.logRecord(ChannelScript, h, dir, name, ev.File); err != nil {
			return err
		}
		s.script.counters.Logged++
		if readInScope {
			s.read.counters.Logged++
		}
	case !wantRead:
	case !readInScope:
		s.read.counters.OutOfScope++
		eventsDropped.WithLabelValues(dropOutOfScope).Inc()
	case s.read.counters.Logged >= s.read.maxEvents:
		s.read.counters.DroppedByLimit++
		eventsDropped.WithLabelValues(dropLimit).Inc()
	default:
		h, err := header()
		if err != nil {
			return err
		}
		h.Flags = readFlags(ev.Mode)
		if err := s.logRecord(ChannelRead, h, dir, name, nil); err != nil {
			return err
		}
		s.read.counters.Logged++
	}
	return nil
}

// readFlags returns the record flags of a read-channel record for an event of mode m
func readFlags(m AccessMode) int32 {
	if m == ReadWrite {
		return int32(ReadOnly) | RecordFlagFromReadWrite
	}
	return int32(ReadOnly)
}

// skipDeleted counts a deleted file on every active channel
func skipDeleted(active []*channelState) {
	for _, c := range active {
		c.counters.SkippedDeleted++
	}
	eventsDropped.WithLabelValues(dropDeleted).Inc()
}

// buildHeader fills the metadata and partial hash of a record
func (s *Session) buildHeader(f FileRef, info os.FileInfo) (RecordHeader, error) {
	hdr := RecordHeader{
		MTime:      uint64(info.ModTime().Unix()),
		Size:       uint64(info.Size()),
		Mode:       uint64(info.Mode().Perm()),
		HashIsNull: true,
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		hdr.Mode = uint64(st.Mode & 07777)
	}

	if s.hasher.Enabled() {
		sum, ok, err := s.hasher.Digest(f, info.Size())
		if err != nil {
			return hdr, err
		}
		if ok {
			hdr.Hash = sum
			hdr.HashIsNull = false
		}
	}
	return hdr, nil
}

// logRecord writes one record and accounts for it
func (s *Session) logRecord(ch Channel, hdr RecordHeader, dir, name string, content FileRef) error {
	written, err := s.writer.WriteRecord(ch, hdr, dir, name, content)
	if err != nil {
		if errors.Is(err, ErrCapacityExceeded) {
			debugLog("writer").Str("dir", dir).Str("name", name).Msg("record too large, skipped")
			return nil
		}
		return err
	}
	recordsWritten.WithLabelValues(ChannelName(ch)).Inc()
	bytesCaptured.Add(float64(written.ContentByteCount))
	return nil
}
