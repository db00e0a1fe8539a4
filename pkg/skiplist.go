package fileaudit

import (
	"strings"

	zcsl "github.com/mattkeenan/zerocopyskiplist"
)

// Summary contexts record on which channel a path was first seen
const (
	WriteContext  = "write"
	ReadContext   = "read"
	StoredContext = "stored"
)

// PathSummary aggregates all records of one path
type PathSummary struct {
	Path       string
	Writes     int
	Reads      int
	Stored     int
	LastSize   uint64
	LastMTime  uint64
	LastHash   uint64
	HashIsNull bool
}

// LogSummary is a path-ordered aggregation of a log, backed by a skiplist keyed on the path
type LogSummary struct {
	skiplist *zcsl.ZeroCopySkiplist[PathSummary, string, string]
	records  int
}

// NewLogSummary creates an empty summary
func NewLogSummary() *LogSummary {
	getKeyFromItem := func(item *PathSummary) string {
		return item.Path
	}
	getItemSize := func(item *PathSummary) int {
		return len(item.Path) + 64
	}

	return &LogSummary{
		skiplist: zcsl.MakeZeroCopySkiplist[PathSummary, string, string](
			16,
			getKeyFromItem,
			getItemSize,
			strings.Compare,
		),
	}
}

// entryContext returns the summary context for a record
func entryContext(e *LogEntry) string {
	switch {
	case e.Header.ContentByteCount > 0:
		return StoredContext
	case e.Channel == ChannelWrite:
		return WriteContext
	default:
		return ReadContext
	}
}

// Add folds one record into the summary
func (ls *LogSummary) Add(e *LogEntry) {
	ls.records++

	item, _ := ls.skiplist.Find(e.Path)
	if item != nil {
		item.Item().fold(e)
		return
	}

	summary := &PathSummary{Path: e.Path}
	summary.fold(e)
	ls.skiplist.Insert(summary, entryContext(e))
}

// fold applies one record to the path summary
func (ps *PathSummary) fold(e *LogEntry) {
	if e.Channel == ChannelWrite {
		ps.Writes++
	} else {
		ps.Reads++
	}
	if e.Header.ContentByteCount > 0 {
		ps.Stored++
	}
	ps.LastSize = e.Header.Size
	ps.LastMTime = e.Header.MTime
	ps.LastHash = e.Header.Hash
	ps.HashIsNull = e.Header.HashIsNull
}

// Len returns the number of distinct paths
func (ls *LogSummary) Len() int {
	return ls.skiplist.Length()
}

// Records returns the number of records folded in
func (ls *LogSummary) Records() int {
	return ls.records
}

// ForEach iterates the paths in sorted order with the context they were first seen in
func (ls *LogSummary) ForEach(callback func(*PathSummary, string) bool) {
	for current := ls.skiplist.First(); current != nil; current = current.Next() {
		if !callback(current.Item(), current.Context()) {
			break
		}
	}
}

// SummariseLogFile reads the log at path into a summary
func SummariseLogFile(path string) (*LogSummary, error) {
	entries, err := ReadLogFile(path, true)
	summary := NewLogSummary()
	for _, e := range entries {
		summary.Add(e)
	}
	return summary, err
}
