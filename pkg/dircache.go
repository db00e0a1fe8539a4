package fileaudit

import (
	"time"
)

// filterCacheEntry is the memo of the last resolved directory
type filterCacheEntry struct {
	key     DirKey
	path    string
	verdict Verdict
	expires time.Time
	valid   bool
}

// DirectoryFilterCache remembers the filter verdict of the most recently seen directory so
// that a burst of closes inside one directory evaluates the matchers once. A verdict is
// trusted until its expiry even if the directory was renamed in between.
//
// The cache is owned by a single consumer and is not safe for concurrent use.
type DirectoryFilterCache struct {
	entry    filterCacheEntry
	validity time.Duration
	now      func() time.Time

	hits   uint64
	misses uint64
}

// NewDirectoryFilterCache creates a cache whose entries stay valid for validity
func NewDirectoryFilterCache(validity time.Duration) *DirectoryFilterCache {
	if validity <= 0 {
		validity = DefaultCacheValidity
	}
	return &DirectoryFilterCache{
		validity: validity,
		now:      time.Now,
	}
}

// current reports whether the cached entry is usable for key
func (c *DirectoryFilterCache) current(key DirKey) bool {
	return c.entry.valid && c.entry.key == key && c.now().Before(c.entry.expires)
}

// Lookup returns the absolute path and verdict for the directory identified by key.
// On a hit the cached values are returned without calling resolve or evaluate, so the path of
// a sibling file is the cached path joined with its name.
// On a miss the directory is resolved, evaluated and cached for the validity window.
func (c *DirectoryFilterCache) Lookup(key DirKey, resolve func(DirKey) (string, error), evaluate func(string) Verdict) (string, Verdict, error) {
	if c.current(key) {
		c.hits++
		filterCacheHits.Inc()
		return c.entry.path, c.entry.verdict, nil
	}

	c.misses++
	filterCacheMisses.Inc()

	path, err := resolve(key)
	if err != nil {
		c.entry.valid = false
		return "", VerdictAllOff, err
	}
	verdict := evaluate(path)

	c.entry = filterCacheEntry{
		key:     key,
		path:    path,
		verdict: verdict,
		expires: c.now().Add(c.validity),
		valid:   true,
	}
	debugLog("cache").Str("dir", path).Uint8("verdict", uint8(verdict)).Msg("filter cache miss")
	return path, verdict, nil
}

// Invalidate drops the cached entry
func (c *DirectoryFilterCache) Invalidate() {
	c.entry.valid = false
}

// Stats returns the hit and miss counts
func (c *DirectoryFilterCache) Stats() (hits, misses uint64) {
	return c.hits, c.misses
}

// joinDirName concatenates an absolute directory and a base name
func joinDirName(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}
