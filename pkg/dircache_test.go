package fileaudit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectoryFilterCacheHitMiss(t *testing.T) {
	now := time.Unix(1000, 0)
	cache := NewDirectoryFilterCache(5 * time.Second)
	cache.now = func() time.Time { return now }

	resolves, evaluations := 0, 0
	resolve := func(key DirKey) (string, error) {
		resolves++
		return string(key), nil
	}
	evaluate := func(dir string) Verdict {
		evaluations++
		if dir == "/tmp" {
			return VerdictAllOff
		}
		return VerdictReadOff
	}

	path, verdict, err := cache.Lookup("/home/u", resolve, evaluate)
	require.NoError(t, err)
	assert.Equal(t, "/home/u", path)
	assert.Equal(t, VerdictReadOff, verdict)

	// Same directory within the window
	now = now.Add(4 * time.Second)
	_, verdict, err = cache.Lookup("/home/u", resolve, evaluate)
	require.NoError(t, err)
	assert.Equal(t, VerdictReadOff, verdict)
	assert.Equal(t, 1, resolves)
	assert.Equal(t, 1, evaluations)

	assert.Equal(t, "/home/u/file.txt", joinDirName(path, "file.txt"))

	// Expired
	now = now.Add(2 * time.Second)
	_, _, err = cache.Lookup("/home/u", resolve, evaluate)
	require.NoError(t, err)
	assert.Equal(t, 2, evaluations)

	// Different directory replaces the entry
	_, verdict, err = cache.Lookup("/tmp", resolve, evaluate)
	require.NoError(t, err)
	assert.Equal(t, VerdictAllOff, verdict)
	assert.False(t, cache.current("/home/u"))

	hits, misses := cache.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(3), misses)
}

func TestDirectoryFilterCacheResolveError(t *testing.T) {
	cache := NewDirectoryFilterCache(0)
	failing := errors.New("gone")

	_, verdict, err := cache.Lookup("/x", func(DirKey) (string, error) {
		return "", failing
	}, func(string) Verdict { return 0 })
	assert.ErrorIs(t, err, failing)
	assert.Equal(t, VerdictAllOff, verdict)

	assert.False(t, cache.current("/x"))
}

func TestDirectoryFilterCacheInvalidate(t *testing.T) {
	cache := NewDirectoryFilterCache(time.Hour)
	evaluations := 0
	evaluate := func(string) Verdict {
		evaluations++
		return 0
	}
	resolve := func(key DirKey) (string, error) { return string(key), nil }

	cache.Lookup("/a", resolve, evaluate)
	cache.Invalidate()
	cache.Lookup("/a", resolve, evaluate)
	assert.Equal(t, 2, evaluations)
}

func TestJoinDirName(t *testing.T) {
	assert.Equal(t, "/a", joinDirName("/", "a"))
	assert.Equal(t, "/x/y/a", joinDirName("/x/y", "a"))

	dir, name := splitDirName("/a")
	assert.Equal(t, "/", dir)
	assert.Equal(t, "a", name)
	dir, name = splitDirName("/x/y/z.sh")
	assert.Equal(t, "/x/y", dir)
	assert.Equal(t, "z.sh", name)
}
