package fileaudit

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// naiveIsSubpath is the reference definition of IsSubpath
func naiveIsSubpath(stored []string, path string, allowEquals bool) bool {
	if path == "" {
		return false
	}
	for _, s := range stored {
		if s == "/" {
			return true
		}
		if allowEquals && s == path {
			return true
		}
		if strings.HasPrefix(path, s+"/") {
			return true
		}
	}
	return false
}

func TestPathMatcherIsSubpath(t *testing.T) {
	pm := NewPathMatcher()
	require.NoError(t, pm.AddAll([]string{"/home/u", "/srv/data", "/tmp"}))

	testCases := []struct {
		path        string
		allowEquals bool
		expected    bool
	}{
		{"/home/u/a", false, true},
		{"/home/u/deep/nested/file", false, true},
		{"/home/u", false, false},
		{"/home/u", true, true},
		{"/home/user", false, false},
		{"/home/user/a", false, false},
		{"/home", true, false},
		{"/srv/data/x", false, true},
		{"/srv/database", false, false},
		{"/tmp/x", false, true},
		{"/var/tmp/x", false, false},
		{"", true, false},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%s/%t", tc.path, tc.allowEquals), func(t *testing.T) {
			assert.Equal(t, tc.expected, pm.IsSubpath(tc.path, tc.allowEquals))
		})
	}
}

func TestPathMatcherRoot(t *testing.T) {
	pm := NewPathMatcher()
	require.NoError(t, pm.Add("/"))

	assert.True(t, pm.IsSubpath("/anything", false))
	assert.True(t, pm.IsSubpath("/", false))
	assert.False(t, pm.IsSubpath("", true))
	assert.Equal(t, []string{"/"}, pm.Paths())
}

func TestPathMatcherMatchesReference(t *testing.T) {
	vocabulary := []string{
		"/a", "/ab", "/a/b", "/a/bc", "/a/b/c", "/b", "/bb/a", "/a/b/c/d", "/abc/d", "/x/y/z",
	}
	candidates := append([]string{"/", "/a/", "/c", "/a/b/c/d/e", "/bb", "/bb/a/b", "/abc"}, vocabulary...)

	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		var stored []string
		pm := NewPathMatcher()
		for _, p := range vocabulary {
			if rng.Intn(3) == 0 {
				stored = append(stored, p)
				require.NoError(t, pm.Add(p))
			}
		}

		for _, c := range candidates {
			for _, allowEquals := range []bool{false, true} {
				assert.Equal(t, naiveIsSubpath(stored, c, allowEquals), pm.IsSubpath(c, allowEquals),
					"stored=%v candidate=%q allowEquals=%t", stored, c, allowEquals)
			}
		}
	}
}

func TestPathMatcherCapacity(t *testing.T) {
	pm := NewPathMatcher()
	for i := 0; i < MaxMatcherPaths; i++ {
		require.NoError(t, pm.Add(fmt.Sprintf("/dir%d", i)))
	}
	assert.Equal(t, MaxMatcherPaths, pm.Len())

	// Duplicates do not count against the bound
	require.NoError(t, pm.Add("/dir0"))

	err := pm.Add("/one/too/many")
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, MaxMatcherPaths, pm.Len())
}

func TestPathMatcherAddValidation(t *testing.T) {
	pm := NewPathMatcher()

	assert.ErrorIs(t, pm.Add("relative/path"), ErrNotAbsolute)
	require.NoError(t, pm.Add("/home/u/"))
	assert.True(t, pm.IsSubpath("/home/u/a", false), "trailing separator is cleaned")

	pm.Freeze()
	assert.True(t, pm.Frozen())
	assert.ErrorIs(t, pm.Add("/srv"), ErrMatcherFrozen)
	assert.False(t, pm.IsSubpath("/srv/x", false))
}

func TestPathMatcherPathsOrdered(t *testing.T) {
	pm := NewPathMatcher()
	require.NoError(t, pm.AddAll([]string{"/zz/long", "/b", "/a", "/mid"}))
	assert.Equal(t, []string{"/a", "/b", "/mid", "/zz/long"}, pm.Paths())
	assert.False(t, pm.Empty())
	assert.True(t, NewPathMatcher().Empty())
}
