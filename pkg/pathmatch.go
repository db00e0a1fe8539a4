package fileaudit

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync/atomic"
)

// lengthGroup holds all stored paths of one length
type lengthGroup struct {
	length int
	paths  map[string]struct{}
}

// PathMatcher answers "is this path inside any of these directories" for a bounded set of
// absolute paths. Paths are grouped by length in ascending order so a lookup costs at most one
// map probe per distinct stored length.
//
// A matcher is mutable until Freeze is called; afterwards it is read-only and safe for
// concurrent use without locking.
type PathMatcher struct {
	groups  []lengthGroup
	count   int
	hasRoot bool
	frozen  atomic.Bool
}

// NewPathMatcher creates an empty matcher
func NewPathMatcher() *PathMatcher {
	return &PathMatcher{}
}

// Add stores an absolute path. Duplicates are ignored.
func (pm *PathMatcher) Add(path string) error {
	if pm.frozen.Load() {
		return ErrMatcherFrozen
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("%w: %q", ErrNotAbsolute, path)
	}
	path = filepath.Clean(path)

	if pm.contains(path) {
		return nil
	}
	if pm.count >= MaxMatcherPaths {
		return fmt.Errorf("%w: at most %d paths per matcher", ErrCapacityExceeded, MaxMatcherPaths)
	}

	pm.count++
	if path == "/" {
		pm.hasRoot = true
		return nil
	}

	idx := sort.Search(len(pm.groups), func(i int) bool {
		return pm.groups[i].length >= len(path)
	})
	if idx < len(pm.groups) && pm.groups[idx].length == len(path) {
		pm.groups[idx].paths[path] = struct{}{}
		return nil
	}

	group := lengthGroup{length: len(path), paths: map[string]struct{}{path: {}}}
	pm.groups = append(pm.groups, lengthGroup{})
	copy(pm.groups[idx+1:], pm.groups[idx:])
	pm.groups[idx] = group
	return nil
}

// AddAll stores each of paths, stopping at the first error
func (pm *PathMatcher) AddAll(paths []string) error {
	for _, p := range paths {
		if err := pm.Add(p); err != nil {
			return err
		}
	}
	return nil
}

// contains reports whether path is stored exactly
func (pm *PathMatcher) contains(path string) bool {
	if path == "/" {
		return pm.hasRoot
	}
	for _, g := range pm.groups {
		if g.length == len(path) {
			_, ok := g.paths[path]
			return ok
		}
	}
	return false
}

// Freeze makes the matcher read-only
func (pm *PathMatcher) Freeze() {
	pm.frozen.Store(true)
}

// Frozen reports whether the matcher is read-only
func (pm *PathMatcher) Frozen() bool {
	return pm.frozen.Load()
}

// Len returns the number of stored paths
func (pm *PathMatcher) Len() int {
	return pm.count
}

// Empty reports whether no path is stored
func (pm *PathMatcher) Empty() bool {
	return pm.count == 0
}

// Paths returns the stored paths ordered by length, then lexically
func (pm *PathMatcher) Paths() []string {
	out := make([]string, 0, pm.count)
	if pm.hasRoot {
		out = append(out, "/")
	}
	for _, g := range pm.groups {
		start := len(out)
		for p := range g.paths {
			out = append(out, p)
		}
		sort.Strings(out[start:])
	}
	return out
}

// IsSubpath reports whether path is a strict descendant of a stored path, or equal to one
// when allowEquals is set. A stored "/" matches any non-empty path.
func (pm *PathMatcher) IsSubpath(path string, allowEquals bool) bool {
	if path == "" {
		return false
	}
	if pm.hasRoot {
		return true
	}

	pathLen := len(path)
	for _, g := range pm.groups {
		switch {
		case g.length < pathLen:
			if path[g.length] != '/' {
				continue
			}
			if _, ok := g.paths[path[:g.length]]; ok {
				return true
			}
		case g.length == pathLen:
			if !allowEquals {
				return false
			}
			_, ok := g.paths[path]
			return ok
		default:
			// Groups are ascending: every remaining stored path is longer than the candidate
			return false
		}
	}
	return false
}
