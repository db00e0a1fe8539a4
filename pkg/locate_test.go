package fileaudit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcFDLocator(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var locator ProcFDLocator
	key, name, err := locator.Locate(f)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", name)

	// The key already is the directory path
	resolved, err := locator.DirPath(key)
	require.NoError(t, err)
	assert.Equal(t, dir, resolved)

	require.NoError(t, os.Remove(path))
	_, _, err = locator.Locate(f)
	assert.ErrorIs(t, err, ErrDeleted)
}
