package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckConfigPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced on Windows")
	}

	t.Run("0600 ok", func(t *testing.T) {
		path := writeTempFile(t, "config.yaml", 0o600)
		warn, err := CheckConfigPermissions(path)
		assert.NoError(t, err)
		assert.Equal(t, "", warn)
	})

	t.Run("0640 warns", func(t *testing.T) {
		path := writeTempFile(t, "config.yaml", 0o640)
		warn, err := CheckConfigPermissions(path)
		assert.NoError(t, err)
		assert.Contains(t, warn, "group-readable")
	})

	t.Run("0644 fails", func(t *testing.T) {
		path := writeTempFile(t, "config.yaml", 0o644)
		_, err := CheckConfigPermissions(path)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "must not be accessible by others")
	})

	t.Run("0620 fails", func(t *testing.T) {
		path := writeTempFile(t, "config.yaml", 0o620)
		_, err := CheckConfigPermissions(path)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "group-writable")
	})

	t.Run("directory fails", func(t *testing.T) {
		_, err := CheckConfigPermissions(t.TempDir())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "regular file")
	})
}

func TestCheckSeedPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced on Windows")
	}

	t.Run("0644 ok", func(t *testing.T) {
		path := writeTempFile(t, "seed.yaml", 0o644)
		warn, err := CheckSeedPermissions(path)
		assert.NoError(t, err)
		assert.Equal(t, "", warn)
	})

	t.Run("0664 fails", func(t *testing.T) {
		path := writeTempFile(t, "seed.yaml", 0o664)
		_, err := CheckSeedPermissions(path)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "seed file")
	})

	t.Run("empty path", func(t *testing.T) {
		_, err := CheckSeedPermissions("  ")
		assert.EqualError(t, err, "seed file path is required")
	})
}

func writeTempFile(t *testing.T, name string, mode os.FileMode) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))
	require.NoError(t, os.Chmod(path, mode))
	return path
}
