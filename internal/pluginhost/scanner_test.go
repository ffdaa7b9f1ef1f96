package pluginhost

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, contents string, modTime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	require.NoError(t, os.Chtimes(path, modTime, modTime))
}

func TestScanner_PrepopulatesCacheAndSkipsInitialAdded(t *testing.T) {
	dir := t.TempDir()
	now := time.Unix(1000, 0)
	writeFile(t, filepath.Join(dir, "a.wasm"), "a", now)

	s := NewScanner(nil, dir, time.Second)
	result := s.Scan(now.Add(time.Second))

	assert.False(t, result.HasChanges())
}

func TestScanner_DetectsAddedChangedRemoved(t *testing.T) {
	dir := t.TempDir()
	now := time.Unix(1000, 0)
	writeFile(t, filepath.Join(dir, "a.wasm"), "a", now)
	writeFile(t, filepath.Join(dir, "b.wasm"), "b", now)

	s := NewScanner(nil, dir, time.Second)

	// a.wasm changes, b.wasm is removed, c.wasm is added.
	writeFile(t, filepath.Join(dir, "a.wasm"), "a2", now.Add(5*time.Second))
	require.NoError(t, os.Remove(filepath.Join(dir, "b.wasm")))
	writeFile(t, filepath.Join(dir, "c.wasm"), "c", now.Add(5*time.Second))

	result := s.Scan(now.Add(10 * time.Second))

	assert.ElementsMatch(t, []string{filepath.Join(dir, "a.wasm")}, result.Changed)
	assert.ElementsMatch(t, []string{filepath.Join(dir, "c.wasm")}, result.Added)
	assert.ElementsMatch(t, []string{filepath.Join(dir, "b.wasm")}, result.Removed)
}

func TestScanner_IgnoresNonWasmFiles(t *testing.T) {
	dir := t.TempDir()
	now := time.Unix(1000, 0)
	writeFile(t, filepath.Join(dir, "notes.txt"), "x", now)

	s := NewScanner(nil, dir, time.Second)
	require.False(t, s.Scan(now.Add(time.Second)).HasChanges())

	writeFile(t, filepath.Join(dir, "another.toml"), "y", now)
	result := s.Scan(now.Add(2 * time.Second))
	assert.False(t, result.HasChanges())
}

func TestScanner_MissingDirectoryDoesNotPanic(t *testing.T) {
	s := NewScanner(nil, filepath.Join(t.TempDir(), "does-not-exist"), time.Second)
	result := s.Scan(time.Unix(1000, 0))
	assert.False(t, result.HasChanges())
}

func TestScanner_ShouldScanTiming(t *testing.T) {
	dir := t.TempDir()
	s := NewScanner(nil, dir, time.Second)
	now := time.Unix(1000, 0)

	assert.True(t, s.ShouldScan(now))
	s.Scan(now)
	assert.False(t, s.ShouldScan(now.Add(500*time.Millisecond)))
	assert.True(t, s.ShouldScan(now.Add(time.Second)))
}
