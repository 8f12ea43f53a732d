package watcher

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aliases.yaml")
	require.NoError(t, os.WriteFile(path, []byte("aliases: []\n"), 0644))

	var calls atomic.Int32
	var got atomic.Value
	w := New(path, 50*time.Millisecond, func(p string) {
		got.Store(p)
		calls.Add(1)
	}, zerolog.Nop())
	require.NoError(t, w.Start())
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("aliases:\n  - phrase: go\n    action: focus\n"), 0644))

	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, filepath.Clean(path), got.Load())
}

func TestWatcher_DebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aliases.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	var calls atomic.Int32
	w := New(path, 200*time.Millisecond, func(string) { calls.Add(1) }, zerolog.Nop())
	require.NoError(t, w.Start())
	defer w.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte{byte('a' + i)}, 0644))
	}

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Never(t, func() bool { return calls.Load() > 1 }, 500*time.Millisecond, 50*time.Millisecond)
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aliases.yaml")

	var calls atomic.Int32
	w := New(path, 20*time.Millisecond, func(string) { calls.Add(1) }, zerolog.Nop())
	require.NoError(t, w.Start())
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0644))
	assert.Never(t, func() bool { return calls.Load() > 0 }, 300*time.Millisecond, 20*time.Millisecond)
}

func TestWatcher_SeesFileCreatedLater(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aliases.yaml")

	var calls atomic.Int32
	w := New(path, 20*time.Millisecond, func(string) { calls.Add(1) }, zerolog.Nop())
	require.NoError(t, w.Start())
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("aliases: []\n"), 0644))
	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestWatcher_StartMissingDir(t *testing.T) {
	w := New("/nonexistent/dir/aliases.yaml", 0, nil, zerolog.Nop())
	assert.Error(t, w.Start())
	w.Close()
}

func TestWatcher_CloseDropsPending(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aliases.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	var calls atomic.Int32
	w := New(path, 300*time.Millisecond, func(string) { calls.Add(1) }, zerolog.Nop())
	require.NoError(t, w.Start())

	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	time.Sleep(50 * time.Millisecond)
	w.Close()
	w.Close()

	assert.Never(t, func() bool { return calls.Load() > 0 }, 500*time.Millisecond, 50*time.Millisecond)
}
