package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"npcmind/internal/dialogue"
)

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "npcmind.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retry:\n  max_retries: 1\n"), 0o644))

	reloaded := make(chan dialogue.EngineConfig, 4)
	w, err := NewWatcher(path, func(cfg dialogue.EngineConfig) {
		reloaded <- cfg
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("retry:\n  max_retries: 7\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 7, cfg.Retry.MaxRetries)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload within 5s")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "npcmind.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retry:\n  max_retries: 1\n"), 0o644))

	reloaded := make(chan dialogue.EngineConfig, 4)
	w, err := NewWatcher(path, func(cfg dialogue.EngineConfig) {
		reloaded <- cfg
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o644))

	select {
	case <-reloaded:
		t.Fatal("reload fired for an unrelated file")
	case <-time.After(1200 * time.Millisecond):
	}
}

func TestWatcher_KeepsPreviousOnBrokenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "npcmind.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retry:\n  max_retries: 1\n"), 0o644))

	reloaded := make(chan dialogue.EngineConfig, 4)
	w, err := NewWatcher(path, func(cfg dialogue.EngineConfig) {
		reloaded <- cfg
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("retry: [broken\n"), 0o644))

	select {
	case <-reloaded:
		t.Fatal("reload fired for a file that fails to parse")
	case <-time.After(1200 * time.Millisecond):
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "npcmind.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	w.Stop()
	w.Stop()
}
