package server

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/guidow/pyfarm-master/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeConfig(t *testing.T, dir string, tickRateLimit float64) {
	t.Helper()
	body := fmt.Sprintf("[scheduler]\ntick_rate_limit = %v\n", tickRateLimit)
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), []byte(body), 0644))
}

func TestConfigWatcher_WriteTriggersApply(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, 1)

	var callCount atomic.Int32
	watcher := NewConfigWatcher(dir, func(*config.Settings) error {
		callCount.Add(1)
		return nil
	}, testLogger())

	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	time.Sleep(50 * time.Millisecond)
	writeConfig(t, dir, 2)
	time.Sleep(300 * time.Millisecond)

	require.EqualValues(t, 1, callCount.Load())
}

func TestConfigWatcher_RapidWritesDebounceIntoOneApply(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, 1)

	var callCount atomic.Int32
	watcher := NewConfigWatcher(dir, func(*config.Settings) error {
		callCount.Add(1)
		return nil
	}, testLogger())

	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	time.Sleep(50 * time.Millisecond)
	for i := 2; i < 7; i++ {
		writeConfig(t, dir, float64(i))
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(300 * time.Millisecond)

	require.EqualValues(t, 1, callCount.Load(), "rapid writes within the debounce window collapse into a single reload")
}

func TestConfigWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, 1)

	var callCount atomic.Int32
	watcher := NewConfigWatcher(dir, func(*config.Settings) error {
		callCount.Add(1)
		return nil
	}, testLogger())

	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{}`), 0644))
	time.Sleep(300 * time.Millisecond)

	require.Zero(t, callCount.Load(), "writes to files other than pyfarm.master.toml must not trigger a reload")
}

func TestConfigWatcher_StopPreventsFurtherApply(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, 1)

	var callCount atomic.Int32
	watcher := NewConfigWatcher(dir, func(*config.Settings) error {
		callCount.Add(1)
		return nil
	}, testLogger())

	require.NoError(t, watcher.Start())
	watcher.Stop()

	time.Sleep(50 * time.Millisecond)
	writeConfig(t, dir, 2)
	time.Sleep(300 * time.Millisecond)

	require.Zero(t, callCount.Load())
}
