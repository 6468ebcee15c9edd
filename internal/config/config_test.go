package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_FallsBackToDefaultsWithoutFile(t *testing.T) {
	dir := t.TempDir()
	restore := chdir(t, dir)
	defer restore()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Defaults().ListenAddr, cfg.ListenAddr)
	require.Equal(t, Defaults().EventBus.SubscriberCapacity, cfg.EventBus.SubscriberCapacity)
}

func TestLoad_ReadsExplicitFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: 0.0.0.0:9999\nevent_bus:\n  subscriber_capacity: 50\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9999", cfg.ListenAddr)
	require.Equal(t, 50, cfg.EventBus.SubscriberCapacity)
}

func TestLoad_ReadsEnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	restore := chdir(t, dir)
	defer restore()

	t.Setenv("MNEMOSYNE_SHARED_SECRET", "topsecret")
	t.Setenv("MNEMOSYNE_DISABLE_EVENTS", "1")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "topsecret", cfg.SharedSecret)
	require.True(t, cfg.DisableEvents)
}

func chdir(t *testing.T, dir string) func() {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	return func() { _ = os.Chdir(old) }
}
