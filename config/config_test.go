package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

// lookupMap returns a lookup function for ApplyEnv backed by a map.
func lookupMap(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		value, found := env[key]
		return value, found
	}
}

func TestLoad(t *testing.T) {
	d := t.TempDir()
	for _, p := range []string{
		writeTempFile(t, d, "cfg.yaml", "num_gpus_per_locale: 2\ndriver: sim\nnode_id: 3\ndriver_options:\n  num_devices: 4\n"),
		writeTempFile(t, d, "cfg.json", `{"num_gpus_per_locale": 2, "driver": "sim", "node_id": 3, "driver_options": {"num_devices": 4}}`),
		writeTempFile(t, d, "cfg.toml", "num_gpus_per_locale = 2\ndriver = \"sim\"\nnode_id = 3\n[driver_options]\nnum_devices = 4\n"),
	} {
		cfg, err := Load(p)
		require.NoError(t, err, "loading %s", p)
		require.Equal(t, 2, cfg.NumGPUsPerLocale, p)
		require.Equal(t, "sim", cfg.Driver, p)
		require.Equal(t, 3, cfg.NodeID, p)
		require.Contains(t, cfg.DriverOptions, "num_devices", p)
	}

	// Unset values keep their defaults.
	cfg, err := Load(writeTempFile(t, d, "partial.yaml", "node_id: 1\n"))
	require.NoError(t, err)
	require.Equal(t, -1, cfg.NumGPUsPerLocale)
	require.Equal(t, DefaultDriver, cfg.Driver)

	_, err = Load("")
	require.Error(t, err)
	_, err = Load(writeTempFile(t, d, "cfg.txt", "not supported"))
	require.Error(t, err)
	_, err = Load(writeTempFile(t, d, "bad.json", "{"))
	require.Error(t, err)
	_, err = Load(writeTempFile(t, d, "negative.yaml", "node_id: -1\n"))
	require.Error(t, err)
	_, err = Load(filepath.Join(d, "missing.yaml"))
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookupMap(nil)))
	require.Equal(t, Default(), cfg)

	require.NoError(t, cfg.ApplyEnv(lookupMap(map[string]string{
		EnvNumGPUsPerLocale: " 3 ",
		EnvDriver:           "other",
		EnvNodeID:           "7",
		EnvDebug:            "true",
	})))
	require.Equal(t, Config{NumGPUsPerLocale: 3, Driver: "other", NodeID: 7, Debug: true}, cfg)

	for _, env := range []map[string]string{
		{EnvNumGPUsPerLocale: "two"},
		{EnvNumGPUsPerLocale: "-1"},
		{EnvNodeID: "x"},
		{EnvDebug: "maybe"},
	} {
		cfg = Default()
		require.Error(t, cfg.ApplyEnv(lookupMap(env)), "env=%v", env)
	}
}

func TestResolve(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "cfg.yaml", "num_gpus_per_locale: 2\nnode_id: 5\n")
	t.Setenv(EnvNumGPUsPerLocale, "1")
	cfg, err := Resolve(p)
	require.NoError(t, err)
	require.Equal(t, 1, cfg.NumGPUsPerLocale)
	require.Equal(t, 5, cfg.NodeID)

	cfg, err = FromEnv()
	require.NoError(t, err)
	require.Equal(t, 1, cfg.NumGPUsPerLocale)
	require.Zero(t, cfg.NodeID)
}
