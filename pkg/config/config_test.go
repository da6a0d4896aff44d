package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
listen: ":9999"
shutdownGrace: 5s
logLevel: debug
caches:
  - name: fast
    root: /var/cache/fast
    quota: 1GiB
    algorithm: blake2b
  - name: bulk
    root: /var/cache/bulk
    quota: 100GiB
    blockSize: 8192
`

func TestConfigParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.Listen)
	require.Equal(t, 5*time.Second, time.Duration(cfg.ShutdownGrace))
	require.Equal(t, "debug", cfg.LogLevel)
	require.Len(t, cfg.Caches, 2)

	specs, err := cfg.Specs()
	require.NoError(t, err)
	require.EqualValues(t, 1<<30, specs[0].Quota)
	require.EqualValues(t, 100<<30, specs[1].Quota)
	require.EqualValues(t, 8192, specs[1].BlockSize)
	require.Equal(t, "fast", specs[0].Name)
}

func TestConfigDefaults(t *testing.T) {
	cfg, err := Parse([]byte("caches:\n  - name: only\n    root: /tmp/only\n"))
	require.NoError(t, err)
	require.Equal(t, DefaultListen, cfg.Listen)
	require.Equal(t, DefaultShutdownGrace, cfg.ShutdownGrace)
	require.Equal(t, DefaultLogLevel, cfg.LogLevel)

	specs, err := cfg.Specs()
	require.NoError(t, err)
	// zero quota defers to the engine default
	require.Zero(t, specs[0].Quota)
}

func TestConfigValidation(t *testing.T) {
	for name, yaml := range map[string]string{
		"no caches":      "listen: :8080\n",
		"missing name":   "caches:\n  - root: /tmp/a\n",
		"missing root":   "caches:\n  - name: a\n",
		"duplicate name": "caches:\n  - name: a\n    root: /tmp/a\n  - name: a\n    root: /tmp/b\n",
		"bad quota":      "caches:\n  - name: a\n    root: /tmp/a\n    quota: lots\n",
		"bad algorithm":  "caches:\n  - name: a\n    root: /tmp/a\n    algorithm: md5\n",
		"unknown key":    "caches:\n  - name: a\n    root: /tmp/a\n    shiny: true\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(yaml))
			require.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestConfigLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cascached.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Caches, 2)

	_, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorIs(t, err, ErrConfig)
}
