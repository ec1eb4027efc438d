package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/scatterbrained/discovery"
	"github.com/VanDung-dev/scatterbrained/node"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scatterbrained.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	_, err := uuid.Parse(cfg.NodeID)
	assert.NoError(t, err, "node id should be a uuid")
	assert.Equal(t, node.DefaultHost, cfg.Host)
	assert.Equal(t, discovery.DefaultHeartbeat, cfg.Heartbeat.Duration())
	assert.Equal(t, node.ModePeer, cfg.DefaultMode)
	assert.Equal(t, discovery.DefaultBroadcastAddr, cfg.Discovery.BroadcastAddr)
	assert.Equal(t, discovery.DefaultDiscoveryPort, cfg.Discovery.Port)
	assert.NoError(t, cfg.Validate())

	assert.NotEqual(t, cfg.NodeID, DefaultConfig().NodeID)
}

func TestLoadFromPath(t *testing.T) {
	path := writeConfig(t, `
node_id: alpha
host: 127.0.0.1
port: 7000
heartbeat: 2s
default_mode: seeding
discovery:
  port: 9100
namespaces:
  - name: chat
  - name: sensors
    mode: leeching
    hwm: 16
    position: 1.5
metrics:
  addr: ":9090"
log:
  level: debug
`)

	cfg, got, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	assert.Equal(t, "alpha", cfg.NodeID)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, 2*time.Second, cfg.Heartbeat.Duration())
	assert.Equal(t, node.ModeSeeding, cfg.DefaultMode)
	assert.Equal(t, 9100, cfg.Discovery.Port)
	assert.Equal(t, discovery.DefaultListenAddr, cfg.Discovery.ListenAddr)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
	assert.Empty(t, cfg.Health.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)

	require.Len(t, cfg.Namespaces, 2)
	assert.Equal(t, node.DefaultHWM, cfg.Namespaces[0].HWM)
	assert.Nil(t, cfg.Namespaces[0].Mode)
	require.NotNil(t, cfg.Namespaces[1].Mode)
	assert.Equal(t, node.ModeLeeching, *cfg.Namespaces[1].Mode)
	assert.Equal(t, 16, cfg.Namespaces[1].HWM)
	assert.Len(t, cfg.Namespaces[1].NamespaceOptions(), 3)
}

func TestLoadFromPathRejectsInvalid(t *testing.T) {
	cases := map[string]struct {
		body string
		want error
	}{
		"short heartbeat": {"heartbeat: 10ms\n", ErrInvalidHeartbeat},
		"bad port":        {"port: 70000\n", ErrInvalidPort},
		"empty namespace": {"namespaces:\n  - hwm: 3\n", ErrEmptyNamespace},
		"duplicate":       {"namespaces:\n  - name: a\n  - name: a\n", ErrDuplicateNS},
		"negative hwm":    {"namespaces:\n  - name: a\n    hwm: -1\n", node.ErrInvalidHWM},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := LoadFromPath(writeConfig(t, tc.body))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestLoadFromPathParseErrors(t *testing.T) {
	_, _, err := LoadFromPath(writeConfig(t, "heartbeat: soon\n"))
	assert.Error(t, err)

	_, _, err = LoadFromPath(writeConfig(t, "default_mode: lurking\n"))
	assert.Error(t, err)

	_, _, err = LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSaveAndReload(t *testing.T) {
	mode := node.ModeOffline
	cfg := DefaultConfig()
	cfg.Port = 7100
	cfg.Heartbeat = Duration(3 * time.Second)
	cfg.Namespaces = []NamespaceConfig{{Name: "x", Mode: &mode, HWM: 8}}

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, _, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadUsesEnvironment(t *testing.T) {
	path := writeConfig(t, "node_id: from-env\n")
	t.Setenv(EnvConfig, path)

	cfg, got, err := Load()
	require.NoError(t, err)
	assert.Equal(t, path, got)
	assert.Equal(t, "from-env", cfg.NodeID)
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv(EnvConfig, "")
	t.Chdir(t.TempDir())

	cfg, path, err := Load()
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.NotEmpty(t, cfg.NodeID)
}
