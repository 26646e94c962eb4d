package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Web.Listen)
	assert.Equal(t, 460800, cfg.NCP.Baud)
	assert.Equal(t, uint8(15), cfg.Network.Channel)
	assert.Equal(t, 60*time.Second, cfg.Execute.Timeout)
	assert.Equal(t, 500, cfg.Execute.HistoryLimit)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)

	// No port configured.
	assert.ErrorContains(t, cfg.Validate(), "ncp.port")
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeFile(t, "config.yaml", `
ncp:
  port: /dev/ttyACM0
network:
  channel: 20
  pan_id: 0x2B3C
  network_key: "0102030405060708090a0b0c0d0e0f10"
execute:
  timeout: 15s
  strict: true
schedules:
  - name: nightly backup
    spec: "0 3 * * *"
    command: znp_backup
    data: nightly.json
`)
	t.Setenv("ZT_LOG_LEVEL", "debug")
	t.Setenv("ZT_NETWORK_CHANNEL", "25")

	cfg, err := Load(path, "")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/dev/ttyACM0", cfg.NCP.Port)
	assert.Equal(t, uint8(25), cfg.Network.Channel)
	assert.Equal(t, uint16(0x2B3C), cfg.Network.PanID)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 15*time.Second, cfg.Execute.Timeout)
	assert.True(t, cfg.Execute.Strict)
	require.Len(t, cfg.Schedules, 1)
	assert.Equal(t, "znp_backup", cfg.Schedules[0].Command)

	key, err := cfg.NetworkKey()
	require.NoError(t, err)
	assert.Len(t, key, 16)
	assert.Equal(t, byte(0x10), key[15])
}

func TestLoadMergesAddonOptions(t *testing.T) {
	path := writeFile(t, "config.yaml", "ncp:\n  port: /dev/ttyACM0\nmqtt:\n  broker: tcp://localhost:1883\n")
	opts := writeFile(t, "options.json", `{"mqtt": {"enabled": true, "broker": "tcp://core-mosquitto:1883"}, "log": {"level": "warn"}}`)

	cfg, err := Load(path, opts)
	require.NoError(t, err)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "tcp://core-mosquitto:1883", cfg.MQTT.Broker)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "/dev/ttyACM0", cfg.NCP.Port)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("", "")
		require.NoError(t, err)
		cfg.NCP.Port = "/dev/ttyACM0"
		return cfg
	}
	require.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"channel low", func(c *Config) { c.Network.Channel = 10 }, "network.channel"},
		{"channel high", func(c *Config) { c.Network.Channel = 27 }, "network.channel"},
		{"pan zero", func(c *Config) { c.Network.PanID = 0 }, "pan_id"},
		{"pan broadcast", func(c *Config) { c.Network.PanID = 0xFFFF }, "pan_id"},
		{"ext pan", func(c *Config) { c.Network.ExtPanID = "nope" }, "extended_pan_id"},
		{"short key", func(c *Config) { c.Network.NetworkKey = "0102" }, "network_key"},
		{"ncp type", func(c *Config) { c.NCP.Type = "ezsp" }, "ncp.type"},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }, "mqtt.broker"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"timeout", func(c *Config) { c.Execute.Timeout = 0 }, "execute.timeout"},
		{"sample ratio", func(c *Config) { c.Telemetry.SampleRatio = 2 }, "sample_ratio"},
		{"schedule", func(c *Config) { c.Schedules = []Schedule{{Spec: "@hourly"}} }, "schedules[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestDumpRedactsSecrets(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)
	cfg.Web.APIKey = "hunter2"
	cfg.MQTT.Password = "swordfish"
	cfg.Network.NetworkKey = "0102030405060708090a0b0c0d0e0f10"

	out, err := cfg.Dump()
	require.NoError(t, err)
	s := string(out)
	assert.NotContains(t, s, "hunter2")
	assert.NotContains(t, s, "swordfish")
	assert.NotContains(t, s, "0102030405")
	assert.Contains(t, s, redacted)
	assert.Equal(t, "hunter2", cfg.Web.APIKey)
}
