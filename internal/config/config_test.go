package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
feeds:
  nvd:
    limit: 5
  misp:
    enabled: true
    base_url: https://misp.example
    timeout: 5s
alerts:
  slack:
    enabled: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Feeds.NVD.Limit)
	assert.Equal(t, 30*time.Second, cfg.Feeds.NVD.Timeout, "unset fields keep defaults")
	assert.True(t, cfg.Feeds.MISP.Enabled)
	assert.Equal(t, "https://misp.example", cfg.Feeds.MISP.BaseURL)
	assert.Equal(t, "MISP_API_KEY", cfg.Feeds.MISP.APIKeyEnv)
	assert.False(t, cfg.Alerts.Slack.Enabled)
	assert.True(t, cfg.Alerts.Webhook.Enabled)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad port", "server:\n  port: 70000\n"},
		{"bad sample rate", "telemetry:\n  sample_rate: 2\n"},
		{"empty store path", "store:\n  path: \"\"\n"},
		{"schedule without cron", "schedule:\n  enabled: true\n  ingest_cron: \"\"\n"},
		{"malformed yaml", "server: [\n"},
		{"request timeout not above slowest feed", "server:\n  request_timeout: 60s\n"},
		{"write timeout not above request timeout", "server:\n  write_timeout: 30s\n"},
		{"threatfox days out of range", "feeds:\n  threatfox:\n    days: 30\n"},
		{"zero batch timeout", "store:\n  batch_timeout: 0s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestValidate_TimeoutsFollowEnabledFeeds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.RequestTimeout = 45 * time.Second
	require.Error(t, cfg.Validate(), "mitre times out at 60s")

	cfg.Feeds.MITRE.Enabled = false
	assert.NoError(t, cfg.Validate())
}

func TestLoad_ThreatFoxDays(t *testing.T) {
	cfg, err := Load(writeConfig(t, "feeds:\n  threatfox:\n    days: 3\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Feeds.ThreatFox.Days)
	assert.Equal(t, 30*time.Second, cfg.Feeds.ThreatFox.Timeout)
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, found, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestDefaultConfig_Valid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestEnabledFeeds(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, []string{"nvd", "epss", "kev", "otx", "threatfox", "mitre", "reddit"}, cfg.EnabledFeeds())

	cfg.Feeds.MISP.Enabled = true
	cfg.Feeds.Reddit.Enabled = false
	assert.Equal(t, []string{"nvd", "epss", "kev", "otx", "threatfox", "misp", "mitre"}, cfg.EnabledFeeds())
}
