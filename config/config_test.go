package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/ws", cfg.Path)
	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())
	assert.Equal(t, "1.0", cfg.ProtocolVersion)
}

func TestParseYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := ParseYAML([]byte(`
port: 9001
path: /socket
heartbeat_interval: 5s
require_auth: true
tls:
  enabled: true
  mode: manual
  cert_file: server.crt
  key_file: server.key
`))
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.Port)
	assert.Equal(t, "/socket", cfg.Path)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.True(t, cfg.RequireAuth)
	assert.True(t, cfg.TLS.Enabled)
	// Untouched fields keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, int64(1<<20), cfg.MaxMessageSize)
}

func TestParseYAMLRejectsInvalid(t *testing.T) {
	_, err := ParseYAML([]byte(`path: ""`))
	require.Error(t, err)

	_, err = ParseYAML([]byte(`{not yaml`))
	require.Error(t, err)
}

func TestValidateTLSModes(t *testing.T) {
	cfg := Default()
	cfg.TLS.Enabled = true

	cfg.TLS.Mode = "manual"
	assert.Error(t, cfg.Validate(), "manual mode needs cert and key")

	cfg.TLS.CertFile = "a.crt"
	cfg.TLS.KeyFile = "a.key"
	assert.NoError(t, cfg.Validate())

	cfg.TLS.Mode = "acme"
	assert.Error(t, cfg.Validate(), "acme mode needs domains")

	cfg.TLS.AcmeDomains = []string{"example.com"}
	assert.NoError(t, cfg.Validate())

	cfg.TLS.Mode = "sideways"
	assert.Error(t, cfg.Validate())
}
