package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
host: 0.0.0.0:3000
target:
  service:
    name: echo-svc
    port: 8080
    inject: false
  protocol: tcp
  deployment: echo-deploy
  timeout:
    forward: 0
    scaleUp: 10000
    scaleDown: 1500
`

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeTemp(t, validYAML)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:3000", cfg.Host)
	assert.Equal(t, "echo-svc", cfg.Target.Service.Name)
	assert.EqualValues(t, 8080, cfg.Target.Service.Port)
	assert.Equal(t, "echo-deploy", cfg.Target.Deployment)
	assert.EqualValues(t, 10000, cfg.Target.Timeout.ScaleUp)
	assert.EqualValues(t, 1500, cfg.Target.Timeout.ScaleDown)
}

func TestValidateMissingFields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "missing host",
			mutate:  func(c *Config) { c.Host = "" },
			wantErr: "host is required",
		},
		{
			name:    "missing service name",
			mutate:  func(c *Config) { c.Target.Service.Name = "" },
			wantErr: "service.name is required",
		},
		{
			name:    "non-positive port",
			mutate:  func(c *Config) { c.Target.Service.Port = 0 },
			wantErr: "service.port must be positive",
		},
		{
			name:    "missing deployment",
			mutate:  func(c *Config) { c.Target.Deployment = "" },
			wantErr: "deployment is required",
		},
		{
			name:    "non-positive scaleUp",
			mutate:  func(c *Config) { c.Target.Timeout.ScaleUp = 0 },
			wantErr: "scaleUp must be positive",
		},
		{
			name:    "non-positive scaleDown",
			mutate:  func(c *Config) { c.Target.Timeout.ScaleDown = 0 },
			wantErr: "scaleDown must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTemp(t, validYAML)
			cfg, err := Load(path)
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}
