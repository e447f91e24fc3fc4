package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/securityd/pkg/smartcard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithNoPathReturnsDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "securityd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /tmp/securityd-test
lock_timeout: 1m
smartcard:
  service_level: aggressive
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/securityd-test", cfg.DataDir)
	assert.Equal(t, time.Minute, cfg.LockTimeout)
	assert.Equal(t, smartcard.Aggressive, cfg.Smartcard.ServiceLevel)
	// Fields not overridden keep their default value.
	assert.Equal(t, Default().OpsAddr, cfg.OpsAddr)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
