package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetLoaded() {
	loaded = nil
	loadedOnce = false
}

func TestLoadDefaults(t *testing.T) {
	resetLoaded()
	t.Chdir(t.TempDir())

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, "device", cfg.Role)
	assert.Contains(t, cfg.Capabilities, "cap_64bits_ids")
}

func TestLoadEnvFileThenFlagOverride(t *testing.T) {
	resetLoaded()
	dir := t.TempDir()
	t.Chdir(dir)
	envContent := "USBTUNNEL_LISTEN=127.0.0.1:7000\nUSBTUNNEL_ROLE=guest\n# comment\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(envContent), 0o644))

	cfg, err := Load([]string{"-listen", "127.0.0.1:9000"})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr, "flag wins over .env")
	assert.Equal(t, "guest", cfg.Role, ".env applies where no flag was given")
}

func TestLoadVendorProductHex(t *testing.T) {
	resetLoaded()
	t.Chdir(t.TempDir())

	cfg, err := Load([]string{"-vendor", "046d", "-product", "0xc52b"})
	require.NoError(t, err)
	assert.Equal(t, uint16(0x046d), cfg.VendorID)
	assert.Equal(t, uint16(0xc52b), cfg.ProductID)
}

func TestLoadIsMemoized(t *testing.T) {
	resetLoaded()
	t.Chdir(t.TempDir())

	first, err := Load([]string{"-role", "guest"})
	require.NoError(t, err)
	second, err := Load([]string{"-role", "device"})
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, "guest", second.Role)
}
