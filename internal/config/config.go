// Package config loads the tunnel's runtime configuration: listen
// address, role, negotiated capability list, filter rule file, quirk
// overrides, and transport auth key. A .env file plus environment variable
// override, found by walking up from the working directory to the
// nearest go.mod, with flags layered on top for the cmd/ entrypoints.
package config

import (
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config is the full set of knobs either usbtunnel-device or
// usbtunnel-guest needs at startup.
type Config struct {
	ListenAddr     string // device: address to listen on; guest: address to dial
	Role           string // "device" or "guest"
	Capabilities   []string
	FilterRuleFile string
	QuirkFile      string
	AuthKeyHex     string
	VendorID       uint16
	ProductID      uint16
	AdminAddr      string // admin/status HTTP API listen address; empty disables it
}

var (
	loaded     *Config
	loadedOnce bool
)

// defaults mirror a minimal usable device-side configuration so the
// binaries run out of the box against a fresh .env-less checkout.
func defaults() *Config {
	return &Config{
		ListenAddr:   ":9999",
		Role:         "device",
		Capabilities: []string{"cap_bulk_streams", "cap_ep_info_max_packet_size", "cap_64bits_ids"},
		AdminAddr:    ":8090",
	}
}

// Load reads .env (if present), applies environment variable overrides,
// then parses flags out of args on top of that — flags win. Repeated
// calls return the same *Config.
func Load(args []string) (*Config, error) {
	if loaded != nil && loadedOnce {
		return loaded, nil
	}
	cfg := defaults()

	projectRoot := findProjectRoot()
	if data, err := os.ReadFile(filepath.Join(projectRoot, ".env")); err == nil {
		parseEnvFile(string(data), cfg)
	}
	applyEnvOverrides(cfg)

	fs := flag.NewFlagSet("usbtunnel", flag.ContinueOnError)
	listenAddr := fs.String("listen", cfg.ListenAddr, "listen (device) or dial (guest) address")
	role := fs.String("role", cfg.Role, "\"device\" or \"guest\"")
	caps := fs.String("caps", strings.Join(cfg.Capabilities, ","), "comma-separated capability names to advertise")
	filterFile := fs.String("filter-rules", cfg.FilterRuleFile, "path to a device filter rule file")
	quirkFile := fs.String("quirks", cfg.QuirkFile, "path to a reset-quirk override file")
	authKey := fs.String("auth-key", cfg.AuthKeyHex, "hex-encoded pre-shared transport key (empty disables encryption)")
	vendorID := fs.String("vendor", hexOrEmpty(cfg.VendorID), "vendor id (hex) to attach, device role only")
	productID := fs.String("product", hexOrEmpty(cfg.ProductID), "product id (hex) to attach, device role only")
	adminAddr := fs.String("admin-listen", cfg.AdminAddr, "admin/status HTTP API listen address; empty disables it")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.ListenAddr = *listenAddr
	cfg.Role = *role
	cfg.Capabilities = splitNonEmpty(*caps)
	cfg.FilterRuleFile = *filterFile
	cfg.QuirkFile = *quirkFile
	cfg.AuthKeyHex = *authKey
	cfg.AdminAddr = *adminAddr
	if v, err := strconv.ParseUint(strings.TrimPrefix(*vendorID, "0x"), 16, 16); err == nil {
		cfg.VendorID = uint16(v)
	}
	if v, err := strconv.ParseUint(strings.TrimPrefix(*productID, "0x"), 16, 16); err == nil {
		cfg.ProductID = uint16(v)
	}

	loaded = cfg
	loadedOnce = true
	return cfg, nil
}

func hexOrEmpty(v uint16) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatUint(uint64(v), 16)
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseEnvFile(content string, cfg *Config) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		setField(cfg, key, value)
	}
}

func applyEnvOverrides(cfg *Config) {
	for _, key := range []string{
		"USBTUNNEL_LISTEN", "USBTUNNEL_ROLE", "USBTUNNEL_CAPS",
		"USBTUNNEL_FILTER_RULES", "USBTUNNEL_QUIRKS", "USBTUNNEL_AUTH_KEY",
		"USBTUNNEL_VENDOR", "USBTUNNEL_PRODUCT", "USBTUNNEL_ADMIN_LISTEN",
	} {
		if v := os.Getenv(key); v != "" {
			setField(cfg, key, v)
		}
	}
}

func setField(cfg *Config, key, value string) {
	switch key {
	case "USBTUNNEL_LISTEN":
		cfg.ListenAddr = value
	case "USBTUNNEL_ROLE":
		cfg.Role = value
	case "USBTUNNEL_CAPS":
		cfg.Capabilities = splitNonEmpty(value)
	case "USBTUNNEL_FILTER_RULES":
		cfg.FilterRuleFile = value
	case "USBTUNNEL_QUIRKS":
		cfg.QuirkFile = value
	case "USBTUNNEL_AUTH_KEY":
		cfg.AuthKeyHex = value
	case "USBTUNNEL_ADMIN_LISTEN":
		cfg.AdminAddr = value
	case "USBTUNNEL_VENDOR":
		if v, err := strconv.ParseUint(strings.TrimPrefix(value, "0x"), 16, 16); err == nil {
			cfg.VendorID = uint16(v)
		}
	case "USBTUNNEL_PRODUCT":
		if v, err := strconv.ParseUint(strings.TrimPrefix(value, "0x"), 16, 16); err == nil {
			cfg.ProductID = uint16(v)
		}
	}
}

func findProjectRoot() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}
