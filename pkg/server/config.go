package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file.
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Auth   AuthSection   `toml:"auth"`
	Push   PushSection   `toml:"push"`
}

type ServerSection struct {
	Port           int    `toml:"port"`
	MaxConnections int    `toml:"max_connections"`
	DataDir        string `toml:"data_dir"`
	DatabasePath   string `toml:"database_path"`
	KeyStorePath   string `toml:"key_store_path"`
	TLSCertPath    string `toml:"tls_cert_path"`
	TLSKeyPath     string `toml:"tls_key_path"`
	NoSSL          bool   `toml:"no_ssl"`
}

type AuthSection struct {
	BaseURL string `toml:"base_url"`
}

type PushSection struct {
	VAPIDPublicKey  string `toml:"vapid_public_key"`
	VAPIDPrivateKey string `toml:"vapid_private_key"`
	Subscriber      string `toml:"subscriber"`
}

// DefaultTOMLConfig returns the default configuration.
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			Port:           1234,
			MaxConnections: 10,
			DataDir:        "~/.straycat/messages",
			DatabasePath:   "~/.straycat/straycat.db",
			KeyStorePath:   "~/.straycat/keys.json",
			NoSSL:          true,
		},
		Auth: AuthSection{
			BaseURL: "https://data.nathcat.net/sso",
		},
		Push: PushSection{
			Subscriber: "mailto:admin@localhost",
		},
	}
}

// LoadConfig loads configuration from a TOML file, creating a default file
// when none exists yet.
func LoadConfig(path string) (TOMLConfig, error) {
	path = expandHome(path)

	var config TOMLConfig
	if _, err := os.Stat(path); os.IsNotExist(err) {
		config = DefaultTOMLConfig()
		// Best effort; a read-only filesystem still gets defaults.
		writeDefaultConfig(path, config)
	} else if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Paths expand on every branch so the defaults never leave a literal
	// ~ for callers to mkdir.
	config.Server.DataDir = expandHome(config.Server.DataDir)
	config.Server.DatabasePath = expandHome(config.Server.DatabasePath)
	config.Server.KeyStorePath = expandHome(config.Server.KeyStorePath)
	return config, nil
}

func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(config)
}

// expandHome resolves a leading ~/ against the user's home directory.
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
