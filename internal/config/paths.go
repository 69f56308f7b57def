package config

import (
	"os"
	"path/filepath"
)

// Dir returns the state directory: $REPLINK_DIR if set, else ~/.replink.
func Dir() (string, error) {
	if d := os.Getenv("REPLINK_DIR"); d != "" {
		return d, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".replink"), nil
}

// EnsureDir creates the state directory. Credentials live there, so it is
// private to the user.
func (c *Config) EnsureDir() error {
	return os.MkdirAll(c.Dir, 0700)
}

func (c *Config) DBPath() string {
	return filepath.Join(c.Dir, "replink.db")
}

func (c *Config) CredentialsPath() string {
	return filepath.Join(c.Dir, "credentials.yaml")
}
