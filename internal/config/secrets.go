package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

type secretsFile struct {
	AdminToken string `json:"admin_token,omitempty"`
}

func secretsFilePath(dataDir string) string {
	return filepath.Join(dataDir, "secrets.json")
}

// GetAdminToken returns the bearer token guarding admin endpoints. The
// environment wins; otherwise the token is read from secrets.json in the
// data directory, generated and saved there on first use. With an in-memory
// data dir the generated token lives only as long as the process.
func GetAdminToken(cfg Config) (string, error) {
	if cfg.Admin.Token != "" {
		return cfg.Admin.Token, nil
	}
	if cfg.Storage.DataDir == ":memory:" {
		return uuid.New().String(), nil
	}

	p := secretsFilePath(cfg.Storage.DataDir)
	var secrets secretsFile
	data, err := os.ReadFile(p)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &secrets); err != nil {
			return "", fmt.Errorf("parsing secrets file: %w", err)
		}
		if secrets.AdminToken != "" {
			return secrets.AdminToken, nil
		}
	case !os.IsNotExist(err):
		return "", fmt.Errorf("reading secrets file: %w", err)
	}

	secrets.AdminToken = uuid.New().String()
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
		return "", fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(p, out, 0o600); err != nil {
		return "", fmt.Errorf("writing secrets file: %w", err)
	}
	return secrets.AdminToken, nil
}
