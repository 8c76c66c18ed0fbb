package store

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"trade-terminal/internal/config"
	"trade-terminal/internal/core"
)

const (
	KeyAPIKey    = "binance_api_key"
	KeySecretKey = "binance_secret_key"
)

// EnvCredentials reads default credentials from the process environment, falling back to the
// configured .env file for names the environment does not set. A missing .env file is not an
// error.
func EnvCredentials(cfg config.CredentialsConfig) (core.Credentials, error) {
	fileEnv := map[string]string{}
	if path := strings.TrimSpace(cfg.EnvFile); path != "" {
		values, err := godotenv.Read(path)
		switch {
		case err == nil:
			fileEnv = values
		case errors.Is(err, fs.ErrNotExist):
		default:
			return core.Credentials{}, err
		}
	}
	lookup := func(name string) string {
		if name == "" {
			return ""
		}
		if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return strings.TrimSpace(fileEnv[name])
	}
	return core.Credentials{
		APIKey:    lookup(cfg.EnvAPIKey),
		SecretKey: lookup(cfg.EnvSecretKey),
	}, nil
}

// LoadCredentials returns the saved credentials. Each key that was never saved, or saved empty,
// takes its value from defaults.
func (s *Store) LoadCredentials(defaults core.Credentials) (core.Credentials, error) {
	var saved map[string]string
	if _, err := readJSON(s.credentialsPath(), &saved); err != nil {
		return defaults, err
	}
	creds := defaults
	if v := strings.TrimSpace(saved[KeyAPIKey]); v != "" {
		creds.APIKey = v
	}
	if v := strings.TrimSpace(saved[KeySecretKey]); v != "" {
		creds.SecretKey = v
	}
	return creds, nil
}

// SaveCredentials persists both keys, readable only by the owner.
func (s *Store) SaveCredentials(creds core.Credentials) error {
	payload := map[string]string{
		KeyAPIKey:    strings.TrimSpace(creds.APIKey),
		KeySecretKey: strings.TrimSpace(creds.SecretKey),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeJSONAtomic(s.credentialsPath(), payload, 0o600); err != nil {
		return err
	}
	s.logger.Info("credentials_saved", zap.String("api_key", creds.MaskedKey()))
	return nil
}

// ClearCredentials removes both saved keys. Clearing when nothing is saved succeeds.
func (s *Store) ClearCredentials() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.credentialsPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	s.logger.Info("credentials_cleared")
	return nil
}
