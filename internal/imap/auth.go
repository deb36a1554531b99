package imap

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wesm/mailindex/internal/fileutil"
)

// ErrNoCredentials is returned when no password is saved for a server.
var ErrNoCredentials = errors.New("no IMAP credentials saved")

type credentialsFile struct {
	Password string `json:"password"`
}

func credentialsPath(tokensDir, identifier string) string {
	hash := sha256.Sum256([]byte(identifier))
	return filepath.Join(tokensDir, fmt.Sprintf("imap_%x.json", hash[:8]))
}

// SaveCredentials saves an IMAP password for the given identifier.
func SaveCredentials(tokensDir, identifier, password string) error {
	if password == "" {
		return errors.New("empty IMAP password")
	}
	if err := fileutil.SecureMkdirAll(tokensDir, 0700); err != nil {
		return fmt.Errorf("create tokens dir: %w", err)
	}
	data, err := json.Marshal(credentialsFile{Password: password})
	if err != nil {
		return err
	}
	if err := fileutil.WriteFileAtomic(credentialsPath(tokensDir, identifier), data, 0600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// LoadCredentials loads the IMAP password for the given identifier.
func LoadCredentials(tokensDir, identifier string) (string, error) {
	data, err := os.ReadFile(credentialsPath(tokensDir, identifier))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w for %s", ErrNoCredentials, identifier)
		}
		return "", fmt.Errorf("read credentials: %w", err)
	}
	var creds credentialsFile
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", fmt.Errorf("parse credentials: %w", err)
	}
	if creds.Password == "" {
		return "", fmt.Errorf("%w for %s", ErrNoCredentials, identifier)
	}
	return creds.Password, nil
}
