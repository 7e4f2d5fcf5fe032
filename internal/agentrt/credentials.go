package agentrt

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hiverun/hive/internal/hiveerr"
)

// exemptProviders never require a stored credential, per spec §4.5.3.
var exemptProviders = map[string]bool{
	"zen":      true,
	"opencode": true,
}

// FileCredentialStore reads per-provider credentials from opencode's
// on-disk auth store, keyed by provider id.
type FileCredentialStore struct {
	path string
}

// NewFileCredentialStore constructs a FileCredentialStore rooted at
// path. An empty path defaults to ~/.local/share/opencode/auth.json.
func NewFileCredentialStore(path string) *FileCredentialStore {
	if path == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, ".local", "share", "opencode", "auth.json")
		}
	}
	return &FileCredentialStore{path: path}
}

// HasCredentials reports whether providerID has a usable credential
// entry on disk.
func (f *FileCredentialStore) HasCredentials(providerID string) (bool, error) {
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read credential store: %w", err)
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return false, fmt.Errorf("parse credential store %s: %w", f.path, err)
	}

	entry, ok := entries[providerID]
	if !ok {
		return false, nil
	}

	var probe map[string]any
	if err := json.Unmarshal(entry, &probe); err != nil {
		return false, fmt.Errorf("malformed credential entry for %q: %w", providerID, err)
	}
	return len(probe) > 0, nil
}

// validateCredentials enforces spec §4.5.3: zen/opencode are exempt,
// every other provider must have a usable credential entry.
func validateCredentials(store CredentialStore, providerID string) error {
	if providerID == "" || exemptProviders[providerID] {
		return nil
	}
	ok, err := store.HasCredentials(providerID)
	if err != nil {
		return err
	}
	if !ok {
		return hiveerr.CredentialMissing(providerID)
	}
	return nil
}
