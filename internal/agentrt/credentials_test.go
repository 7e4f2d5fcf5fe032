package agentrt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hiverun/hive/internal/hiveerr"
	"github.com/stretchr/testify/require"
)

func TestValidateCredentialsExemptProvidersSkipCheck(t *testing.T) {
	store := &fakeCredentialStore{present: map[string]bool{}}
	require.NoError(t, validateCredentials(store, "zen"))
	require.NoError(t, validateCredentials(store, "opencode"))
}

func TestValidateCredentialsMissingReturnsError(t *testing.T) {
	store := &fakeCredentialStore{present: map[string]bool{}}
	err := validateCredentials(store, "anthropic")
	require.Error(t, err)
	require.True(t, hiveerr.OfKind(err, hiveerr.KindCredentialMissing))
}

func TestValidateCredentialsPresentPasses(t *testing.T) {
	store := &fakeCredentialStore{present: map[string]bool{"anthropic": true}}
	require.NoError(t, validateCredentials(store, "anthropic"))
}

func TestFileCredentialStoreMissingFileReportsNoCredentials(t *testing.T) {
	store := NewFileCredentialStore(filepath.Join(t.TempDir(), "auth.json"))
	ok, err := store.HasCredentials("anthropic")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFileCredentialStoreReadsExistingEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"anthropic": {"type": "api", "key": "sk-test"}}`), 0644))

	store := NewFileCredentialStore(path)
	ok, err := store.HasCredentials("anthropic")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.HasCredentials("openai")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFileCredentialStoreMalformedEntryErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"anthropic": "not-an-object"}`), 0644))

	store := NewFileCredentialStore(path)
	_, err := store.HasCredentials("anthropic")
	require.Error(t, err)
}
