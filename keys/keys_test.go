package keys

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateWritesLoadableKeyPair(t *testing.T) {
	dir := t.TempDir()

	certPath, seed, err := Generate("server", dir)
	require.NoError(t, err)
	assert.NotEmpty(t, seed)
	assert.Equal(t, filepath.Join(dir, "server.key"), certPath)

	secretPath := filepath.Join(dir, "server.key_secret")
	_, err = os.Stat(secretPath)
	require.NoError(t, err)

	_, err = tls.LoadX509KeyPair(certPath, secretPath)
	require.NoError(t, err)
}

func TestGenerateSecretFilePermissions(t *testing.T) {
	dir := t.TempDir()
	_, _, err := Generate("client", dir)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "client.key_secret"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
