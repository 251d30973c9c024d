package credentials

import (
	"encoding/hex"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvKeyProviderGetKey(t *testing.T) {
	const envVar = "PENF_TRIAGE_TEST_KEYPROVIDER"

	t.Run("valid key", func(t *testing.T) {
		t.Setenv(envVar, testEncryptionKey)

		provider := NewEnvKeyProvider(envVar)
		key, err := provider.GetKey()
		require.NoError(t, err)
		assert.Len(t, key, keyLength)

		expected, err := hex.DecodeString(testEncryptionKey)
		require.NoError(t, err)
		assert.Equal(t, expected, key)
	})

	t.Run("missing env var", func(t *testing.T) {
		t.Setenv(envVar, "")

		provider := NewEnvKeyProvider(envVar)
		_, err := provider.GetKey()
		assert.Error(t, err)
	})

	t.Run("invalid hex", func(t *testing.T) {
		t.Setenv(envVar, "not-valid-hex")

		provider := NewEnvKeyProvider(envVar)
		_, err := provider.GetKey()
		assert.Error(t, err)
	})

	t.Run("wrong length", func(t *testing.T) {
		t.Setenv(envVar, "0123456789abcdef")

		provider := NewEnvKeyProvider(envVar)
		_, err := provider.GetKey()
		assert.Error(t, err)
	})
}

func TestEnvKeyProviderDescription(t *testing.T) {
	provider := NewEnvKeyProvider("MY_CUSTOM_KEY")
	assert.Contains(t, provider.Description(), "MY_CUSTOM_KEY")
}

func TestPassphraseKeyProviderGetKey(t *testing.T) {
	t.Run("derives a full-length key", func(t *testing.T) {
		salt, err := GenerateSalt()
		require.NoError(t, err)

		provider := NewPassphraseKeyProvider("my-secure-passphrase", salt)
		key, err := provider.GetKey()
		require.NoError(t, err)
		assert.Len(t, key, keyLength)
	})

	t.Run("deterministic for same passphrase and salt", func(t *testing.T) {
		salt, err := GenerateSalt()
		require.NoError(t, err)

		key1, err := NewPassphraseKeyProvider("test-passphrase", salt).GetKey()
		require.NoError(t, err)
		key2, err := NewPassphraseKeyProvider("test-passphrase", salt).GetKey()
		require.NoError(t, err)
		assert.Equal(t, key1, key2)
	})

	t.Run("different salts produce different keys", func(t *testing.T) {
		salt1, err := GenerateSalt()
		require.NoError(t, err)
		salt2, err := GenerateSalt()
		require.NoError(t, err)

		key1, err := NewPassphraseKeyProvider("test-passphrase", salt1).GetKey()
		require.NoError(t, err)
		key2, err := NewPassphraseKeyProvider("test-passphrase", salt2).GetKey()
		require.NoError(t, err)
		assert.NotEqual(t, key1, key2)
	})

	t.Run("different passphrases produce different keys", func(t *testing.T) {
		salt, err := GenerateSalt()
		require.NoError(t, err)

		key1, err := NewPassphraseKeyProvider("passphrase-1", salt).GetKey()
		require.NoError(t, err)
		key2, err := NewPassphraseKeyProvider("passphrase-2", salt).GetKey()
		require.NoError(t, err)
		assert.NotEqual(t, key1, key2)
	})

	t.Run("empty passphrase", func(t *testing.T) {
		salt, err := GenerateSalt()
		require.NoError(t, err)

		_, err = NewPassphraseKeyProvider("", salt).GetKey()
		assert.Error(t, err)
	})

	t.Run("empty salt", func(t *testing.T) {
		_, err := NewPassphraseKeyProvider("passphrase", nil).GetKey()
		assert.Error(t, err)
	})
}

func TestPassphraseKeyProviderDescription(t *testing.T) {
	provider := NewPassphraseKeyProvider("test", []byte("salt"))
	assert.Contains(t, provider.Description(), "Argon2")
}

func TestGenerateSalt(t *testing.T) {
	salt1, err := GenerateSalt()
	require.NoError(t, err)
	assert.Len(t, salt1, 16)

	salt2, err := GenerateSalt()
	require.NoError(t, err)
	assert.NotEqual(t, salt1, salt2)
}

func TestKeyringKeyProviderDescription(t *testing.T) {
	provider := NewKeyringKeyProvider()
	assert.NotEmpty(t, provider.Description())
}

// TestKeyringKeyProviderIntegration exercises the real system keyring when
// one is available.
func TestKeyringKeyProviderIntegration(t *testing.T) {
	if os.Getenv("CI") != "" {
		t.Skip("Skipping keyring test in CI environment")
	}

	provider := NewKeyringKeyProvider()

	key, err := provider.GetKey()
	if err != nil {
		t.Skipf("Keyring not available: %v", err)
	}
	assert.Len(t, key, keyLength)

	again, err := provider.GetKey()
	require.NoError(t, err)
	assert.Equal(t, key, again)
}

func TestGetDefaultKeyProviderWithEnvVar(t *testing.T) {
	t.Setenv(envKeyVar, testEncryptionKey)

	provider, err := GetDefaultKeyProvider()
	require.NoError(t, err)
	assert.True(t, strings.Contains(provider.Description(), envKeyVar))

	key, err := provider.GetKey()
	require.NoError(t, err)
	assert.Len(t, key, keyLength)
}
