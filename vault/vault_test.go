package vault_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	apperrors "github.com/twinlab/go-connect-server/internal/errors"
	"github.com/twinlab/go-connect-server/vault"
)

type testVaultConfig struct {
	secret string
}

func (c testVaultConfig) GetVaultMasterSecret() string { return c.secret }
func (c testVaultConfig) GetVaultKeyInfo() string      { return "test/credential-vault" }

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	v := vault.New(testVaultConfig{secret: "test-master-secret"})
	t.Cleanup(v.Reset)
	return v
}

func TestVault_RoundTrip(t *testing.T) {
	v := newTestVault(t)

	for _, plaintext := range []string{"abc", "", "a much longer access token value 1234567890"} {
		encoded, err := v.Encrypt(plaintext)
		require.NoError(t, err)

		decrypted, err := v.Decrypt(encoded)
		require.NoError(t, err)
		require.Equal(t, plaintext, decrypted)
	}
}

func TestVault_Encoding(t *testing.T) {
	v := newTestVault(t)

	encoded, err := v.Encrypt("abc")
	require.NoError(t, err)
	require.Len(t, strings.Split(encoded, ":"), 3)
}

func TestVault_IVUniqueness(t *testing.T) {
	v := newTestVault(t)

	first, err := v.Encrypt("same plaintext")
	require.NoError(t, err)
	second, err := v.Encrypt("same plaintext")
	require.NoError(t, err)

	require.NotEqual(t, first, second)
	require.NotEqual(t, strings.Split(first, ":")[0], strings.Split(second, ":")[0])
}

func TestVault_TamperDetection(t *testing.T) {
	v := newTestVault(t)

	encoded, err := v.Encrypt("sensitive")
	require.NoError(t, err)

	// Flip a bit in each of the tag and ciphertext parts.
	for _, partIndex := range []int{1, 2} {
		parts := strings.Split(encoded, ":")
		raw := []byte(parts[partIndex])
		raw[0] ^= 0x01
		parts[partIndex] = string(raw)
		tampered := strings.Join(parts, ":")

		_, err := v.Decrypt(tampered)
		require.ErrorIs(t, err, apperrors.ErrDecryptionFailed)
	}
}

func TestVault_WrongKey(t *testing.T) {
	v := newTestVault(t)
	encoded, err := v.Encrypt("sensitive")
	require.NoError(t, err)

	other := vault.New(testVaultConfig{secret: "a-different-master-secret"})
	t.Cleanup(other.Reset)

	_, err = other.Decrypt(encoded)
	require.ErrorIs(t, err, apperrors.ErrDecryptionFailed)
}

func TestVault_MigrationArtifacts(t *testing.T) {
	v := newTestVault(t)

	for _, encoded := range []string{
		"",
		"not-encrypted-at-all",
		"only:two",
		"one:two:three:four",
		"!!!:@@@:###", // not base64url
	} {
		_, err := v.Decrypt(encoded)
		require.ErrorIs(t, err, apperrors.ErrDecryptionFailed, "input %q", encoded)
	}
}

func TestVault_MissingMasterSecret(t *testing.T) {
	v := vault.New(testVaultConfig{})
	t.Cleanup(v.Reset)

	_, err := v.Encrypt("abc")
	require.ErrorIs(t, err, vault.ErrNoMasterSecret)
}
