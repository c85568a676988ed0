package config

type VaultConfig interface {
	GetVaultMasterSecret() string
	GetVaultKeyInfo() string
}

type Vault struct{}

var _ VaultConfig = Vault{}

// GetVaultMasterSecret returns the process-wide symmetric master secret.
// The vault derives its AES-256 key from it lazily on first use, so an
// unset secret only fails cryptographic operations, not process startup.
func (Vault) GetVaultMasterSecret() string {
	return GetEnv("VAULT_MASTER_SECRET", "")
}

// GetVaultKeyInfo is the HKDF info string binding derived keys to this
// service. Changing it invalidates all stored ciphertext.
func (Vault) GetVaultKeyInfo() string {
	return GetEnv("VAULT_KEY_INFO", "connect-server/credential-vault/v1")
}
