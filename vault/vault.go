package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"

	"github.com/twinlab/go-connect-server/internal/config"
	apperrors "github.com/twinlab/go-connect-server/internal/errors"
)

const (
	keyLength  = 32 // AES-256
	tagLength  = 16
	partsCount = 3
)

// ErrNoMasterSecret indicates the vault has no key material configured.
// It is distinct from ErrDecryptionFailed: nothing was decrypted at all.
var ErrNoMasterSecret = errors.New("vault master secret not configured")

// EncryptedCredential is the three-part at-rest representation of an
// encrypted token.
type EncryptedCredential struct {
	IV         []byte
	AuthTag    []byte
	Ciphertext []byte
}

// Encode renders the canonical iv:authTag:ciphertext encoding.
func (e EncryptedCredential) Encode() string {
	enc := base64.RawURLEncoding
	return enc.EncodeToString(e.IV) + ":" + enc.EncodeToString(e.AuthTag) + ":" + enc.EncodeToString(e.Ciphertext)
}

// Parse decodes the three-part encoding. Any other shape is treated as a
// migration artifact and yields ErrDecryptionFailed, never a panic.
func Parse(encoded string) (EncryptedCredential, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != partsCount {
		return EncryptedCredential{}, apperrors.Wrapf(apperrors.ErrDecryptionFailed, "[vault.Parse] not a three-part credential")
	}

	enc := base64.RawURLEncoding
	decoded := make([][]byte, partsCount)
	for i, part := range parts {
		raw, err := enc.DecodeString(part)
		if err != nil {
			return EncryptedCredential{}, apperrors.Wrapf(apperrors.ErrDecryptionFailed, "[vault.Parse] malformed part")
		}
		decoded[i] = raw
	}

	return EncryptedCredential{IV: decoded[0], AuthTag: decoded[1], Ciphertext: decoded[2]}, nil
}

// Vault provides authenticated encryption for credentials at rest. The
// AES-256 key is derived from the configured master secret with
// HKDF-SHA256, lazily on first use, so a missing secret does not crash
// unrelated startup paths.
type Vault struct {
	cfg config.VaultConfig

	mu      sync.Mutex
	aead    cipher.AEAD
	initErr error
	loaded  bool
}

func New(cfg config.VaultConfig) *Vault {
	return &Vault{cfg: cfg}
}

// Encrypt seals the plaintext with a fresh random IV and returns the
// three-part encoding.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	aead, err := v.aeadCipher()
	if err != nil {
		return "", err
	}

	iv := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", errors.Wrap(err, "[Vault.Encrypt] generate iv")
	}

	sealed := aead.Seal(nil, iv, []byte(plaintext), nil)
	cred := EncryptedCredential{
		IV:         iv,
		AuthTag:    sealed[len(sealed)-tagLength:],
		Ciphertext: sealed[:len(sealed)-tagLength],
	}
	return cred.Encode(), nil
}

// Decrypt opens a three-part encoded credential. Wrong key and tampered
// data are indistinguishable: both yield ErrDecryptionFailed.
func (v *Vault) Decrypt(encoded string) (string, error) {
	cred, err := Parse(encoded)
	if err != nil {
		return "", err
	}

	aead, err := v.aeadCipher()
	if err != nil {
		return "", err
	}

	if len(cred.IV) != aead.NonceSize() || len(cred.AuthTag) != tagLength {
		return "", apperrors.Wrapf(apperrors.ErrDecryptionFailed, "[Vault.Decrypt] bad iv or tag length")
	}

	sealed := append(append([]byte{}, cred.Ciphertext...), cred.AuthTag...)
	plaintext, err := aead.Open(nil, cred.IV, sealed, nil)
	if err != nil {
		return "", apperrors.Wrapf(apperrors.ErrDecryptionFailed, "[Vault.Decrypt] open")
	}
	return string(plaintext), nil
}

// Reset drops the cached key so the next operation re-derives it.
// Teardown hook for tests.
func (v *Vault) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.aead = nil
	v.initErr = nil
	v.loaded = false
}

func (v *Vault) aeadCipher() (cipher.AEAD, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.loaded {
		return v.aead, v.initErr
	}
	v.loaded = true
	v.aead, v.initErr = buildAEAD(v.cfg.GetVaultMasterSecret(), v.cfg.GetVaultKeyInfo())
	return v.aead, v.initErr
}

func buildAEAD(masterSecret, keyInfo string) (cipher.AEAD, error) {
	if masterSecret == "" {
		return nil, ErrNoMasterSecret
	}

	key := make([]byte, keyLength)
	kdf := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte(keyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, errors.Wrap(err, "[vault] derive key")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "[vault] create cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "[vault] create GCM")
	}
	return aead, nil
}
