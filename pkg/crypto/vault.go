// Package crypto implements the credential vault: authenticated
// encryption of secret blobs with a two-factor key derivation. The key
// used for any payload is derived from the server-side key AND the
// owning user's key, so compromising either one alone does not expose
// stored credentials.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/gridbase-io/gridbase-engine/pkg/apperrors"
	"github.com/gridbase-io/gridbase-engine/pkg/models"
)

const (
	// MinServerKeyLength is enforced at construction. A short server key
	// is a deployment mistake and must fail fast, not at first use.
	MinServerKeyLength = 32

	kdfIterations = 100_000
	keyLength     = 32 // AES-256
	saltLength    = 16
	nonceLength   = 12
	tagLength     = 16

	// stateKey is the fixed internal user-key for OAuth state payloads.
	// State travels to the identity provider and back and must be
	// decryptable by the server alone, before the owner has supplied a
	// key. It is still combined with the server key by the KDF.
	stateKey = "gridbase-oauth-state-v1"
)

var (
	// ErrServerKeyTooShort is returned when the configured server key is
	// below the minimum length.
	ErrServerKeyTooShort = fmt.Errorf("server encryption key must be at least %d characters", MinServerKeyLength)
	// ErrUserKeyRequired is returned when encrypt/decrypt is called
	// without a user key.
	ErrUserKeyRequired = errors.New("user key must not be empty")
)

// Vault provides AES-256-GCM encryption of secret objects with
// PBKDF2-derived keys.
type Vault struct {
	serverKey string
}

// NewVault creates a vault from the server-side key. Construction fails
// if the key is shorter than MinServerKeyLength.
func NewVault(serverKey string) (*Vault, error) {
	if len(serverKey) < MinServerKeyLength {
		return nil, ErrServerKeyTooShort
	}
	return &Vault{serverKey: serverKey}, nil
}

// deriveKey stretches serverKey:userKey through PBKDF2-SHA256. The
// iteration count is deliberately expensive (tens of milliseconds) to
// resist offline brute force of weak user keys.
func (v *Vault) deriveKey(userKey string, salt []byte) []byte {
	material := v.serverKey + ":" + userKey
	return pbkdf2.Key([]byte(material), salt, kdfIterations, keyLength, sha256.New)
}

// Encrypt serializes secret to JSON and seals it under a key derived
// from the server key and userKey. A fresh random salt and nonce are
// generated per call, so encrypting the same secret twice yields
// unlinkable payloads.
func (v *Vault) Encrypt(secret any, userKey string) (*models.EncryptedPayload, error) {
	if userKey == "" {
		return nil, ErrUserKeyRequired
	}

	plaintext, err := json.Marshal(secret)
	if err != nil {
		return nil, fmt.Errorf("marshal secret: %w", err)
	}

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	gcm, err := newGCM(v.deriveKey(userKey, salt))
	if err != nil {
		return nil, err
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	if len(sealed) < tagLength {
		return nil, errors.New("sealed payload shorter than auth tag")
	}
	ciphertext, tag := sealed[:len(sealed)-tagLength], sealed[len(sealed)-tagLength:]

	return &models.EncryptedPayload{
		Ciphertext: hex.EncodeToString(ciphertext),
		IV:         hex.EncodeToString(nonce),
		AuthTag:    hex.EncodeToString(tag),
		Salt:       hex.EncodeToString(salt),
	}, nil
}

// Decrypt recomputes the key from (serverKey, userKey, stored salt) and
// opens the payload into out. Wrong key and corrupted data are
// deliberately indistinguishable: both return
// apperrors.ErrDecryptionFailed with no further detail.
func (v *Vault) Decrypt(payload *models.EncryptedPayload, userKey string, out any) error {
	if userKey == "" {
		return ErrUserKeyRequired
	}
	if !payload.IsComplete() {
		return apperrors.ErrDecryptionFailed
	}

	ciphertext, err := hex.DecodeString(payload.Ciphertext)
	if err != nil {
		return apperrors.ErrDecryptionFailed
	}
	nonce, err := hex.DecodeString(payload.IV)
	if err != nil || len(nonce) != nonceLength {
		return apperrors.ErrDecryptionFailed
	}
	tag, err := hex.DecodeString(payload.AuthTag)
	if err != nil || len(tag) != tagLength {
		return apperrors.ErrDecryptionFailed
	}
	salt, err := hex.DecodeString(payload.Salt)
	if err != nil {
		return apperrors.ErrDecryptionFailed
	}

	gcm, err := newGCM(v.deriveKey(userKey, salt))
	if err != nil {
		return err
	}

	plaintext, err := gcm.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return apperrors.ErrDecryptionFailed
	}

	if err := json.Unmarshal(plaintext, out); err != nil {
		return apperrors.ErrDecryptionFailed
	}
	return nil
}

// EncryptState seals an ephemeral OAuth state payload under the fixed
// internal key.
func (v *Vault) EncryptState(state any) (*models.EncryptedPayload, error) {
	return v.Encrypt(state, stateKey)
}

// DecryptState opens an OAuth state payload.
func (v *Vault) DecryptState(payload *models.EncryptedPayload, out any) error {
	return v.Decrypt(payload, stateKey, out)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
