package crypto

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/gridbase-io/gridbase-engine/pkg/apperrors"
	"github.com/gridbase-io/gridbase-engine/pkg/models"
)

const testServerKey = "unit-test-server-key-0123456789abcdef"

type testSecret struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := NewVault(testServerKey)
	if err != nil {
		t.Fatalf("failed to create vault: %v", err)
	}
	return v
}

func TestNewVaultKeyLength(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "exactly 32 chars", key: strings.Repeat("k", 32), wantErr: false},
		{name: "longer than 32", key: strings.Repeat("k", 64), wantErr: false},
		{name: "31 chars rejected", key: strings.Repeat("k", 31), wantErr: true},
		{name: "empty rejected", key: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewVault(tt.key)
			if tt.wantErr && !errors.Is(err, ErrServerKeyTooShort) {
				t.Errorf("expected ErrServerKeyTooShort, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t)

	secrets := []testSecret{
		{User: "analyst", Password: "hunter2"},
		{User: "账户", Password: "päss🔑word\nwith\tweird chars"},
		{},
	}

	for _, secret := range secrets {
		payload, err := v.Encrypt(secret, "user-key-1")
		if err != nil {
			t.Fatalf("encrypt failed: %v", err)
		}
		if !payload.IsComplete() {
			t.Fatal("expected complete payload")
		}

		var got testSecret
		if err := v.Decrypt(payload, "user-key-1", &got); err != nil {
			t.Fatalf("decrypt failed: %v", err)
		}
		if got != secret {
			t.Errorf("round-trip mismatch: got %+v, want %+v", got, secret)
		}
	}
}

func TestEncryptRequiresUserKey(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.Encrypt(testSecret{}, ""); !errors.Is(err, ErrUserKeyRequired) {
		t.Errorf("expected ErrUserKeyRequired, got %v", err)
	}
}

func TestDecryptWrongKeyRejects(t *testing.T) {
	v := newTestVault(t)
	payload, err := v.Encrypt(testSecret{User: "a", Password: "b"}, "key-one")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	var out testSecret
	err = v.Decrypt(payload, "key-two", &out)
	if !errors.Is(err, apperrors.ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed for wrong key, got %v", err)
	}
}

func TestDecryptTamperRejects(t *testing.T) {
	v := newTestVault(t)
	payload, err := v.Encrypt(testSecret{User: "a", Password: "secret"}, "key")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	flipHexByte := func(s string) string {
		raw, err := hex.DecodeString(s)
		if err != nil {
			t.Fatalf("bad hex: %v", err)
		}
		raw[0] ^= 0xff
		return hex.EncodeToString(raw)
	}

	tests := []struct {
		name   string
		mutate func(p *models.EncryptedPayload)
	}{
		{name: "flip ciphertext byte", mutate: func(p *models.EncryptedPayload) { p.Ciphertext = flipHexByte(p.Ciphertext) }},
		{name: "flip auth tag byte", mutate: func(p *models.EncryptedPayload) { p.AuthTag = flipHexByte(p.AuthTag) }},
		{name: "flip iv byte", mutate: func(p *models.EncryptedPayload) { p.IV = flipHexByte(p.IV) }},
		{name: "flip salt byte", mutate: func(p *models.EncryptedPayload) { p.Salt = flipHexByte(p.Salt) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tampered := *payload
			tt.mutate(&tampered)
			var out testSecret
			if err := v.Decrypt(&tampered, "key", &out); !errors.Is(err, apperrors.ErrDecryptionFailed) {
				t.Errorf("expected ErrDecryptionFailed, got %v", err)
			}
		})
	}
}

func TestDecryptIncompletePayload(t *testing.T) {
	v := newTestVault(t)
	payload, _ := v.Encrypt(testSecret{User: "a"}, "key")

	partial := *payload
	partial.Salt = ""

	var out testSecret
	if err := v.Decrypt(&partial, "key", &out); !errors.Is(err, apperrors.ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed for partial payload, got %v", err)
	}
}

func TestEncryptUniqueness(t *testing.T) {
	v := newTestVault(t)
	secret := testSecret{User: "same", Password: "same"}

	seenCipher := make(map[string]bool)
	seenIV := make(map[string]bool)
	seenSalt := make(map[string]bool)

	for i := 0; i < 10; i++ {
		p, err := v.Encrypt(secret, "key")
		if err != nil {
			t.Fatalf("encrypt failed: %v", err)
		}
		if seenCipher[p.Ciphertext] || seenIV[p.IV] || seenSalt[p.Salt] {
			t.Fatal("encrypting the same secret twice reused ciphertext/iv/salt")
		}
		seenCipher[p.Ciphertext] = true
		seenIV[p.IV] = true
		seenSalt[p.Salt] = true
	}
}

func TestStateRoundTrip(t *testing.T) {
	v := newTestVault(t)

	type statePayload struct {
		Name    string `json:"name"`
		OwnerID string `json:"owner_id"`
	}

	payload, err := v.EncryptState(statePayload{Name: "wh", OwnerID: "u-1"})
	if err != nil {
		t.Fatalf("encrypt state failed: %v", err)
	}

	var got statePayload
	if err := v.DecryptState(payload, &got); err != nil {
		t.Fatalf("decrypt state failed: %v", err)
	}
	if got.Name != "wh" || got.OwnerID != "u-1" {
		t.Errorf("state mismatch: %+v", got)
	}

	// State payloads must not be decryptable under a caller-supplied key.
	var out statePayload
	if err := v.Decrypt(payload, "some-user-key", &out); !errors.Is(err, apperrors.ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed under user key, got %v", err)
	}
}
