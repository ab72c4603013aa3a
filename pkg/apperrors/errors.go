package apperrors

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("conflict")
	ErrOrganizationReadOnly   = errors.New("organization datasources are read-only")
	ErrUserKeyRequired        = errors.New("user encryption key is required for this datasource")
	ErrDecryptionFailed       = errors.New("decryption failed: invalid ciphertext or wrong key")
	ErrCredentialsKeyMismatch = errors.New("datasource credentials were encrypted with a different key; check your user key")
	ErrReauthRequired         = errors.New("session expired: browser re-authentication required")
	ErrBackendUnavailable     = errors.New("datasource backend is not available in this build")
	ErrStateExpired           = errors.New("authorization state has expired")
)
