package snowflake

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/snowflakedb/gosnowflake"
	"github.com/youmark/pkcs8"

	"github.com/gridbase-io/gridbase-engine/pkg/models"
)

const (
	// loginTimeout bounds session establishment. External-browser auth
	// involves a human clicking through an identity provider, so this is
	// deliberately generous.
	loginTimeout = 120 * time.Second
)

// buildConfig resolves a datasource row plus its secret material into a
// driver configuration. The auth method decides which secrets are
// consulted.
func buildConfig(ds *models.Datasource, creds *models.Credentials, refreshToken string) (*gosnowflake.Config, error) {
	cc := ds.ConnectionConfig
	if cc.Account == "" {
		return nil, fmt.Errorf("account is required")
	}

	cfg := &gosnowflake.Config{
		Account:      cc.Account,
		Database:     cc.Database,
		Schema:       cc.Schema,
		Warehouse:    cc.Warehouse,
		Role:         cc.Role,
		LoginTimeout: loginTimeout,
	}
	if creds != nil {
		cfg.User = creds.User
	}
	if cfg.User == "" {
		cfg.User = cc.Username
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("user is required")
	}

	switch ds.AuthMethod {
	case models.AuthPassword, "":
		if creds == nil || creds.Password == "" {
			return nil, fmt.Errorf("password is required for password auth")
		}
		cfg.Password = creds.Password
		cfg.Authenticator = gosnowflake.AuthTypeSnowflake

	case models.AuthKeypair:
		pemData, err := resolvePrivateKeyPEM(creds)
		if err != nil {
			return nil, err
		}
		key, err := parsePrivateKey(pemData, creds.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		cfg.PrivateKey = key
		cfg.Authenticator = gosnowflake.AuthTypeJwt

	case models.AuthOAuth:
		if refreshToken == "" {
			return nil, fmt.Errorf("oauth token is required for oauth auth")
		}
		cfg.Token = refreshToken
		cfg.Authenticator = gosnowflake.AuthTypeOAuth

	case models.AuthExternalBrowser:
		cfg.Authenticator = gosnowflake.AuthTypeExternalBrowser
		// Cache the IdP-issued temporary credential on disk so repeated
		// connects do not re-prompt the browser.
		cfg.ClientStoreTemporaryCredential = gosnowflake.ConfigBoolTrue

	default:
		return nil, fmt.Errorf("unsupported auth method %q", ds.AuthMethod)
	}

	return cfg, nil
}

// resolvePrivateKeyPEM returns the key material, preferring an inline
// key over a file path.
func resolvePrivateKeyPEM(creds *models.Credentials) (string, error) {
	if creds == nil {
		return "", fmt.Errorf("private key is required for keypair auth")
	}
	if creds.PrivateKey != "" {
		return creds.PrivateKey, nil
	}
	if creds.PrivateKeyPath != "" {
		data, err := os.ReadFile(creds.PrivateKeyPath)
		if err != nil {
			return "", fmt.Errorf("read private key file: %w", err)
		}
		return string(data), nil
	}
	return "", fmt.Errorf("private key is required for keypair auth")
}

// parsePrivateKey decodes a PKCS#8 PEM RSA key, the format Snowflake
// documents for keypair auth. Passphrase-protected keys are decrypted
// with the credential's passphrase.
func parsePrivateKey(pemData, passphrase string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if block.Type == "ENCRYPTED PRIVATE KEY" || passphrase != "" {
		if passphrase == "" {
			return nil, fmt.Errorf("private key is encrypted and requires a passphrase")
		}
		key, err := pkcs8.ParsePKCS8PrivateKeyRSA(block.Bytes, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("decrypt private key: %w", err)
		}
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return key, nil
}
