// Package models defines the catalog types shared across the engine.
package models

import (
	"strings"
	"time"
)

// Datasource tier. Organization sources are synthesized from deployment
// configuration at startup and are never persisted; user sources are
// mutable catalog rows owned by exactly one user.
const (
	TierOrganization = "organization"
	TierUser         = "user"
)

// Supported backend types.
const (
	TypePostgres  = "postgres"
	TypeSnowflake = "snowflake"
)

// Authentication methods.
const (
	AuthPassword        = "password"
	AuthKeypair         = "keypair"
	AuthOAuth           = "oauth"
	AuthExternalBrowser = "externalbrowser"
)

// OrgIDPrefix is the id scheme for organization-tier datasources.
// Mutation endpoints reject any id carrying this prefix before touching
// storage.
const OrgIDPrefix = "org-"

// IsOrganizationID reports whether an id belongs to the organization tier.
func IsOrganizationID(id string) bool {
	return strings.HasPrefix(id, OrgIDPrefix)
}

// ConnectionConfig holds the non-secret connection parameters of a
// datasource. It is stored as plaintext JSON and is safe to return to
// clients.
type ConnectionConfig struct {
	// Postgres fields.
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Database string `json:"database,omitempty"`
	SSLMode  string `json:"ssl_mode,omitempty"`

	// Snowflake fields.
	Account   string `json:"account,omitempty"`
	Warehouse string `json:"warehouse,omitempty"`
	Role      string `json:"role,omitempty"`

	// Shared.
	Schema   string `json:"schema,omitempty"`
	Username string `json:"username,omitempty"` // display only; the login name lives in Credentials
}

// Credentials is the secret material of a datasource. It only ever
// exists in memory; at rest it is an EncryptedPayload.
type Credentials struct {
	User           string `json:"user,omitempty"`
	Password       string `json:"password,omitempty"`
	PrivateKey     string `json:"private_key,omitempty"`
	PrivateKeyPath string `json:"private_key_path,omitempty"`
	Passphrase     string `json:"passphrase,omitempty"`
}

// EncryptedPayload is the durable form of a secret: a single
// AES-256-GCM seal plus the PBKDF2 salt used to derive its key.
// All fields are hex-encoded. A payload missing any field is treated
// as absent credentials, not as corruption.
type EncryptedPayload struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	AuthTag    string `json:"auth_tag"`
	Salt       string `json:"salt"`
}

// IsComplete reports whether all four components are present.
func (p *EncryptedPayload) IsComplete() bool {
	return p != nil && p.Ciphertext != "" && p.IV != "" && p.AuthTag != "" && p.Salt != ""
}

// Datasource is a named external connection descriptor.
type Datasource struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Tier        string `json:"tier"`
	EnvPrefix   string `json:"env_prefix,omitempty"` // organization tier only
	AuthMethod  string `json:"auth_method"`

	ConnectionConfig ConnectionConfig `json:"connection_config"`

	// Secret material. Populated only on the decrypt path; never serialized
	// to clients or storage.
	Credentials  *Credentials `json:"-"`
	RefreshToken string       `json:"-"`

	EncryptedCredentials  *EncryptedPayload `json:"-"`
	EncryptedRefreshToken *EncryptedPayload `json:"-"`
	TokenExpiry           *time.Time        `json:"-"`

	OwnerID string `json:"owner_id,omitempty"` // user tier only, immutable after create

	LastTestResult string     `json:"last_test_result,omitempty"` // "success" | "failure"
	LastTestError  string     `json:"last_test_error,omitempty"`
	LastTestedAt   *time.Time `json:"last_tested_at,omitempty"`

	Active    bool      `json:"-"` // soft-delete flag; inactive rows never reach read paths
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Redacted returns a copy safe to hand to clients: secret material and
// encrypted bundles stripped, everything else intact.
func (d *Datasource) Redacted() *Datasource {
	c := *d
	c.Credentials = nil
	c.RefreshToken = ""
	c.EncryptedCredentials = nil
	c.EncryptedRefreshToken = nil
	return &c
}

// TestOutcome is the result of a connectivity probe. Probe failure is a
// reported outcome, not an error.
type TestOutcome struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}
