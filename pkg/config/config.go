// Package config loads engine configuration from config.yaml with
// environment variable overrides. Secrets only come from the
// environment (yaml:"-" fields).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
)

// MinCredentialsKeyLength mirrors the vault's construction requirement.
// Checked at load time so a misconfigured deployment dies at startup,
// not on the first encrypt call.
const MinCredentialsKeyLength = 32

// Config holds all configuration for gridbase-engine.
type Config struct {
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8090"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config

	// Server-side half of the credential encryption key. Combined with
	// each user's key by the vault; must be at least 32 characters.
	CredentialsKey string `yaml:"-" env:"GRID_CREDENTIALS_KEY"`

	// Catalog database (the engine's own PostgreSQL).
	Database DatabaseConfig `yaml:"database"`

	// Warehouse access behavior.
	Datasource DatasourceConfig `yaml:"datasource"`

	// OAuth client registration with the warehouse identity provider.
	OAuth OAuthConfig `yaml:"oauth"`

	// Auth (caller identity) configuration.
	Auth AuthConfig `yaml:"auth"`

	// Organization-shared datasources synthesized from the environment.
	OrgSources []OrgSourceConfig `yaml:"org_sources"`

	// OrgSourcesStr is an env fallback for OrgSources:
	// "PREFIX:type" pairs, comma separated, e.g. "ANALYTICS:postgres,FINANCE:snowflake".
	OrgSourcesStr string `yaml:"-" env:"ORG_DATASOURCES" env-default:""`
}

// DatabaseConfig holds catalog PostgreSQL configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"gridbase"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"gridbase_engine"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	MigrationsPath string `yaml:"migrations_path" env:"PGMIGRATIONS_PATH" env-default:"migrations"`
}

// DatasourceConfig holds warehouse access settings.
type DatasourceConfig struct {
	// MaxQueryRows is the hard row cap applied to ad-hoc queries.
	MaxQueryRows int `yaml:"max_query_rows" env:"DATASOURCE_MAX_QUERY_ROWS" env-default:"10000"`
	// MaxPageSize caps the limit parameter of paginated queries.
	MaxPageSize int `yaml:"max_page_size" env:"DATASOURCE_MAX_PAGE_SIZE" env-default:"1000"`
	// QueryTimeoutSeconds bounds pure query paths.
	QueryTimeoutSeconds int `yaml:"query_timeout_seconds" env:"DATASOURCE_QUERY_TIMEOUT_SECONDS" env-default:"60"`
	// ConnectTimeoutSeconds bounds connect-sensitive paths (browser SSO
	// needs time for the user to approve).
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds" env:"DATASOURCE_CONNECT_TIMEOUT_SECONDS" env-default:"120"`
}

// OAuthConfig holds the client registration used to exchange warehouse
// authorization codes for refresh tokens.
type OAuthConfig struct {
	ClientID     string `yaml:"client_id" env:"WAREHOUSE_OAUTH_CLIENT_ID" env-default:""`
	ClientSecret string `yaml:"-" env:"WAREHOUSE_OAUTH_CLIENT_SECRET"` // Secret - not in YAML
	AuthorizeURL string `yaml:"authorize_url" env:"WAREHOUSE_OAUTH_AUTHORIZE_URL" env-default:""`
	TokenURL     string `yaml:"token_url" env:"WAREHOUSE_OAUTH_TOKEN_URL" env-default:""`
}

// Enabled reports whether the OAuth exchange is configured.
func (c *OAuthConfig) Enabled() bool {
	return c.ClientID != "" && c.AuthorizeURL != "" && c.TokenURL != ""
}

// AuthConfig holds caller-identity verification settings.
type AuthConfig struct {
	// EnableVerification controls whether bearer tokens are validated
	// against the JWKS endpoint. Off for local development.
	EnableVerification bool `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION" env-default:"true"`
	// JWKSURL is the identity provider's JWKS endpoint.
	JWKSURL string `yaml:"jwks_url" env:"AUTH_JWKS_URL" env-default:""`
}

// OrgSourceConfig describes one organization-shared datasource. The
// actual connection fields are read from the environment at registry
// construction: {PREFIX}_{FIELD} by default, or the variable named in
// Vars[FIELD] when overridden.
type OrgSourceConfig struct {
	Prefix      string            `yaml:"prefix"`
	Type        string            `yaml:"type"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Vars        map[string]string `yaml:"vars"`
}

// Load reads configuration, applies env overrides, and validates the
// fatal-at-startup invariants. A missing config.yaml falls back to
// environment-only configuration.
func Load(version string) (*Config, error) {
	cfg := &Config{Version: version}

	if _, err := os.Stat("config.yaml"); err == nil {
		if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment config: %w", err)
		}
	}

	if err := cfg.parseOrgSourcesStr(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = (&url.URL{Scheme: "http", Host: "localhost:" + cfg.Port}).String()
	}

	return cfg, nil
}

// Validate enforces configuration-class invariants. These are fatal:
// the process must not come up with a weak credentials key.
func (c *Config) Validate() error {
	if c.CredentialsKey == "" {
		return errors.New("GRID_CREDENTIALS_KEY is not set")
	}
	if len(c.CredentialsKey) < MinCredentialsKeyLength {
		return fmt.Errorf("GRID_CREDENTIALS_KEY must be at least %d characters", MinCredentialsKeyLength)
	}
	for _, src := range c.OrgSources {
		if src.Prefix == "" {
			return errors.New("org_sources entries require a prefix")
		}
		if src.Type == "" {
			return fmt.Errorf("org source %s requires a type", src.Prefix)
		}
	}
	return nil
}

// parseOrgSourcesStr appends env-declared org sources ("PREFIX:type"
// pairs) to any declared in YAML.
func (c *Config) parseOrgSourcesStr() error {
	if c.OrgSourcesStr == "" {
		return nil
	}
	for _, pair := range strings.Split(c.OrgSourcesStr, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("invalid ORG_DATASOURCES entry %q (want PREFIX:type)", pair)
		}
		c.OrgSources = append(c.OrgSources, OrgSourceConfig{
			Prefix: strings.ToUpper(parts[0]),
			Type:   strings.ToLower(parts[1]),
		})
	}
	return nil
}

// ConnectionString returns the catalog database connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
