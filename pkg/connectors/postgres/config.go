package postgres

import (
	"fmt"
	"net/url"
	"time"

	"github.com/gridbase-io/gridbase-engine/pkg/models"
)

const (
	defaultPort    = 5432
	defaultSSLMode = "require"

	// connectTimeout bounds every dial. Credential-backed sources hold
	// no server-side session, so each call pays this.
	connectTimeout = 30 * time.Second
)

// Config contains PostgreSQL connection options resolved from a
// datasource row and its decrypted credentials.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // "disable", "require", "verify-ca", "verify-full"
}

// FromDatasource merges the datasource's connection config with the
// decrypted credentials.
func FromDatasource(ds *models.Datasource, creds *models.Credentials) (*Config, error) {
	cfg := &Config{
		Host:     ds.ConnectionConfig.Host,
		Port:     ds.ConnectionConfig.Port,
		Database: ds.ConnectionConfig.Database,
		SSLMode:  ds.ConnectionConfig.SSLMode,
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = defaultSSLMode
	}
	if creds != nil {
		cfg.User = creds.User
		cfg.Password = creds.Password
	}
	if cfg.User == "" {
		cfg.User = ds.ConnectionConfig.Username
	}

	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("user is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("database is required")
	}
	return cfg, nil
}

// buildConnectionString builds a PostgreSQL URL. All user-provided
// fields are URL-escaped so passwords containing @, /, # or ? do not
// break parsing.
func buildConnectionString(cfg *Config) string {
	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s?sslmode=%s&connect_timeout=%d",
		url.QueryEscape(cfg.User),
		url.QueryEscape(cfg.Password),
		cfg.Host,
		cfg.Port,
		url.QueryEscape(cfg.Database),
		cfg.SSLMode,
		int(connectTimeout.Seconds()),
	)
}
