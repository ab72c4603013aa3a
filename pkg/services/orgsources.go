package services

import (
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/gridbase-io/gridbase-engine/pkg/config"
	"github.com/gridbase-io/gridbase-engine/pkg/models"
)

// envLookup abstracts os.LookupEnv so tests can inject environments.
type envLookup func(key string) (string, bool)

// buildOrgSources synthesizes organization-tier datasources from the
// deployment environment. Each configured prefix is probed for its
// connection fields ({PREFIX}_{FIELD}, or the variable named in Vars);
// a prefix missing its mandatory identity fields is skipped without
// error, so a partially configured deployment comes up with whatever
// sources are complete.
//
// The returned sources carry their credentials in memory: they exist
// only for the process lifetime and are never persisted.
func buildOrgSources(sources []config.OrgSourceConfig, lookup envLookup, logger *zap.Logger) (map[string]*models.Datasource, []string) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	byID := make(map[string]*models.Datasource)
	var order []string

	for _, src := range sources {
		ds := synthesizeOrgSource(src, lookup)
		if ds == nil {
			logger.Debug("skipping incomplete organization datasource",
				zap.String("prefix", src.Prefix),
				zap.String("type", src.Type))
			continue
		}
		if _, dup := byID[ds.ID]; dup {
			logger.Warn("duplicate organization datasource prefix",
				zap.String("id", ds.ID))
			continue
		}
		byID[ds.ID] = ds
		order = append(order, ds.ID)
		logger.Info("registered organization datasource",
			zap.String("id", ds.ID),
			zap.String("type", ds.Type))
	}
	return byID, order
}

func synthesizeOrgSource(src config.OrgSourceConfig, lookup envLookup) *models.Datasource {
	field := func(name string) string {
		key := src.Prefix + "_" + name
		if override, ok := src.Vars[strings.ToLower(name)]; ok && override != "" {
			key = override
		}
		v, _ := lookup(key)
		return v
	}

	ds := &models.Datasource{
		ID:          models.OrgIDPrefix + strings.ToLower(src.Prefix),
		Name:        src.Name,
		Type:        src.Type,
		Description: src.Description,
		Tier:        models.TierOrganization,
		EnvPrefix:   src.Prefix,
		AuthMethod:  models.AuthPassword,
		Active:      true,
	}
	if ds.Name == "" && src.Prefix != "" {
		name := strings.ToLower(src.Prefix)
		ds.Name = strings.ToUpper(name[:1]) + name[1:]
	}

	creds := &models.Credentials{
		User:     field("USER"),
		Password: field("PASSWORD"),
	}

	switch src.Type {
	case models.TypePostgres:
		ds.ConnectionConfig = models.ConnectionConfig{
			Host:     field("HOST"),
			Database: field("DATABASE"),
			SSLMode:  field("SSLMODE"),
			Schema:   field("SCHEMA"),
			Username: creds.User,
		}
		if port := field("PORT"); port != "" {
			if p, err := strconv.Atoi(port); err == nil {
				ds.ConnectionConfig.Port = p
			}
		}
		if ds.ConnectionConfig.Host == "" || creds.User == "" {
			return nil
		}

	case models.TypeSnowflake:
		ds.ConnectionConfig = models.ConnectionConfig{
			Account:   field("ACCOUNT"),
			Database:  field("DATABASE"),
			Schema:    field("SCHEMA"),
			Warehouse: field("WAREHOUSE"),
			Role:      field("ROLE"),
			Username:  creds.User,
		}
		if method := field("AUTH_METHOD"); method != "" {
			ds.AuthMethod = strings.ToLower(method)
		}
		creds.PrivateKeyPath = field("PRIVATE_KEY_PATH")
		creds.Passphrase = field("PASSPHRASE")
		if ds.ConnectionConfig.Account == "" || creds.User == "" {
			return nil
		}

	default:
		return nil
	}

	ds.Credentials = creds
	return ds
}
