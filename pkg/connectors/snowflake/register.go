package snowflake

import (
	"context"

	"go.uber.org/zap"

	"github.com/gridbase-io/gridbase-engine/pkg/connectors"
	"github.com/gridbase-io/gridbase-engine/pkg/models"
)

func init() {
	connectors.Register(connectors.Registration{
		Type:        models.TypeSnowflake,
		DisplayName: "Snowflake",
		Factory: func(ctx context.Context, ds *models.Datasource, creds *models.Credentials, refreshToken string, logger *zap.Logger) (connectors.Connector, error) {
			cfg, err := buildConfig(ds, creds, refreshToken)
			if err != nil {
				return nil, err
			}
			return Connect(ctx, cfg, logger)
		},
	})
}
