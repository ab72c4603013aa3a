package connectors

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/gridbase-io/gridbase-engine/pkg/apperrors"
	"github.com/gridbase-io/gridbase-engine/pkg/models"
)

// Factory opens a connector for a datasource using its decrypted
// credentials. An optional refresh token is passed for OAuth-backed
// sources.
type Factory func(ctx context.Context, ds *models.Datasource, creds *models.Credentials, refreshToken string, logger *zap.Logger) (Connector, error)

// Registration contains the display info and factory for one backend
// type.
type Registration struct {
	Type        string
	DisplayName string
	Factory     Factory
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Registration)
)

// Register is called by each backend's init(). Thread-safe for
// concurrent init() calls.
func Register(reg Registration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[reg.Type] = reg
}

// Open creates a connector for the datasource's type. An unregistered
// type is a typed unavailability, not a panic: a build may legitimately
// exclude a backend driver.
func Open(ctx context.Context, ds *models.Datasource, creds *models.Credentials, refreshToken string, logger *zap.Logger) (Connector, error) {
	registryMu.RLock()
	reg, ok := registry[ds.Type]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrBackendUnavailable, ds.Type)
	}
	return reg.Factory(ctx, ds, creds, refreshToken, logger)
}

// Available reports whether a backend type is registered in this build.
func Available(dsType string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[dsType]
	return ok
}

// RegisteredTypes returns the registered backend types for discovery.
func RegisteredTypes() []Registration {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]Registration, 0, len(registry))
	for _, reg := range registry {
		result = append(result, reg)
	}
	return result
}
