package connectors

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/gridbase-io/gridbase-engine/pkg/apperrors"
	"github.com/gridbase-io/gridbase-engine/pkg/logging"
	"github.com/gridbase-io/gridbase-engine/pkg/metrics"
	"github.com/gridbase-io/gridbase-engine/pkg/retry"
)

// ErrorClassifier decides how a backend error affects a pooled session.
type ErrorClassifier interface {
	// IsTerminated reports a stale/closed session: evict and retry the
	// whole operation against a fresh connection.
	IsTerminated(err error) bool
	// IsAuthExpired reports that the identity provider requires a new
	// browser login. Never retried automatically.
	IsAuthExpired(err error) bool
	// ClearTokenCache removes any locally cached SSO credential so the
	// next manual retry forces a fresh browser prompt.
	ClearTokenCache()
}

// SessionPool keeps browser-authenticated warehouse sessions alive
// across requests, keyed by datasource id. Establishing one is
// expensive (the user must approve in a browser) and re-establishing
// can desynchronize the identity provider's session state, so sessions
// are reused until they prove stale.
type SessionPool struct {
	mu         sync.Mutex
	live       map[string]Connector
	connecting singleflight.Group

	classifier ErrorClassifier
	retryCfg   *retry.Config
	logger     *zap.Logger
}

// NewSessionPool creates an empty pool. The classifier is backend
// specific (in practice the snowflake package's).
func NewSessionPool(classifier ErrorClassifier, logger *zap.Logger) *SessionPool {
	return &SessionPool{
		live:       make(map[string]Connector),
		classifier: classifier,
		retryCfg:   retry.SessionConfig(),
		logger:     logger,
	}
}

// Get returns a live session for the datasource id, reusing the pooled
// one when it reports itself up. Concurrent callers for the same id
// converge on a single connect attempt: the first installs the
// in-flight attempt, the rest await it. This is what prevents duplicate
// browser-auth prompts under concurrent requests.
func (p *SessionPool) Get(ctx context.Context, datasourceID string, connect func(ctx context.Context) (Connector, error)) (Connector, error) {
	p.mu.Lock()
	conn, ok := p.live[datasourceID]
	p.mu.Unlock()

	if ok {
		if err := conn.TestConnection(ctx); err == nil {
			metrics.PoolReuses.Inc()
			return conn, nil
		}
		p.logger.Info("pooled session no longer up, reconnecting",
			zap.String("datasource_id", datasourceID))
		p.evict(datasourceID, conn)
	}

	result, err, _ := p.connecting.Do(datasourceID, func() (any, error) {
		metrics.PoolConnects.Inc()
		c, err := connect(ctx)
		if err != nil {
			// Leave the slot empty so the next caller may retry.
			return nil, err
		}
		p.mu.Lock()
		p.live[datasourceID] = c
		p.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(Connector), nil
}

// WithSession runs fn against a pooled session, handling staleness. A
// terminated-session error evicts the entry and retries the whole
// operation against a fresh connection, up to 3 attempts with a short
// fixed backoff. An auth-expired error is never retried: the local
// token cache is cleared and the caller is told to re-authenticate.
func (p *SessionPool) WithSession(ctx context.Context, datasourceID string, connect func(ctx context.Context) (Connector, error), fn func(Connector) error) error {
	_, err := retry.DoIfWithResult(ctx, p.retryCfg, func() (struct{}, error) {
		conn, err := p.Get(ctx, datasourceID, connect)
		if err != nil {
			return struct{}{}, p.translate(datasourceID, nil, err)
		}

		if err := fn(conn); err != nil {
			// A deadline or cancellation may surface as an arbitrary
			// driver error; the context tells the truth.
			if ctx.Err() != nil {
				p.evict(datasourceID, conn)
				return struct{}{}, err
			}
			return struct{}{}, p.translate(datasourceID, conn, err)
		}

		// A deadline hit mid-query leaves the session in an unknown
		// state; tear it down rather than reuse it.
		if ctx.Err() != nil {
			p.evict(datasourceID, conn)
			return struct{}{}, ctx.Err()
		}
		return struct{}{}, nil
	}, func(err error) bool {
		var stale *staleSessionError
		return errors.As(err, &stale)
	})

	var stale *staleSessionError
	if errors.As(err, &stale) {
		return fmt.Errorf("session terminated after %d attempts: %w", p.retryCfg.MaxAttempts, stale.cause)
	}
	return err
}

// staleSessionError marks errors eligible for the evict-and-retry path.
type staleSessionError struct {
	cause error
}

func (e *staleSessionError) Error() string {
	return "stale pooled session: " + e.cause.Error()
}

func (e *staleSessionError) Unwrap() error {
	return e.cause
}

// translate classifies a backend error, performs the pool side effects,
// and wraps it for the retry loop.
func (p *SessionPool) translate(datasourceID string, conn Connector, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// The session is mid-query in unknown state; it must not be
		// handed to the next caller.
		if conn != nil {
			p.evict(datasourceID, conn)
		}
		return err
	case p.classifier.IsAuthExpired(err):
		if conn != nil {
			p.evict(datasourceID, conn)
		}
		p.classifier.ClearTokenCache()
		p.logger.Warn("pooled session requires re-authentication",
			zap.String("datasource_id", datasourceID),
			zap.String("error", logging.SanitizeError(err)))
		return apperrors.ErrReauthRequired
	case p.classifier.IsTerminated(err):
		if conn != nil {
			p.evict(datasourceID, conn)
		}
		p.logger.Warn("pooled session terminated",
			zap.String("datasource_id", datasourceID),
			zap.String("error", logging.SanitizeError(err)))
		return &staleSessionError{cause: err}
	default:
		return err
	}
}

// evict closes and removes a pooled session, but only if the stored
// entry is still the same instance (a concurrent caller may already
// have replaced it).
func (p *SessionPool) evict(datasourceID string, conn Connector) {
	p.mu.Lock()
	if current, ok := p.live[datasourceID]; ok && current == conn {
		delete(p.live, datasourceID)
		metrics.PoolEvictions.Inc()
	}
	p.mu.Unlock()

	if err := conn.Close(); err != nil {
		p.logger.Debug("closing evicted session",
			zap.String("datasource_id", datasourceID),
			zap.String("error", logging.SanitizeError(err)))
	}
}

// Close tears down every pooled session. Used at shutdown.
func (p *SessionPool) Close() {
	p.mu.Lock()
	conns := p.live
	p.live = make(map[string]Connector)
	p.mu.Unlock()

	for id, conn := range conns {
		if err := conn.Close(); err != nil {
			p.logger.Debug("closing pooled session",
				zap.String("datasource_id", id),
				zap.String("error", logging.SanitizeError(err)))
		}
	}
}
