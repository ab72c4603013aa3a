package snowflake

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/snowflakedb/gosnowflake"
	"go.uber.org/zap"
)

// Server error codes that matter to the session pool. The driver
// surfaces these as SnowflakeError.Number.
const (
	codeSessionGone    = 390111 // session no longer exists on the server
	codeSessionExpired = 390112 // session token expired
	codeTokenExpired   = 390114 // authentication token expired, re-login required
	codeIDTokenInvalid = 390195 // cached browser credential rejected
)

// Classifier maps driver errors onto the session pool's two recovery
// paths: evict-and-retry for terminated sessions, and a hard
// re-authentication signal when the identity provider wants the user
// back in a browser.
type Classifier struct {
	logger *zap.Logger
}

func NewClassifier(logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{logger: logger}
}

// IsTerminated reports a server-side session that no longer exists. A
// fresh connection (which may reuse the cached browser credential
// without prompting) can recover from these.
func (c *Classifier) IsTerminated(err error) bool {
	if err == nil {
		return false
	}
	var sfErr *gosnowflake.SnowflakeError
	if errors.As(err, &sfErr) {
		switch sfErr.Number {
		case codeSessionGone, codeSessionExpired:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "session no longer exists") ||
		strings.Contains(msg, "terminated") ||
		strings.Contains(msg, "connection was closed by server")
}

// IsAuthExpired reports that the identity provider requires a fresh
// browser login. Reconnecting with the cached credential would fail the
// same way, so these are never retried.
func (c *Classifier) IsAuthExpired(err error) bool {
	if err == nil {
		return false
	}
	var sfErr *gosnowflake.SnowflakeError
	if errors.As(err, &sfErr) {
		switch sfErr.Number {
		case codeTokenExpired, codeIDTokenInvalid:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "authentication token has expired") ||
		strings.Contains(msg, "id token is invalid")
}

// ClearTokenCache deletes the driver's on-disk temporary credential so
// the next connect forces a fresh browser prompt instead of replaying a
// rejected token.
func (c *Classifier) ClearTokenCache() {
	dir, err := os.UserCacheDir()
	if err != nil {
		c.logger.Debug("cannot resolve cache dir", zap.Error(err))
		return
	}
	path := filepath.Join(dir, "snowflake", "temporary_credential.json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("failed to clear cached browser credential",
			zap.String("path", path), zap.Error(err))
		return
	}
	c.logger.Info("cleared cached browser credential")
}
