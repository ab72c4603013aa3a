package snowflake

import (
	"errors"
	"fmt"
	"testing"

	"github.com/snowflakedb/gosnowflake"
	"go.uber.org/zap"
)

func TestClassifierIsTerminated(t *testing.T) {
	c := NewClassifier(zap.NewNop())

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"session gone code", &gosnowflake.SnowflakeError{Number: 390111}, true},
		{"session expired code", &gosnowflake.SnowflakeError{Number: 390112}, true},
		{"wrapped code", fmt.Errorf("query: %w", &gosnowflake.SnowflakeError{Number: 390111}), true},
		{"terminated message", errors.New("connection terminated by peer"), true},
		{"closed by server", errors.New("Connection was closed by server"), true},
		{"auth expired code is not terminated", &gosnowflake.SnowflakeError{Number: 390114}, false},
		{"syntax error", errors.New("SQL compilation error"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.IsTerminated(tt.err); got != tt.want {
				t.Errorf("IsTerminated(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifierIsAuthExpired(t *testing.T) {
	c := NewClassifier(zap.NewNop())

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"token expired code", &gosnowflake.SnowflakeError{Number: 390114}, true},
		{"id token invalid code", &gosnowflake.SnowflakeError{Number: 390195}, true},
		{"token expired message", errors.New("Authentication token has expired. The user must authenticate again."), true},
		{"terminated code is not auth", &gosnowflake.SnowflakeError{Number: 390111}, false},
		{"plain error", errors.New("network unreachable"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.IsAuthExpired(tt.err); got != tt.want {
				t.Errorf("IsAuthExpired(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClearTokenCacheMissingFileIsQuiet(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	c := NewClassifier(zap.NewNop())
	// Must not panic or error when nothing is cached.
	c.ClearTokenCache()
}
