package config

import (
	"strings"
	"testing"
)

func TestValidateCredentialsKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr string
	}{
		{name: "missing key", key: "", wantErr: "GRID_CREDENTIALS_KEY is not set"},
		{name: "short key", key: strings.Repeat("k", 31), wantErr: "at least 32 characters"},
		{name: "exact length", key: strings.Repeat("k", 32), wantErr: ""},
		{name: "long key", key: strings.Repeat("k", 64), wantErr: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{CredentialsKey: tt.key}
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateOrgSources(t *testing.T) {
	cfg := &Config{
		CredentialsKey: strings.Repeat("k", 32),
		OrgSources:     []OrgSourceConfig{{Prefix: "ANALYTICS"}},
	}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "requires a type") {
		t.Errorf("expected type-required error, got %v", err)
	}
}

func TestParseOrgSourcesStr(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    int
		wantErr bool
	}{
		{name: "empty", value: "", want: 0},
		{name: "single pair", value: "ANALYTICS:postgres", want: 1},
		{name: "multiple pairs", value: "analytics:postgres, FINANCE:snowflake", want: 2},
		{name: "missing type", value: "ANALYTICS", wantErr: true},
		{name: "empty prefix", value: ":postgres", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{OrgSourcesStr: tt.value}
			err := cfg.parseOrgSourcesStr()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(cfg.OrgSources) != tt.want {
				t.Errorf("expected %d org sources, got %d", tt.want, len(cfg.OrgSources))
			}
		})
	}
}

func TestParseOrgSourcesStrNormalizes(t *testing.T) {
	cfg := &Config{OrgSourcesStr: "analytics:POSTGRES"}
	if err := cfg.parseOrgSourcesStr(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	src := cfg.OrgSources[0]
	if src.Prefix != "ANALYTICS" {
		t.Errorf("expected upper-case prefix, got %q", src.Prefix)
	}
	if src.Type != "postgres" {
		t.Errorf("expected lower-case type, got %q", src.Type)
	}
}

func TestConnectionString(t *testing.T) {
	db := &DatabaseConfig{
		Host: "localhost", Port: 5432, User: "gridbase",
		Password: "pw", Database: "gridbase_engine", SSLMode: "disable",
	}
	got := db.ConnectionString()
	want := "host=localhost port=5432 user=gridbase password=pw dbname=gridbase_engine sslmode=disable"
	if got != want {
		t.Errorf("connection string mismatch:\n got %q\nwant %q", got, want)
	}
}
