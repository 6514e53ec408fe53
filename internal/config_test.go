package internal

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	pkgconfig "github.com/starford/flowboard/pkg/config"
)

func TestAuthConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     AuthConfig
		wantErr string
		enabled bool
	}{
		{name: "disabled", cfg: AuthConfig{Mode: AuthModeDisabled}},
		{name: "empty mode", cfg: AuthConfig{}},
		{name: "token", cfg: AuthConfig{Mode: AuthModeToken, Token: "s3cret"}, enabled: true},
		{name: "token missing", cfg: AuthConfig{Mode: AuthModeToken}, wantErr: "token is empty"},
		{name: "unknown mode", cfg: AuthConfig{Mode: "magic", Token: "x"}, wantErr: "Mode: must be a valid value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if tt.cfg.Mode == "" {
				t.Error("empty mode should normalise")
			}
			if tt.cfg.AuthEnabled() != tt.enabled {
				t.Errorf("AuthEnabled = %v, want %v", tt.cfg.AuthEnabled(), tt.enabled)
			}
		})
	}
}

func TestFullConfig_AuthValidationCalled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("full config validate should catch auth error")
	}
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Remote.APIKey = "key"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config with api key should pass: %v", err)
	}
	if cfg.Board.RootName != "WIP" {
		t.Errorf("root name = %q", cfg.Board.RootName)
	}
}

func TestRemoteConfig_Validate(t *testing.T) {
	base := NewDefaultConfig().Remote
	base.APIKey = "key"

	cases := []struct {
		name   string
		mutate func(*RemoteConfig)
		ok     bool
	}{
		{"defaults", func(*RemoteConfig) {}, true},
		{"missing api key", func(c *RemoteConfig) { c.APIKey = "" }, false},
		{"relative url", func(c *RemoteConfig) { c.BaseURL = "/api" }, false},
		{"ftp url", func(c *RemoteConfig) { c.BaseURL = "ftp://example.com" }, false},
		{"export interval below remote limit", func(c *RemoteConfig) { c.ExportInterval = 10 * time.Second }, false},
		{"tiny timeout", func(c *RemoteConfig) { c.Timeout = time.Millisecond }, false},
		{"slower export", func(c *RemoteConfig) { c.ExportInterval = 5 * time.Minute }, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := base
			c.mutate(&cfg)
			if err := cfg.Validate(); (err == nil) != c.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, c.ok)
			}
		})
	}
}

func TestBoardConfig_EmptyRootNameDefaults(t *testing.T) {
	cfg := BoardConfig{}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if s := cfg.BoardSettings(); s.RootName != "WIP" {
		t.Errorf("root name = %q", s.RootName)
	}
}

func TestParseYAML(t *testing.T) {
	t.Setenv("FLOWBOARD_TEST_KEY", "secret-key")
	cfg := NewDefaultConfig()
	data := []byte(`
app:
  log_level: debug
  http:
    port: 9090
remote:
  api_key: ${FLOWBOARD_TEST_KEY}
  timeout: 5s
  export_interval: 2m
board:
  root_name: Sprint
  default_target: inbox
`)
	if err := pkgconfig.Parse(data, cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.App.LogLevel != slog.LevelDebug || cfg.App.HTTP.Port != 9090 {
		t.Errorf("app = %+v", cfg.App)
	}
	if cfg.Remote.APIKey != "secret-key" || cfg.Remote.Timeout != 5*time.Second || cfg.Remote.ExportInterval != 2*time.Minute {
		t.Errorf("remote = %+v", cfg.Remote)
	}
	if cfg.Remote.BaseURL == "" || cfg.SQLite.Path == "" {
		t.Error("unset fields should keep their defaults")
	}
	if cfg.Board.RootName != "Sprint" || cfg.Board.DefaultTarget != "inbox" {
		t.Errorf("board = %+v", cfg.Board)
	}
}
