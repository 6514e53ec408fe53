package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/flowboard/internal/board"
	"github.com/starford/flowboard/internal/remote"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App    ApplicationConfig `yaml:"app"`
	Remote RemoteConfig      `yaml:"remote"`
	SQLite SQLiteConfig      `yaml:"sqlite"`
	Board  BoardConfig       `yaml:"board"`
	Auth   AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Remote.Validate(); err != nil {
		return err
	}
	if err := c.SQLite.Validate(); err != nil {
		return err
	}
	if err := c.Board.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
	// WatchConfig reloads the log level when the config file changes.
	WatchConfig bool `yaml:"watch_config"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.ShutdownTimeout, validation.Min(time.Duration(0))),
	)
}

// RemoteConfig holds the remote outline service connection settings.
type RemoteConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	Timeout        time.Duration `yaml:"timeout"`
	ExportInterval time.Duration `yaml:"export_interval"`
}

// Validate validates the remote configuration.
func (c *RemoteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.BaseURL, validation.Required, validation.By(httpURL)),
		validation.Field(&c.APIKey, validation.Required),
		validation.Field(&c.Timeout, validation.Required, validation.Min(time.Second)),
		// The remote allows one bulk export per minute.
		validation.Field(&c.ExportInterval, validation.Required, validation.Min(remote.DefaultExportInterval)),
	)
}

// ClientConfig converts c to the remote client settings.
func (c *RemoteConfig) ClientConfig() remote.Config {
	return remote.Config{
		BaseURL:        c.BaseURL,
		APIKey:         c.APIKey,
		Timeout:        c.Timeout,
		ExportInterval: c.ExportInterval,
	}
}

func httpURL(v interface{}) error {
	s, _ := v.(string)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("must be an absolute http(s) URL")
	}
	return nil
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// BoardConfig selects the board root and the default parent for new tasks.
//
// RootID wins over RootName when the node exists. DefaultTarget is a target
// key such as "inbox"; empty means the board root.
type BoardConfig struct {
	RootName      string `yaml:"root_name"`
	RootID        string `yaml:"root_id"`
	DefaultTarget string `yaml:"default_target"`
}

// Validate validates the board configuration.
func (c *BoardConfig) Validate() error {
	if c.RootName == "" {
		c.RootName = board.DefaultRootName
	}
	return nil
}

// BoardSettings converts c to the board settings.
func (c *BoardConfig) BoardSettings() board.Config {
	return board.Config{
		RootName:      c.RootName,
		RootID:        c.RootID,
		DefaultTarget: c.DefaultTarget,
	}
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port:            8080,
				ShutdownTimeout: 10 * time.Second,
			},
		},
		Remote: RemoteConfig{
			BaseURL:        remote.DefaultBaseURL,
			Timeout:        remote.DefaultTimeout,
			ExportInterval: remote.DefaultExportInterval,
		},
		SQLite: SQLiteConfig{
			Path: "./flowboard.db",
		},
		Board: BoardConfig{
			RootName: board.DefaultRootName,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
