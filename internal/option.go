package internal

import (
	"io"

	"github.com/starford/flowboard/internal/remote"
)

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config     *Config
	configPath string
	remote     remote.NodeStore
	logOutput  io.Writer
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithConfigPath names the file cfg was loaded from, enabling hot reload
// when app.watch_config is set.
func WithConfigPath(path string) Option {
	return func(a *application) {
		a.configPath = path
	}
}

// WithRemote replaces the HTTP client for the remote outline service.
func WithRemote(rs remote.NodeStore) Option {
	return func(a *application) {
		a.remote = rs
	}
}

// WithLogOutput sets where JSON logs are written. Defaults to stdout.
func WithLogOutput(w io.Writer) Option {
	return func(a *application) {
		a.logOutput = w
	}
}
